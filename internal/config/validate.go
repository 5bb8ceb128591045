// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"net"
	"net/netip"

	"grimm.is/tunwall/internal/errors"
)

// Validate checks every invariant that can be checked without touching the
// kernel (CIDR overlap against live interfaces is checked later, by netctl,
// since it needs live state).
func (cfg Config) Validate() error {
	if cfg.Proxy.Host == "" && len(cfg.ExplicitProxyIPs) == 0 {
		return errors.New(errors.KindValidation, "proxy host or --proxy-ip is required")
	}
	if cfg.Proxy.Port == 0 {
		return errors.New(errors.KindValidation, "proxy port must be in 1..=65535")
	}
	if (cfg.Proxy.Username == "") != (cfg.Proxy.Password == "") {
		return errors.New(errors.KindValidation, "username and password must both be set or both be empty")
	}

	for _, ip := range cfg.ExplicitProxyIPs {
		if net.ParseIP(ip) == nil || net.ParseIP(ip).To4() == nil {
			return errors.Errorf(errors.KindValidation, "--proxy-ip %q is not a valid IPv4 literal", ip)
		}
	}

	if err := validateTUNCIDR(cfg.TUN.CIDR); err != nil {
		return err
	}

	for _, ip := range cfg.AllowDNS {
		if net.ParseIP(ip) == nil {
			return errors.Errorf(errors.KindValidation, "--allow-dns %q is not a valid IP", ip)
		}
	}

	return nil
}

// validateTUNCIDR enforces a prefix length of at most 30, leaving room for
// both the interface address and the gateway address.
func validateTUNCIDR(cidr string) error {
	if cidr == "" {
		return nil // defaulted later by WithDefaults
	}
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return errors.Wrapf(err, errors.KindValidation, "invalid tun-cidr %q", cidr)
	}
	if !prefix.Addr().Is4() {
		return errors.Errorf(errors.KindValidation, "tun-cidr %q must be IPv4", cidr)
	}
	if prefix.Bits() > 30 {
		return errors.Errorf(errors.KindValidation, "tun-cidr %q prefix length must be <= 30 (need at least 4 addresses)", cidr)
	}
	return nil
}
