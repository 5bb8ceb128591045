// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dnscfg parses resolver configuration, classifies loopback/stub
// resolvers, and resolves the proxy hostname to an IPv4 set.
package dnscfg

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/miekg/dns"

	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/logging"
)

// systemdResolvedFallback is consulted when /etc/resolv.conf only names
// loopback stubs (systemd-resolved's default).
const systemdResolvedFallback = "/run/systemd/resolve/resolv.conf"

// ParseResolvConf returns the nameserver IPs named in a resolv.conf-format
// file. A missing file yields an empty, non-error result: callers treat that
// the same as "no servers found" and keep looking.
func ParseResolvConf(path string) ([]string, error) {
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return nil, nil
	}
	cc, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "parse resolv.conf %s", path)
	}
	return cc.Servers, nil
}

// IsLoopbackOnly reports whether every server in the list is a loopback
// address, the signature of a local stub resolver (e.g. systemd-resolved
// listening on 127.0.0.53).
func IsLoopbackOnly(servers []string) bool {
	if len(servers) == 0 {
		return false
	}
	for _, s := range servers {
		ip := net.ParseIP(s)
		if ip == nil || !ip.IsLoopback() {
			return false
		}
	}
	return true
}

// ComputeAllowList unions explicit --allow-dns IPs with upstreams parsed
// from /etc/resolv.conf, falling back to systemd-resolved's upstream file
// when resolv.conf only has loopback stubs. An empty result is never an
// error; it is logged once here as a warning.
func ComputeAllowList(explicit []string, logger *logging.Logger) []string {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	logger = logger.WithComponent("dnscfg")

	seen := make(map[string]bool, len(explicit))
	allow := make([]string, 0, len(explicit))
	add := func(ip string) {
		if ip == "" || seen[ip] {
			return
		}
		seen[ip] = true
		allow = append(allow, ip)
	}

	for _, ip := range explicit {
		add(ip)
	}

	servers, err := ParseResolvConf("/etc/resolv.conf")
	if err != nil {
		logger.Warn("failed to parse /etc/resolv.conf", "error", err)
		servers = nil
	}

	if IsLoopbackOnly(servers) {
		if fallback, ferr := ParseResolvConf(systemdResolvedFallback); ferr == nil {
			servers = fallback
		}
	}

	for _, s := range servers {
		add(s)
	}

	if len(allow) == 0 {
		logger.Warn("DNS allow-list is empty; DNS will fail entirely while the killswitch is enabled")
	}
	return allow
}

// ResolveProxyHost resolves host to its IPv4 A records using server (an
// "ip:port" resolver address, empty meaning the system default via
// net.DefaultResolver). Returns a non-empty sorted-by-response-order set of
// dotted-quad strings, or a validation error if host has no A records.
func ResolveProxyHost(ctx context.Context, host, server string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		return []string{ip.String()}, nil
	}

	if server == "" {
		return resolveWithSystemResolver(ctx, host)
	}
	return resolveWithMiekgDNS(ctx, host, server)
}

func resolveWithSystemResolver(ctx context.Context, host string) ([]string, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "resolve proxy host %q", host)
	}
	if len(ips) == 0 {
		return nil, errors.Errorf(errors.KindValidation, "proxy host %q has no IPv4 address", host)
	}
	out := make([]string, len(ips))
	for i, ip := range ips {
		out[i] = ip.String()
	}
	return out, nil
}

func resolveWithMiekgDNS(ctx context.Context, host, server string) ([]string, error) {
	client := &dns.Client{Timeout: 5 * time.Second}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	resp, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "resolve proxy host %q via %s", host, server)
	}

	var out []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			out = append(out, a.A.String())
		}
	}
	if len(out) == 0 {
		return nil, errors.Errorf(errors.KindValidation, "proxy host %q has no IPv4 address via %s", host, server)
	}
	return out, nil
}
