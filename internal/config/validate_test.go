// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/tunwall/internal/errors"
)

func TestValidateRequiresProxyTarget(t *testing.T) {
	var cfg Config
	err := cfg.Validate()
	require.Error(t, err)
	require.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestValidateAcceptsExplicitProxyIP(t *testing.T) {
	cfg := Config{
		ExplicitProxyIPs: []string{"10.0.0.1"},
		Proxy:            ProxyTarget{Port: 3128},
	}
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsMismatchedCreds(t *testing.T) {
	cfg := Config{
		Proxy: ProxyTarget{Host: "proxy.example.com", Port: 3128, Username: "u"},
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateTUNCIDRPrefixLength(t *testing.T) {
	cfg := Config{
		Proxy: ProxyTarget{Host: "proxy.example.com", Port: 3128},
		TUN:   TUNConfig{CIDR: "10.255.255.0/24"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	require.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestValidateTUNCIDRAccepts30(t *testing.T) {
	cfg := Config{
		Proxy: ProxyTarget{Host: "proxy.example.com", Port: 3128},
		TUN:   TUNConfig{CIDR: "10.255.255.1/30"},
	}
	require.NoError(t, cfg.Validate())
}

func TestWithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	require.Equal(t, DefaultTUNName, cfg.TUN.Name)
	require.Equal(t, DefaultTUNCIDR, cfg.TUN.CIDR)
	require.Equal(t, DefaultRoutingConfig(), cfg.Routing)
}

func TestCloneDeepCopiesSlices(t *testing.T) {
	cfg := Config{AllowDNS: []string{"1.1.1.1"}}
	clone := cfg.Clone()
	clone.AllowDNS[0] = "8.8.8.8"
	require.Equal(t, "1.1.1.1", cfg.AllowDNS[0])
}
