// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package firewall

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderKillswitchScriptRuleOrder(t *testing.T) {
	script := renderKillswitchScript(Params{
		TUNName:   "tun0",
		ProxyIPs:  []string{"203.0.113.1"},
		ProxyPort: 3128,
		ProxyMark: 0x1,
		DNSAllow:  []string{"1.1.1.1"},
	})

	require.Equal(t, `table inet proxyvpn {
  chain proxyvpn {
    type filter hook output priority filter; policy drop;
    oif lo accept
    oif tun0 accept
    tcp dport 3128 ip daddr 203.0.113.1 accept
    meta l4proto tcp meta mark 0x1 accept
    udp dport 53 ip daddr 1.1.1.1 accept
    tcp dport 53 ip daddr 1.1.1.1 accept
  }
}
`, script)
}

func TestRenderKillswitchScriptNoDNSAllowList(t *testing.T) {
	script := renderKillswitchScript(Params{TUNName: "tun0", ProxyPort: 3128, ProxyMark: 0x1})
	require.NotContains(t, script, "dport 53")
	require.Contains(t, script, "policy drop")
}

func TestIptablesKillswitchStepsEndsInDefaultDrop(t *testing.T) {
	steps := iptablesKillswitchSteps(Params{
		TUNName:   "tun0",
		ProxyIPs:  []string{"203.0.113.1"},
		ProxyPort: 3128,
		ProxyMark: 0x1,
		DNSAllow:  []string{"1.1.1.1"},
	})

	require.Equal(t, [][]string{
		{"-A", iptablesChainName, "-o", "lo", "-j", "ACCEPT"},
		{"-A", iptablesChainName, "-o", "tun0", "-j", "ACCEPT"},
		{"-A", iptablesChainName, "-p", "tcp", "-d", "203.0.113.1", "--dport", "3128", "-j", "ACCEPT"},
		{"-A", iptablesChainName, "-p", "tcp", "-m", "mark", "--mark", "0x1", "-j", "ACCEPT"},
		{"-A", iptablesChainName, "-p", "udp", "-d", "1.1.1.1", "--dport", "53", "-j", "ACCEPT"},
		{"-A", iptablesChainName, "-p", "tcp", "-d", "1.1.1.1", "--dport", "53", "-j", "ACCEPT"},
		{"-A", iptablesChainName, "-p", "tcp", "-j", "DROP"},
		{"-A", iptablesChainName, "-p", "udp", "-j", "DROP"},
	}, steps)
}
