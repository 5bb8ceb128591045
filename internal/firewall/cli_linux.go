// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package firewall

import (
	"fmt"
	"strings"

	"grimm.is/tunwall/internal/cmdrunner"
	"grimm.is/tunwall/internal/config"
	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/logging"
)

// nftCLIBackend renders the abstract rule set as an nft script and applies
// it with `nft -f -`, the same idiom as markrule's CLI backend and the
// teacher's atomic.go.
type nftCLIBackend struct {
	runner *cmdrunner.Runner
	logger *logging.Logger
}

func (b *nftCLIBackend) Kind() config.FirewallBackendKind { return config.BackendNftCLI }

// renderKillswitchScript builds the nft script text for the killswitch
// table, in the same rule order as nativeBackend.Install: loopback, TUN,
// proxy IP:port, proxy mark, then the DNS allow-list.
func renderKillswitchScript(p Params) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "table inet %s {\n  chain %s {\n", proxyvpnTable, proxyvpnChain)
	fmt.Fprintf(&sb, "    type filter hook output priority filter; policy drop;\n")
	fmt.Fprintf(&sb, "    oif lo accept\n")
	fmt.Fprintf(&sb, "    oif %s accept\n", p.TUNName)
	for _, ip := range p.ProxyIPs {
		fmt.Fprintf(&sb, "    tcp dport %d ip daddr %s accept\n", p.ProxyPort, ip)
	}
	fmt.Fprintf(&sb, "    meta l4proto tcp meta mark 0x%x accept\n", p.ProxyMark)
	for _, ip := range p.DNSAllow {
		fmt.Fprintf(&sb, "    udp dport 53 ip daddr %s accept\n", ip)
		fmt.Fprintf(&sb, "    tcp dport 53 ip daddr %s accept\n", ip)
	}
	fmt.Fprintf(&sb, "  }\n}\n")
	return sb.String()
}

func (b *nftCLIBackend) Install(p Params) error {
	script := renderKillswitchScript(p)
	if _, err := b.runner.RunStdin("nft", script, "-f", "-"); err != nil {
		return errors.Wrap(err, errors.KindFirewallInstallFailed, "apply killswitch via nft CLI")
	}
	b.logger.Info("installed killswitch via nft CLI", "table", proxyvpnTable)
	return nil
}

func (b *nftCLIBackend) Remove() error {
	script := fmt.Sprintf("delete table inet %s\n", proxyvpnTable)
	if _, err := b.runner.RunStdin("nft", script, "-f", "-"); err != nil {
		return errors.Wrap(err, errors.KindFirewallInstallFailed, "remove killswitch via nft CLI")
	}
	return nil
}

// iptablesCLIBackend uses a dedicated PROXYVPN chain, the iptables variant
// of the isolated table.
type iptablesCLIBackend struct {
	runner *cmdrunner.Runner
	logger *logging.Logger
}

const iptablesChainName = "PROXYVPN"

func (b *iptablesCLIBackend) Kind() config.FirewallBackendKind { return config.BackendIptablesCLI }

// iptablesKillswitchSteps renders the -A argv sequence appended after the
// chain is created and hooked into OUTPUT, in the same rule order as
// renderKillswitchScript: loopback, TUN, proxy IP:port, proxy mark, DNS
// allow-list, then the unconditional tcp/udp drop.
func iptablesKillswitchSteps(p Params) [][]string {
	steps := [][]string{
		{"-A", iptablesChainName, "-o", "lo", "-j", "ACCEPT"},
		{"-A", iptablesChainName, "-o", p.TUNName, "-j", "ACCEPT"},
	}
	for _, ip := range p.ProxyIPs {
		steps = append(steps, []string{"-A", iptablesChainName, "-p", "tcp", "-d", ip,
			"--dport", fmt.Sprintf("%d", p.ProxyPort), "-j", "ACCEPT"})
	}
	steps = append(steps, []string{"-A", iptablesChainName, "-p", "tcp", "-m", "mark",
		"--mark", fmt.Sprintf("0x%x", p.ProxyMark), "-j", "ACCEPT"})
	for _, ip := range p.DNSAllow {
		steps = append(steps, []string{"-A", iptablesChainName, "-p", "udp", "-d", ip, "--dport", "53", "-j", "ACCEPT"})
		steps = append(steps, []string{"-A", iptablesChainName, "-p", "tcp", "-d", ip, "--dport", "53", "-j", "ACCEPT"})
	}
	steps = append(steps, []string{"-A", iptablesChainName, "-p", "tcp", "-j", "DROP"})
	steps = append(steps, []string{"-A", iptablesChainName, "-p", "udp", "-j", "DROP"})
	return steps
}

func (b *iptablesCLIBackend) Install(p Params) error {
	run := func(args ...string) error {
		_, err := b.runner.Run("iptables", args...)
		return err
	}

	if err := run("-N", iptablesChainName); err != nil {
		if err := run("-F", iptablesChainName); err != nil {
			return errors.Wrap(err, errors.KindFirewallInstallFailed, "create/flush iptables killswitch chain")
		}
	}
	if err := run("-C", "OUTPUT", "-j", iptablesChainName); err != nil {
		if err := run("-I", "OUTPUT", "1", "-j", iptablesChainName); err != nil {
			return errors.Wrap(err, errors.KindFirewallInstallFailed, "hook killswitch chain into OUTPUT")
		}
	}

	for _, args := range iptablesKillswitchSteps(p) {
		if err := run(args...); err != nil {
			return errors.Wrap(err, errors.KindFirewallInstallFailed, "install iptables killswitch rule")
		}
	}

	b.logger.Info("installed killswitch via iptables CLI", "chain", iptablesChainName)
	return nil
}

func (b *iptablesCLIBackend) Remove() error {
	run := func(args ...string) error {
		_, err := b.runner.Run("iptables", args...)
		return err
	}
	_ = run("-D", "OUTPUT", "-j", iptablesChainName)
	_ = run("-F", iptablesChainName)
	if err := run("-X", iptablesChainName); err != nil {
		return errors.Wrap(err, errors.KindFirewallInstallFailed, "remove iptables killswitch chain")
	}
	return nil
}
