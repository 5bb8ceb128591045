// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package markrule

import (
	"fmt"
	"strings"

	"grimm.is/tunwall/internal/cmdrunner"
	"grimm.is/tunwall/internal/config"
	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/logging"
)

const cliTableName = "tunwall_mark"

// nftCLIBackend shells out to `nft -f -` (under dry-run the runner only logs
// the command) instead of driving the kernel directly, for hosts where the native
// netlink path isn't available.
type nftCLIBackend struct {
	runner *cmdrunner.Runner
	logger *logging.Logger
}

func (b *nftCLIBackend) Kind() config.FirewallBackendKind { return config.BackendNftCLI }

// renderNftScript builds the nft script text for the mark table: excludes
// first, then the catch-all mark rule, matching nativeBackend.Install's rule
// order exactly.
func renderNftScript(excludeIPs []string, mark uint32) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "table ip %s {\n", cliTableName)
	fmt.Fprintf(&sb, "  chain output {\n")
	fmt.Fprintf(&sb, "    type filter hook output priority mangle; policy accept;\n")
	for _, ip := range excludeIPs {
		fmt.Fprintf(&sb, "    ip daddr %s return\n", ip)
	}
	fmt.Fprintf(&sb, "    meta l4proto tcp mark set 0x%x\n", mark)
	fmt.Fprintf(&sb, "  }\n}\n")
	return sb.String()
}

func (b *nftCLIBackend) Install(excludeIPs []string, mark uint32) error {
	script := renderNftScript(excludeIPs, mark)
	if _, err := b.runner.RunStdin("nft", script, "-f", "-"); err != nil {
		return errors.Wrap(err, errors.KindMarkInstallFailed, "apply mark rule set via nft CLI")
	}
	b.logger.Info("installed mark rule set via nft CLI", "table", cliTableName)
	return nil
}

func (b *nftCLIBackend) Remove() error {
	script := fmt.Sprintf("delete table ip %s\n", cliTableName)
	if _, err := b.runner.RunStdin("nft", script, "-f", "-"); err != nil {
		return errors.Wrap(err, errors.KindMarkInstallFailed, "remove mark rule set via nft CLI")
	}
	return nil
}

// iptablesCLIBackend is the last-resort fallback: a dedicated mangle chain
// jumped to from OUTPUT, mirroring the other_examples netshunt pattern of an
// iptables mark chain fed from a fixed hook point.
type iptablesCLIBackend struct {
	runner *cmdrunner.Runner
	logger *logging.Logger
}

const iptablesChain = "TUNWALL_MARK"

func (b *iptablesCLIBackend) Kind() config.FirewallBackendKind { return config.BackendIptablesCLI }

// iptablesRuleSteps renders the -A argv sequence appended after the chain
// is created and hooked into OUTPUT: excludes first, then the catch-all
// mark rule, mirroring renderNftScript's rule order.
func iptablesRuleSteps(excludeIPs []string, mark uint32) [][]string {
	var steps [][]string
	for _, ip := range excludeIPs {
		steps = append(steps, []string{"-t", "mangle", "-A", iptablesChain, "-d", ip, "-j", "RETURN"})
	}
	markHex := fmt.Sprintf("0x%x", mark)
	steps = append(steps, []string{"-t", "mangle", "-A", iptablesChain, "-p", "tcp", "-j", "MARK", "--set-mark", markHex})
	return steps
}

func (b *iptablesCLIBackend) Install(excludeIPs []string, mark uint32) error {
	run := func(args ...string) error {
		_, err := b.runner.Run("iptables", args...)
		return err
	}

	if err := run("-t", "mangle", "-N", iptablesChain); err != nil {
		// already exists: flush it instead of failing
		if err := run("-t", "mangle", "-F", iptablesChain); err != nil {
			return errors.Wrap(err, errors.KindMarkInstallFailed, "create/flush iptables mark chain")
		}
	}
	if err := run("-t", "mangle", "-C", "OUTPUT", "-j", iptablesChain); err != nil {
		if err := run("-t", "mangle", "-I", "OUTPUT", "1", "-j", iptablesChain); err != nil {
			return errors.Wrap(err, errors.KindMarkInstallFailed, "hook iptables mark chain into OUTPUT")
		}
	}

	for _, args := range iptablesRuleSteps(excludeIPs, mark) {
		if err := run(args...); err != nil {
			return errors.Wrap(err, errors.KindMarkInstallFailed, "install iptables mark rule")
		}
	}

	b.logger.Info("installed mark rule set via iptables CLI", "chain", iptablesChain)
	return nil
}

func (b *iptablesCLIBackend) Remove() error {
	run := func(args ...string) error {
		_, err := b.runner.Run("iptables", args...)
		return err
	}
	_ = run("-t", "mangle", "-D", "OUTPUT", "-j", iptablesChain)
	_ = run("-t", "mangle", "-F", iptablesChain)
	if err := run("-t", "mangle", "-X", iptablesChain); err != nil {
		return errors.Wrap(err, errors.KindMarkInstallFailed, "remove iptables mark chain")
	}
	return nil
}
