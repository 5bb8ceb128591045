// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

// Package markrule installs and removes the OUTPUT-path mark rule set:
// exclude the proxy IPs, then tag every other outbound TCP packet with the
// fixed proxy mark.
package markrule

import (
	"os"

	"github.com/google/nftables"

	"grimm.is/tunwall/internal/cmdrunner"
	"grimm.is/tunwall/internal/config"
	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/logging"
)

// Backend installs and removes the mark rule set through one concrete
// mechanism (native nft, nft CLI, or iptables CLI).
type Backend interface {
	Kind() config.FirewallBackendKind
	Install(excludeIPs []string, mark uint32) error
	Remove() error
}

// Select tries the native netlink path first (works with CAP_NET_ADMIN
// only), then nft CLI, then iptables CLI (both CLI paths need root), else
// fails with env-missing-dep. dryRun is threaded into the native backend
// since, unlike the CLI backends, it talks to the kernel directly and has no
// cmdrunner.Runner to gate it.
func Select(runner *cmdrunner.Runner, logger *logging.Logger, dryRun bool) (Backend, error) {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	logger = logger.WithComponent("markrule")

	if _, err := nftables.New(); err == nil {
		logger.Info("selected native nft backend for mark rules")
		return &nativeBackend{logger: logger, dryRun: dryRun}, nil
	}

	root := os.Geteuid() == 0
	if root && cmdrunner.LookPath("nft") {
		logger.Info("selected nft CLI backend for mark rules")
		return &nftCLIBackend{runner: runner, logger: logger}, nil
	}
	if root && cmdrunner.LookPath("iptables") {
		logger.Info("selected iptables CLI backend for mark rules")
		return &iptablesCLIBackend{runner: runner, logger: logger}, nil
	}

	return nil, errors.New(errors.KindEnvMissingDep, "no-mark-backend: native nft unavailable and neither nft nor iptables usable as root")
}

// ForKind reconstructs the Backend that was persisted in the state record
// for a given kind, without re-probing: teardown must pick the same backend
// setup chose, and a re-probe could legitimately return a different answer
// on a half-broken host.
func ForKind(kind config.FirewallBackendKind, runner *cmdrunner.Runner, logger *logging.Logger, dryRun bool) (Backend, error) {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	logger = logger.WithComponent("markrule")

	switch kind {
	case config.BackendNativeNft:
		return &nativeBackend{logger: logger, dryRun: dryRun}, nil
	case config.BackendNftCLI:
		return &nftCLIBackend{runner: runner, logger: logger}, nil
	case config.BackendIptablesCLI:
		return &iptablesCLIBackend{runner: runner, logger: logger}, nil
	default:
		return nil, errors.Errorf(errors.KindInternal, "unknown mark backend kind %q", kind)
	}
}
