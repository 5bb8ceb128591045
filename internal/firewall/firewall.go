// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

// Package firewall installs and removes the killswitch rule set: a
// self-contained table that drops any TCP/UDP egress not going through the
// proxy path.
package firewall

import (
	"os"

	"github.com/google/nftables"

	"grimm.is/tunwall/internal/cmdrunner"
	"grimm.is/tunwall/internal/config"
	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/logging"
)

// Params carries everything the killswitch rule set needs. The table is
// only ever installed when the killswitch is enabled (NoneBackend stands in
// for "disabled"), so the rule set it builds always ends in a full default
// drop — there is no partial/UDP-bypass variant.
type Params struct {
	TUNName   string
	ProxyIPs  []string
	ProxyPort uint16
	ProxyMark uint32
	DNSAllow  []string
}

// Backend installs and removes the isolated killswitch table through one
// concrete mechanism.
type Backend interface {
	Kind() config.FirewallBackendKind
	Install(p Params) error
	Remove() error
}

// Select mirrors markrule.Select's backend preference order. dryRun is
// threaded into the native backend, which talks to the kernel directly and
// has no cmdrunner.Runner to gate it.
func Select(runner *cmdrunner.Runner, logger *logging.Logger, dryRun bool) (Backend, error) {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	logger = logger.WithComponent("firewall")

	if _, err := nftables.New(); err == nil {
		logger.Info("selected native nft backend for killswitch")
		return &nativeBackend{logger: logger, dryRun: dryRun}, nil
	}

	root := os.Geteuid() == 0
	if root && cmdrunner.LookPath("nft") {
		logger.Info("selected nft CLI backend for killswitch")
		return &nftCLIBackend{runner: runner, logger: logger}, nil
	}
	if root && cmdrunner.LookPath("iptables") {
		logger.Info("selected iptables CLI backend for killswitch")
		return &iptablesCLIBackend{runner: runner, logger: logger}, nil
	}

	return nil, errors.New(errors.KindEnvMissingDep, "no-firewall-backend: native nft unavailable and neither nft nor iptables usable as root")
}

// ForKind reconstructs the Backend persisted in the state record for kind,
// without re-probing, mirroring markrule.ForKind.
func ForKind(kind config.FirewallBackendKind, runner *cmdrunner.Runner, logger *logging.Logger, dryRun bool) (Backend, error) {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	logger = logger.WithComponent("firewall")

	switch kind {
	case config.BackendNativeNft:
		return &nativeBackend{logger: logger, dryRun: dryRun}, nil
	case config.BackendNftCLI:
		return &nftCLIBackend{runner: runner, logger: logger}, nil
	case config.BackendIptablesCLI:
		return &iptablesCLIBackend{runner: runner, logger: logger}, nil
	case config.BackendNone:
		return NoneBackend{}, nil
	default:
		return nil, errors.Errorf(errors.KindInternal, "unknown firewall backend kind %q", kind)
	}
}

// NoneBackend is used when the killswitch is disabled entirely: Install is a
// no-op and Remove has nothing to do, but it still satisfies Backend so the
// orchestrator can persist config.BackendNone and re-select it at teardown.
type NoneBackend struct{}

func (NoneBackend) Kind() config.FirewallBackendKind { return config.BackendNone }
func (NoneBackend) Install(Params) error             { return nil }
func (NoneBackend) Remove() error                    { return nil }
