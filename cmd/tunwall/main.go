// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command tunwall is the minimal up/down entry point for the redirector
// core. Full CLI ergonomics (proxy-url parsing, credential files, GUI) are
// out of scope; this binary's only job is to assemble a config.Config from
// flags and hand it to the orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"grimm.is/tunwall/internal/config"
	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/install"
	"grimm.is/tunwall/internal/logging"
	"grimm.is/tunwall/internal/orchestrator"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	subcmd := "up"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "up":
		return runUp(args)
	case "down":
		return runDown(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q (expected \"up\" or \"down\")\n", subcmd)
		return errors.KindValidation.ExitCode()
	}
}

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func runUp(args []string) int {
	fs := flag.NewFlagSet("up", flag.ContinueOnError)

	proxyHost := fs.String("proxy-host", "", "upstream proxy host (IPv4 literal or DNS name)")
	proxyPort := fs.Int("proxy-port", 0, "upstream proxy TCP port")
	username := fs.String("username", "", "proxy username")
	password := fs.String("password", "", "proxy password")
	var proxyIPs multiFlag
	fs.Var(&proxyIPs, "proxy-ip", "proxy IPv4 literal, repeatable; skips DNS resolution")
	tunName := fs.String("tun-name", config.DefaultTUNName, "TUN interface name")
	tunCIDR := fs.String("tun-cidr", config.DefaultTUNCIDR, "TUN interface CIDR, prefix <= 30")
	dnsServer := fs.String("dns", "", "resolver to use for proxy hostname resolution")
	var allowDNS multiFlag
	fs.Var(&allowDNS, "allow-dns", "resolver IP admitted through the killswitch, repeatable")
	noKillswitch := fs.Bool("no-killswitch", false, "disable the firewall killswitch")
	stateDir := fs.String("state-dir", "", "state directory (default: "+install.DefaultStateDir()+")")
	verbose := fs.Bool("verbose", false, "verbose logging")
	dryRun := fs.Bool("dry-run", false, "log every external command and kernel mutation instead of running it")
	keepLogs := fs.Bool("keep-logs", false, "retain state.json after clean teardown")

	if err := fs.Parse(args); err != nil {
		return errors.KindValidation.ExitCode()
	}

	dir := *stateDir
	if dir == "" {
		dir = install.StateDir()
	}

	cfg := config.Config{
		Proxy: config.ProxyTarget{
			Host:     *proxyHost,
			Port:     uint16(*proxyPort),
			Username: *username,
			Password: *password,
		},
		TUN: config.TUNConfig{
			Name: *tunName,
			CIDR: *tunCIDR,
		},
		Routing:           config.DefaultRoutingConfig(),
		ExplicitProxyIPs:  []string(proxyIPs),
		DNSServer:         *dnsServer,
		AllowDNS:          []string(allowDNS),
		KillswitchEnabled: !*noKillswitch,
		StateDir:          dir,
		Verbose:           *verbose,
		DryRun:            *dryRun,
		KeepLogs:          *keepLogs,
	}.WithDefaults()

	logLevel := logging.LevelInfo
	if *verbose {
		logLevel = logging.LevelDebug
	}
	logger := logging.New(logging.Config{Level: logLevel})
	logging.SetDefault(logger)

	if err := install.EnsureDir(cfg.StateDir); err != nil {
		logger.Error("failed to prepare state directory", "error", err)
		return errors.KindInternal.ExitCode()
	}

	orch := orchestrator.New(cfg, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := orch.Run(ctx); err != nil {
		logger.Error("tunwall exited with error", "error", err)
		return exitCodeFor(err)
	}
	return 0
}

func runDown(args []string) int {
	fs := flag.NewFlagSet("down", flag.ContinueOnError)
	stateDir := fs.String("state-dir", "", "state directory (default: "+install.DefaultStateDir()+")")
	verbose := fs.Bool("verbose", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return errors.KindValidation.ExitCode()
	}

	dir := *stateDir
	if dir == "" {
		dir = install.StateDir()
	}

	logLevel := logging.LevelInfo
	if *verbose {
		logLevel = logging.LevelDebug
	}
	logger := logging.New(logging.Config{Level: logLevel})

	if err := orchestrator.Down(dir, logger); err != nil {
		logger.Error("down failed", "error", err)
		return exitCodeFor(err)
	}
	return 0
}

// exitCodeFor maps an orchestrator error to its documented process exit
// code; unrecognized errors (including plain Go errors that never passed
// through the errors.Error taxonomy) fall back to 1.
func exitCodeFor(err error) int {
	kind := errors.GetKind(err)
	if kind == errors.KindUnknown {
		return 1
	}
	return kind.ExitCode()
}
