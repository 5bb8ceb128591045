// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

// Package orchestrator composes the netlink controller, mark installer,
// firewall killswitch, state store, TUN device, userspace stack, and
// connection manager into a single lifecycle: Idle -> Validating -> Staging
// -> Active -> Tearing -> Idle. Staging is strictly ordered; any failure
// unwinds only the steps that completed.
package orchestrator

import (
	"context"
	"encoding/binary"
	"net/netip"
	"os"
	"runtime"
	"sync"

	"grimm.is/tunwall/internal/cmdrunner"
	"grimm.is/tunwall/internal/config"
	"grimm.is/tunwall/internal/connectclient"
	"grimm.is/tunwall/internal/connmgr"
	"grimm.is/tunwall/internal/dnscfg"
	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/firewall"
	"grimm.is/tunwall/internal/logging"
	"grimm.is/tunwall/internal/markrule"
	"grimm.is/tunwall/internal/netctl"
	"grimm.is/tunwall/internal/netstack"
	"grimm.is/tunwall/internal/statestore"
	"grimm.is/tunwall/internal/tundev"
)

// State names one position in the orchestrator's lifecycle.
type State int

const (
	Idle State = iota
	Validating
	Staging
	Active
	Tearing
)

func (s State) String() string {
	switch s {
	case Validating:
		return "validating"
	case Staging:
		return "staging"
	case Active:
		return "active"
	case Tearing:
		return "tearing"
	default:
		return "idle"
	}
}

// Step names are appended to the state record's Completed list as staging
// proceeds: the lock, resolve and DNS steps once they are done, the TUN step
// as soon as the device is open, and the routing, mark and firewall steps
// just before their mutations run, so teardown also undoes a step that
// failed partway. Teardown leaves the list as it is; the state file itself
// is deleted when teardown finishes, unless KeepLogs is set.
const (
	stepLock      = "lock"
	stepResolve   = "resolve_proxy"
	stepDNSAllow  = "dns_allow_list"
	stepTUN       = "tun"
	stepRoutes    = "routes_and_rules"
	stepMark      = "mark_rules"
	stepFirewall  = "firewall"
	stepStateFile = "state_file"
)

// Orchestrator owns every privileged resource for one `up` lifecycle: the
// state store, the netlink controller, the mark/firewall installers, the
// TUN device handle, the userspace stack, and the connection manager.
type Orchestrator struct {
	cfg    config.Config
	logger *logging.Logger
	runner *cmdrunner.Runner
	net    *netctl.Controller

	mu    sync.Mutex
	state State

	store   *statestore.Store
	rec     statestore.Record
	tun     *tundev.Device
	mark    markrule.Backend
	fw      firewall.Backend
	stack   *netstack.Stack
	connMgr *connmgr.Manager
}

// New returns an Orchestrator for cfg, which must already have WithDefaults
// applied.
func New(cfg config.Config, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	logger = logger.WithComponent("orchestrator")
	return &Orchestrator{
		cfg:    cfg,
		logger: logger,
		runner: cmdrunner.New(logger, cfg.DryRun, cfg.Verbose),
		net:    netctl.New(cfg.DryRun),
		state:  Idle,
	}
}

// State reports the orchestrator's current position in the lifecycle.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.logger.Debug("state transition", "state", s.String())
}

// Run executes the full `up` lifecycle: validate, stage, run the data plane
// until ctx is canceled, then tear down. It always attempts teardown before
// returning, so neither a setup failure nor a fatal runtime fault leaves
// kernel objects (TUN device, routes, rules, nft/iptables state) behind.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.setState(Validating)
	if err := o.validate(); err != nil {
		o.setState(Idle)
		return err
	}

	o.setState(Staging)
	if err := o.stage(ctx); err != nil {
		o.setState(Tearing)
		o.teardownStaged()
		o.setState(Idle)
		return err
	}

	o.setState(Active)
	runErr := o.runDataPlane(ctx)

	o.setState(Tearing)
	o.teardownStaged()
	o.setState(Idle)

	return runErr
}

// validate enforces the fatal classes that must be caught before anything
// touches kernel state: wrong OS, missing privilege, and config errors that
// config.Validate already covers.
func (o *Orchestrator) validate() error {
	if runtime.GOOS != "linux" {
		return errors.New(errors.KindEnvUnsupported, "tunwall's data plane requires Linux (TUN + netlink + nft/iptables)")
	}
	// os.Geteuid() is a coarse proxy for CAP_NET_ADMIN: a non-root, non-dry-run
	// invocation can never create the TUN device or touch netlink/nft, so
	// fail it here with the capability exit class rather than let it surface
	// later as an opaque netlink/tun error.
	if os.Geteuid() != 0 && !o.cfg.DryRun {
		return errors.New(errors.KindEnvMissingCapability, "tunwall must run as root (needs CAP_NET_ADMIN for TUN, netlink, and nft/iptables)")
	}
	if err := o.cfg.Validate(); err != nil {
		return err
	}
	return nil
}

// stage runs the ordered setup sequence. Each step appends
// its name to o.rec.Completed and persists the record before the next step
// starts, so a crash mid-sequence still leaves an accurate account of what
// must be undone.
func (o *Orchestrator) stage(ctx context.Context) error {
	cfg := o.cfg
	o.rec = statestore.NewRecord()
	o.rec.TUNName = cfg.TUN.Name
	o.rec.TUNCIDR = cfg.TUN.CIDR
	o.rec.ProxyPort = cfg.Proxy.Port
	o.rec.ProxyMark = cfg.Routing.ProxyMark
	o.rec.FwmarkRulePriority = cfg.Routing.FwmarkRulePriority
	o.rec.BypassRulePriority = cfg.Routing.BypassRulePriority
	o.rec.KillswitchOn = cfg.KillswitchEnabled

	// Step 1: acquire the advisory lock on the state dir.
	store, err := statestore.Acquire(cfg.StateDir)
	if err != nil {
		return err
	}
	o.store = store
	o.markCompleted(stepLock)

	// Step 2: resolve the proxy host to IPs (or take --proxy-ip verbatim).
	proxyIPs := cfg.ExplicitProxyIPs
	if len(proxyIPs) == 0 {
		resolved, err := dnscfg.ResolveProxyHost(ctx, cfg.Proxy.Host, cfg.DNSServer)
		if err != nil {
			return err
		}
		proxyIPs = resolved
	}
	o.rec.ProxyIPs = proxyIPs
	if err := o.persist(); err != nil {
		return err
	}
	o.markCompleted(stepResolve)

	// Step 3: compute the DNS allow-list. An empty list is a warning, not a
	// fatal error — DNS then fails outright for the host while the
	// killswitch is up.
	allow := dnscfg.ComputeAllowList(cfg.AllowDNS, o.logger)
	o.rec.DNSAllowList = allow
	if err := o.persist(); err != nil {
		return err
	}
	o.markCompleted(stepDNSAllow)

	// Step 4: create the TUN and bring it up, after an overlap check.
	existing, err := o.net.ListIPv4Addrs()
	if err != nil {
		return err
	}
	overlaps, err := netctl.CIDROverlaps(cfg.TUN.CIDR, existing)
	if err != nil {
		return err
	}
	if overlaps {
		return errors.Errorf(errors.KindValidation, "tun-cidr %q overlaps an address already present on the host", cfg.TUN.CIDR)
	}

	tun, err := tundev.Open(cfg.TUN.Name, cfg.TUN.MTU)
	if err != nil {
		return err
	}
	o.tun = tun
	o.rec.TUNName = tun.Name()
	// Mark the TUN step completed as soon as the fd is open: even if LinkUp
	// below fails, the kernel interface already exists and must be closed
	// by teardown, not left behind.
	o.markCompleted(stepTUN)
	if err := o.net.LinkUp(tun.Name(), cfg.TUN.CIDR); err != nil {
		return err
	}

	// Step 5: routing table + policy rules. P2 bypass rules before P1
	// fwmark rule, else proxy-bound traffic would loop back on itself.
	ifIndex, err := o.net.IfIndex(tun.Name())
	if err != nil {
		return err
	}
	tableID := cfg.Routing.TableBase
	o.rec.TableID = tableID
	// Marked completed before the sub-steps run, not after: teardown's
	// removal of this step (DeleteRulePref / DeleteRoutesInTable) is
	// idempotent and safe to run even against a partially-applied set, and
	// a failure partway through here must still trigger cleanup of whatever
	// did get added.
	o.markCompleted(stepRoutes)
	if err := o.net.AddDefaultRouteToTable(tableID, ifIndex); err != nil {
		return err
	}
	for i, ip := range proxyIPs {
		if err := o.net.AddRuleToIP(cfg.Routing.BypassRulePriority+i, ip, rtTableMain); err != nil {
			return err
		}
	}
	if err := o.net.AddRuleFwmarkTable(cfg.Routing.FwmarkRulePriority, cfg.Routing.ProxyMark, 0xffffffff, tableID); err != nil {
		return err
	}

	// Step 6: install the mark rule set.
	markBackend, err := markrule.Select(o.runner, o.logger, cfg.DryRun)
	if err != nil {
		return err
	}
	o.mark = markBackend
	o.rec.FirewallBackend = markBackend.Kind()
	o.markCompleted(stepMark)
	if err := markBackend.Install(proxyIPs, cfg.Routing.ProxyMark); err != nil {
		return errors.Wrap(err, errors.KindMarkInstallFailed, "install mark rule set")
	}
	if err := o.persist(); err != nil {
		return err
	}

	// Step 7: firewall killswitch, if enabled.
	if cfg.KillswitchEnabled {
		fwBackend, err := firewall.Select(o.runner, o.logger, cfg.DryRun)
		if err != nil {
			return err
		}
		o.fw = fwBackend
		o.markCompleted(stepFirewall)
		if err := fwBackend.Install(firewall.Params{
			TUNName:   tun.Name(),
			ProxyIPs:  proxyIPs,
			ProxyPort: cfg.Proxy.Port,
			ProxyMark: cfg.Routing.ProxyMark,
			DNSAllow:  allow,
		}); err != nil {
			return errors.Wrap(err, errors.KindFirewallInstallFailed, "install killswitch")
		}
	} else {
		o.fw = firewall.NoneBackend{}
	}

	// Step 8: write the full state record.
	if err := o.persist(); err != nil {
		return err
	}
	o.markCompleted(stepStateFile)

	return nil
}

// runDataPlane brings up the userspace TCP/IP stack and dispatches each
// accepted flow to the connection manager. It blocks until ctx is canceled
// or a fatal data-plane error occurs.
func (o *Orchestrator) runDataPlane(ctx context.Context) error {
	gatewayAddr, err := gatewayAddrFromCIDR(o.cfg.TUN.CIDR)
	if err != nil {
		return err
	}

	stack, err := netstack.New(o.tun, gatewayAddr, o.cfg.TUN.MTU, o.logger)
	if err != nil {
		return err
	}
	o.stack = stack

	o.connMgr = connmgr.New(connmgr.Params{
		ProxyIPs:  o.rec.ProxyIPs,
		ProxyPort: o.cfg.Proxy.Port,
		ProxyMark: o.cfg.Routing.ProxyMark,
		Credentials: connectclient.Credentials{
			Username: o.cfg.Proxy.Username,
			Password: o.cfg.Proxy.Password,
		},
		ConnectTimeout:   o.cfg.ConnectTimeout,
		HandshakeTimeout: o.cfg.HandshakeTimeout,
	}, o.logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stackErrCh := make(chan error, 1)
	go func() { stackErrCh <- stack.Run(ctx) }()

	acceptErrCh := make(chan error, 1)
	go func() { acceptErrCh <- o.acceptLoop(ctx) }()

	select {
	case <-ctx.Done():
		o.connMgr.Shutdown()
		<-stackErrCh
		return nil
	case err := <-stackErrCh:
		cancel()
		o.connMgr.Shutdown()
		<-acceptErrCh
		return err
	case err := <-acceptErrCh:
		cancel()
		o.connMgr.Shutdown()
		<-stackErrCh
		return err
	}
}

// acceptLoop hands each accepted virtual flow to the connection manager in
// its own task, so one slow or stuck flow never blocks any other.
func (o *Orchestrator) acceptLoop(ctx context.Context) error {
	for {
		flow, err := o.stack.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go o.connMgr.Handle(ctx, flow.Conn, flow.OrigDst)
	}
}

// markCompleted appends step to the record and persists it at once, so the
// state file on disk lists every step whose mutation may have begun. A failed
// write is logged; the in-memory record still drives in-process teardown.
func (o *Orchestrator) markCompleted(step string) {
	o.rec.Completed = append(o.rec.Completed, step)
	if err := o.persist(); err != nil {
		o.logger.Warn("failed persisting state record", "step", step, "error", err)
	}
}

func (o *Orchestrator) persist() error {
	if o.store == nil {
		return nil
	}
	return o.store.Write(o.rec)
}

// teardownStaged unwinds whatever stage() completed, in reverse order. It is
// best-effort: each failure is logged and teardown continues regardless.
func (o *Orchestrator) teardownStaged() {
	completed := make(map[string]bool, len(o.rec.Completed))
	for _, s := range o.rec.Completed {
		completed[s] = true
	}
	TeardownFromRecord(o.rec, completed, o.net, o.runner, o.logger, o.tun, o.mark, o.fw, o.cfg.DryRun)

	if o.store != nil {
		if err := o.store.Delete(o.cfg.KeepLogs); err != nil {
			o.logger.Warn("failed removing state file", "error", err)
		}
		o.store.Release()
	}
}

// TeardownFromRecord removes every kernel object the record says was
// installed. It accepts already-constructed mark/firewall backends when the
// caller has them in hand (the in-process teardown path); Down (used by the
// out-of-process `down` subcommand) reconstructs them via ForKind instead.
func TeardownFromRecord(
	rec statestore.Record,
	completed map[string]bool,
	net *netctl.Controller,
	runner *cmdrunner.Runner,
	logger *logging.Logger,
	tun *tundev.Device,
	mark markrule.Backend,
	fw firewall.Backend,
	dryRun bool,
) {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}

	if completed[stepFirewall] && rec.KillswitchOn {
		if fw == nil {
			var err error
			fw, err = firewall.ForKind(rec.FirewallBackend, runner, logger, dryRun)
			if err != nil {
				logger.Warn("could not reconstruct firewall backend for teardown", "error", err)
			}
		}
		if fw != nil {
			if err := fw.Remove(); err != nil {
				logger.Warn("failed removing killswitch", "error", err)
			}
		}
	}

	if completed[stepMark] {
		if mark == nil {
			var err error
			mark, err = markrule.ForKind(rec.FirewallBackend, runner, logger, dryRun)
			if err != nil {
				logger.Warn("could not reconstruct mark backend for teardown", "error", err)
			}
		}
		if mark != nil {
			if err := mark.Remove(); err != nil {
				logger.Warn("failed removing mark rule set", "error", err)
			}
		}
	}

	if completed[stepRoutes] {
		if err := net.DeleteRulePref(rec.FwmarkRulePriority); err != nil {
			logger.Warn("failed removing fwmark rule", "error", err)
		}
		for i := range rec.ProxyIPs {
			if err := net.DeleteRulePref(rec.BypassRulePriority + i); err != nil {
				logger.Warn("failed removing bypass rule", "error", err)
			}
		}
		if err := net.DeleteRoutesInTable(rec.TableID); err != nil {
			logger.Warn("failed flushing proxy table", "error", err)
		}
	}

	if completed[stepTUN] {
		if tun != nil {
			if err := tun.Close(); err != nil {
				logger.Warn("failed closing TUN device", "error", err)
			}
		} else {
			if err := net.LinkDown(rec.TUNName); err != nil {
				logger.Warn("failed bringing down TUN interface", "error", err)
			}
		}
	}
}

// Down implements the out-of-process `down` subcommand and the stale-record
// recovery path for a crashed `up`: read state.json without holding the
// lock, reconstruct the backends from the persisted kind, and run the same
// teardown a crashed `up` would have run itself.
func Down(stateDir string, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	logger = logger.WithComponent("orchestrator")

	rec, err := statestore.ReadFrom(stateDir)
	if err != nil {
		return err
	}
	if rec == nil {
		logger.Info("no state record found, nothing to tear down")
		return nil
	}

	completed := make(map[string]bool, len(rec.Completed))
	for _, s := range rec.Completed {
		completed[s] = true
	}
	if len(completed) == 0 {
		// No record of which steps ran (e.g. a schema we don't recognize, or
		// a record written before Completed existed): infer the maximal set
		// and let each step's own idempotent best-effort removal no-op on
		// anything that was never installed.
		completed = map[string]bool{
			stepTUN: true, stepRoutes: true, stepMark: true, stepFirewall: true,
		}
	}

	runner := cmdrunner.New(logger, false, false)
	net := netctl.New(false)
	TeardownFromRecord(*rec, completed, net, runner, logger, nil, nil, nil, false)

	store, err := statestore.Acquire(stateDir)
	if err == nil {
		store.Delete(false)
		store.Release()
	}
	return nil
}

// gatewayAddrFromCIDR derives the gVisor gateway address from the TUN CIDR:
// the interface keeps the literal address named in the CIDR (assigned by
// netctl.LinkUp), and the gateway takes the next usable address in the same
// network so the kernel-facing interface address and the virtual stack's
// gateway address never collide.
func gatewayAddrFromCIDR(cidr string) (netip.Addr, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return netip.Addr{}, errors.Wrapf(err, errors.KindValidation, "invalid tun-cidr %q", cidr)
	}
	ifAddr := prefix.Addr()
	network := prefix.Masked()
	broadcast := broadcastAddr(network)

	gateway := ifAddr.Next()
	if gateway == broadcast || gateway == network.Addr() || !network.Contains(gateway) {
		gateway = ifAddr.Prev()
	}
	if !network.Contains(gateway) || gateway == network.Addr() {
		return netip.Addr{}, errors.Errorf(errors.KindValidation, "tun-cidr %q has no second usable address for the gateway", cidr)
	}
	return gateway, nil
}

// broadcastAddr returns the last address in network (e.g. 10.255.255.3 for
// 10.255.255.0/30).
func broadcastAddr(network netip.Prefix) netip.Addr {
	base := network.Masked().Addr().As4()
	n := binary.BigEndian.Uint32(base[:])
	hostBits := 32 - network.Bits()
	if hostBits >= 32 {
		hostBits = 0
	}
	mask := uint32(1)<<uint(hostBits) - 1
	n |= mask
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return netip.AddrFrom4(b)
}

// rtTableMain is the kernel's well-known "main" routing table id, used for
// the bypass rules that direct proxy-IP traffic back to ordinary routing.
// Kept as a local constant rather than importing golang.org/x/sys/unix just
// for one value netctl doesn't otherwise need.
const rtTableMain = 254
