// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config holds the data model the orchestrator is built from: the
// upstream proxy target, the TUN interface parameters, and the knobs that
// control the killswitch and DNS allow-list. Values here are assembled by
// the CLI layer (out of scope for this core) and handed to the orchestrator.
package config

import "time"

// ProxyTarget identifies the upstream HTTP CONNECT proxy.
type ProxyTarget struct {
	// Host is either an IPv4 literal or a DNS name. A DNS name is resolved
	// once at setup to a non-empty set of IPv4 addresses, which the
	// orchestrator keeps in the state record.
	Host string
	Port uint16

	Username string
	Password string

	// ResolvedIPs is not set or read by the orchestrator: the proxy IPs it
	// resolves (or takes from --proxy-ip via Config.ExplicitProxyIPs) are
	// kept in the state record instead.
	ResolvedIPs []string
}

// TUNConfig describes the virtual L3 interface the data plane terminates on.
type TUNConfig struct {
	// Name defaults to "tun0".
	Name string
	// CIDR is an IPv4 network with prefix length <= 30. Two addresses are
	// used from it: the interface address and the gateway address the
	// userspace stack answers as.
	CIDR string
	MTU  int
}

// RoutingConfig carries the static parameters for the policy-routing
// objects: the proxy table id and the priorities of the fwmark and bypass
// rules.
type RoutingConfig struct {
	// TableBase is the base used to derive the dedicated routing table id
	// (default 100).
	TableBase int
	// FwmarkRulePriority is priority for the P1 "fwmark rule" (default 100).
	FwmarkRulePriority int
	// BypassRulePriority is the base priority for the P2 "bypass rules"
	// (default 200); one rule per proxy IP is installed starting here.
	BypassRulePriority int
	// ProxyMark is the fixed fwmark value used to mark proxy-bound TCP
	// and to recognize the redirector's own CONNECT sockets.
	ProxyMark uint32
}

// DefaultRoutingConfig returns the fixed constants used when the caller
// doesn't override them.
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		TableBase:          100,
		FwmarkRulePriority: 100,
		BypassRulePriority: 200,
		ProxyMark:          0x1,
	}
}

// FirewallBackendKind names the backend that installed the mark rule set or
// the killswitch table, persisted so teardown picks the same one back up.
type FirewallBackendKind string

const (
	BackendNativeNft   FirewallBackendKind = "native-nft"
	BackendNftCLI      FirewallBackendKind = "nft-cli"
	BackendIptablesCLI FirewallBackendKind = "iptables-cli"
	BackendNone        FirewallBackendKind = "none"
)

// Config is the full, validated set of inputs the orchestrator needs for one
// run of `up`.
type Config struct {
	Proxy   ProxyTarget
	TUN     TUNConfig
	Routing RoutingConfig

	// ExplicitProxyIPs, when non-empty, skips DNS resolution of Proxy.Host
	// entirely (CLI's --proxy-ip).
	ExplicitProxyIPs []string

	// DNSServer is the resolver used to look up Proxy.Host (an "ip:port"
	// address; empty means the system resolver). It is not passed to the
	// userspace stack and does not reconfigure the host.
	DNSServer string
	// AllowDNS is the explicit set of resolver IPs the killswitch admits
	// UDP/53 and TCP/53 traffic to, in addition to whatever is parsed from
	// /etc/resolv.conf.
	AllowDNS []string

	KillswitchEnabled bool

	StateDir string
	Verbose  bool
	DryRun   bool
	KeepLogs bool

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	SetupTimeout     time.Duration
}

// DefaultConnectTimeout is the per-flow CONNECT dial timeout.
const DefaultConnectTimeout = 5 * time.Second

// DefaultHandshakeTimeout is the time allowed to read the CONNECT response head.
const DefaultHandshakeTimeout = 5 * time.Second

// DefaultSetupTimeout bounds the whole staging sequence.
const DefaultSetupTimeout = 30 * time.Second

// DefaultTUNName is used when the caller leaves TUNConfig.Name empty.
const DefaultTUNName = "tun0"

// DefaultTUNCIDR is used when the caller leaves TUNConfig.CIDR empty.
const DefaultTUNCIDR = "10.255.255.1/30"

// WithDefaults returns a copy of cfg with zero-valued fields filled in from
// the spec's documented defaults.
func (cfg Config) WithDefaults() Config {
	if cfg.TUN.Name == "" {
		cfg.TUN.Name = DefaultTUNName
	}
	if cfg.TUN.CIDR == "" {
		cfg.TUN.CIDR = DefaultTUNCIDR
	}
	if cfg.TUN.MTU == 0 {
		cfg.TUN.MTU = 1500
	}
	if cfg.Routing == (RoutingConfig{}) {
		cfg.Routing = DefaultRoutingConfig()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.SetupTimeout == 0 {
		cfg.SetupTimeout = DefaultSetupTimeout
	}
	return cfg
}
