// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package firewall

import (
	"encoding/binary"
	"net"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"grimm.is/tunwall/internal/config"
	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/logging"
)

// proxyvpnTable is the literal name of the isolated nft table: "inet
// proxyvpn".
const proxyvpnTable = "proxyvpn"
const proxyvpnChain = "proxyvpn"

type nativeBackend struct {
	logger *logging.Logger
	dryRun bool
}

func (b *nativeBackend) Kind() config.FirewallBackendKind { return config.BackendNativeNft }

func ifnameMatch(register uint32, name string) []expr.Any {
	data := make([]byte, 16)
	copy(data, name)
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: register},
		&expr.Cmp{Op: expr.CmpOpEq, Register: register, Data: data},
	}
}

func protoMatch(proto uint8) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
	}
}

func daddrMatch(ip string) []expr.Any {
	addr := net.ParseIP(ip).To4()
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: addr},
	}
}

func dportMatch(port uint16) []expr.Any {
	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, port)
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: data},
	}
}

func markMatch(mark uint32) []expr.Any {
	data := make([]byte, 4)
	binary.NativeEndian.PutUint32(data, mark)
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: data},
	}
}

func accept() expr.Any { return &expr.Verdict{Kind: expr.VerdictAccept} }

// Install builds the abstract rule set top to bottom, with the chain's base
// policy set to drop so the final "drop tcp"/"drop udp" steps fall out of
// the policy instead of needing explicit rules.
func (b *nativeBackend) Install(p Params) error {
	conn, err := nftables.New()
	if err != nil {
		return errors.Wrap(err, errors.KindFirewallInstallFailed, "open nftables connection")
	}

	table := conn.AddTable(&nftables.Table{Name: proxyvpnTable, Family: nftables.TableFamilyINet})
	chain := conn.AddChain(&nftables.Chain{
		Name:     proxyvpnChain,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   chainPolicy(nftables.ChainPolicyDrop),
	})

	addRule := func(exprs ...expr.Any) {
		conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: exprs})
	}

	// (i) allow loopback.
	addRule(append(ifnameMatch(1, "lo"), accept())...)
	// (ii) allow traffic out the TUN.
	addRule(append(ifnameMatch(1, p.TUNName), accept())...)
	// (iii) allow TCP to proxy-IP:proxy-port.
	for _, ip := range p.ProxyIPs {
		exprs := append(protoMatch(unix.IPPROTO_TCP), daddrMatch(ip)...)
		exprs = append(exprs, dportMatch(p.ProxyPort)...)
		addRule(append(exprs, accept())...)
	}
	// (iv) allow TCP carrying the proxy mark.
	addRule(append(append(protoMatch(unix.IPPROTO_TCP), markMatch(p.ProxyMark)...), accept())...)
	// (v)/(vi) allow UDP/53 and TCP/53 to each resolver in the DNS allow-list.
	for _, ip := range p.DNSAllow {
		udpExprs := append(protoMatch(unix.IPPROTO_UDP), daddrMatch(ip)...)
		udpExprs = append(udpExprs, dportMatch(53)...)
		addRule(append(udpExprs, accept())...)

		tcpExprs := append(protoMatch(unix.IPPROTO_TCP), daddrMatch(ip)...)
		tcpExprs = append(tcpExprs, dportMatch(53)...)
		addRule(append(tcpExprs, accept())...)
	}
	if b.dryRun {
		b.logger.Info("dry-run: skipping killswitch flush", "table", proxyvpnTable)
		return nil
	}
	if err := conn.Flush(); err != nil {
		return errors.Wrap(err, errors.KindFirewallInstallFailed, "apply killswitch rule set")
	}
	b.logger.Info("installed killswitch", "table", proxyvpnTable)
	return nil
}

func (b *nativeBackend) Remove() error {
	conn, err := nftables.New()
	if err != nil {
		return errors.Wrap(err, errors.KindFirewallInstallFailed, "open nftables connection")
	}
	conn.DelTable(&nftables.Table{Name: proxyvpnTable, Family: nftables.TableFamilyINet})
	if b.dryRun {
		b.logger.Info("dry-run: skipping killswitch removal", "table", proxyvpnTable)
		return nil
	}
	if err := conn.Flush(); err != nil {
		return errors.Wrap(err, errors.KindFirewallInstallFailed, "remove killswitch table")
	}
	return nil
}

func chainPolicy(p nftables.ChainPolicy) *nftables.ChainPolicy { return &p }
