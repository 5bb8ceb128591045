// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package markrule

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

const nativeTableName = "tunwall_mark"
const nativeChainName = "output"

// nativeBackend installs the mark rule set as its own nft table via the
// google/nftables library, with no nft/iptables subprocess involved.
type nativeBackend struct {
	logger *logging.Logger
	dryRun bool
}

func (b *nativeBackend) Kind() config.FirewallBackendKind { return config.BackendNativeNft }

// Install builds: for each excluded IP, "ip daddr <ip> return"; then
// "meta l4proto tcp mark set <mark>" — in that order, so the excludes
// always run before the mark-all rule.
func (b *nativeBackend) Install(excludeIPs []string, mark uint32) error {
	conn, err := nftables.New()
	if err != nil {
		return errors.Wrap(err, errors.KindMarkInstallFailed, "open nftables connection")
	}

	table := conn.AddTable(&nftables.Table{Name: nativeTableName, Family: nftables.TableFamilyIPv4})
	chain := conn.AddChain(&nftables.Chain{
		Name:     nativeChainName,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityMangle,
	})

	for _, ip := range excludeIPs {
		addr := net.ParseIP(ip).To4()
		if addr == nil {
			continue
		}
		conn.AddRule(&nftables.Rule{
			Table: table,
			Chain: chain,
			Exprs: []expr.Any{
				&expr.Payload{
					DestRegister: 1,
					Base:         expr.PayloadBaseNetworkHeader,
					Offset:       16, // IPv4 daddr offset
					Len:          4,
				},
				&expr.Cmp{
					Op:       expr.CmpOpEq,
					Register: 1,
					Data:     addr,
				},
				&expr.Verdict{Kind: expr.VerdictReturn},
			},
		})
	}

	markData := make([]byte, 4)
	binary.NativeEndian.PutUint32(markData, mark)

	conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_TCP}},
			&expr.Immediate{Register: 1, Data: markData},
			&expr.Meta{Key: expr.MetaKeyMARK, Register: 1, SourceRegister: true},
		},
	})

	if b.dryRun {
		b.logger.Info("dry-run: skipping mark rule set flush", "table", nativeTableName, "excludes", len(excludeIPs))
		return nil
	}
	if err := conn.Flush(); err != nil {
		return errors.Wrap(err, errors.KindMarkInstallFailed, "apply mark rule set")
	}
	b.logger.Info("installed mark rule set", "table", nativeTableName, "excludes", len(excludeIPs))
	return nil
}

// Remove deletes the whole table in one transaction, matching the killswitch
// table's "self-contained, removed atomically" design.
func (b *nativeBackend) Remove() error {
	conn, err := nftables.New()
	if err != nil {
		return errors.Wrap(err, errors.KindMarkInstallFailed, "open nftables connection")
	}
	conn.DelTable(&nftables.Table{Name: nativeTableName, Family: nftables.TableFamilyIPv4})
	if b.dryRun {
		b.logger.Info("dry-run: skipping mark rule set removal", "table", nativeTableName)
		return nil
	}
	if err := conn.Flush(); err != nil {
		return errors.Wrap(err, errors.KindMarkInstallFailed, "remove mark rule set")
	}
	return nil
}
