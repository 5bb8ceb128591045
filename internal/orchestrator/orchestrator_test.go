// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package orchestrator

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/tunwall/internal/statestore"
)

func TestGatewayAddrFromCIDRDefaultPickSecondAddress(t *testing.T) {
	gw, err := gatewayAddrFromCIDR("10.255.255.1/30")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.255.255.2"), gw)
}

func TestGatewayAddrFromCIDRBacksOffWhenNextIsBroadcast(t *testing.T) {
	// 10.255.255.2/30 network is 10.255.255.0/30: .0 network, .3 broadcast.
	// ifAddr=.2, so .2.Next() == .3 == broadcast; must fall back to .2.Prev() == .1.
	gw, err := gatewayAddrFromCIDR("10.255.255.2/30")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.255.255.1"), gw)
}

func TestGatewayAddrFromCIDRRejectsInvalidCIDR(t *testing.T) {
	_, err := gatewayAddrFromCIDR("not-a-cidr")
	require.Error(t, err)
}

func TestBroadcastAddrSlash30(t *testing.T) {
	prefix := netip.MustParsePrefix("10.255.255.0/30")
	require.Equal(t, netip.MustParseAddr("10.255.255.3"), broadcastAddr(prefix))
}

func TestBroadcastAddrSlash24(t *testing.T) {
	prefix := netip.MustParsePrefix("192.168.1.0/24")
	require.Equal(t, netip.MustParseAddr("192.168.1.255"), broadcastAddr(prefix))
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Idle:       "idle",
		Validating: "validating",
		Staging:    "staging",
		Active:     "active",
		Tearing:    "tearing",
	}
	for state, want := range cases {
		require.Equal(t, want, state.String())
	}
}

func TestTeardownFromRecordSkipsStepsNotCompleted(t *testing.T) {
	// With an empty completed set, TeardownFromRecord must not touch
	// anything (in particular, must not dereference a nil *netctl.Controller
	// by calling any of its methods): it undoes only the steps that
	// completed.
	rec := statestore.NewRecord()
	TeardownFromRecord(rec, map[string]bool{}, nil, nil, nil, nil, nil, nil, false)
}
