// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package netctl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/tunwall/internal/testutil"
)

func TestCIDROverlapsDetectsOverlap(t *testing.T) {
	existing := []AddrInfo{{IfName: "eth0", CIDR: "10.255.255.0/24"}}
	overlaps, err := CIDROverlaps("10.255.255.1/30", existing)
	require.NoError(t, err)
	require.True(t, overlaps)
}

func TestCIDROverlapsDisjoint(t *testing.T) {
	existing := []AddrInfo{{IfName: "eth0", CIDR: "192.168.1.0/24"}}
	overlaps, err := CIDROverlaps("10.255.255.1/30", existing)
	require.NoError(t, err)
	require.False(t, overlaps)
}

func TestCIDROverlapsRejectsInvalidCIDR(t *testing.T) {
	_, err := CIDROverlaps("not-a-cidr", nil)
	require.Error(t, err)
}

func TestListIPv4AddrsRequiresVM(t *testing.T) {
	testutil.RequireVM(t)
	c := New(false)
	addrs, err := c.ListIPv4Addrs()
	require.NoError(t, err)
	require.NotEmpty(t, addrs)
}
