// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package firewall

import (
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/tunwall/internal/config"
	"grimm.is/tunwall/internal/testutil"
)

func TestNoneBackendIsNoop(t *testing.T) {
	var b NoneBackend
	require.Equal(t, config.BackendNone, b.Kind())
	require.NoError(t, b.Install(Params{}))
	require.NoError(t, b.Remove())
}

func TestSelectReturnsAWorkingBackend(t *testing.T) {
	testutil.RequireVM(t)
	backend, err := Select(nil, nil, false)
	require.NoError(t, err)
	require.NotEqual(t, config.FirewallBackendKind(""), backend.Kind())
}

func TestNativeInstallAndRemove(t *testing.T) {
	testutil.RequireVM(t)
	b := &nativeBackend{logger: testLogger()}
	p := Params{
		TUNName:   "tun0",
		ProxyIPs:  []string{"10.0.0.1"},
		ProxyPort: 3128,
		ProxyMark: 0x1,
		DNSAllow:  []string{"1.1.1.1"},
	}
	require.NoError(t, b.Install(p))
	require.NoError(t, b.Remove())
}
