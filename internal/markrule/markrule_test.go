// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package markrule

import (
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/tunwall/internal/config"
	"grimm.is/tunwall/internal/logging"
	"grimm.is/tunwall/internal/testutil"
)

func TestSelectReturnsAWorkingBackend(t *testing.T) {
	testutil.RequireVM(t)
	backend, err := Select(nil, nil, false)
	require.NoError(t, err)
	require.NotEqual(t, config.FirewallBackendKind(""), backend.Kind())
}

func TestNativeInstallAndRemove(t *testing.T) {
	testutil.RequireVM(t)
	b := &nativeBackend{logger: logging.New(logging.DefaultConfig())}
	require.NoError(t, b.Install([]string{"10.0.0.1"}, 0x1))
	require.NoError(t, b.Remove())
}
