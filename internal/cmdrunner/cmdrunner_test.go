// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmdrunner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunEchoesStdout(t *testing.T) {
	r := New(nil, false, false)
	res, err := r.Run("echo", "hello")
	require.NoError(t, err)
	require.Contains(t, res.Stdout, "hello")
	require.False(t, res.DryRun)
}

func TestDryRunDoesNotExecute(t *testing.T) {
	r := New(nil, true, false)
	res, err := r.Run("false")
	require.NoError(t, err)
	require.True(t, res.DryRun)
}

func TestRunStdinPipesInput(t *testing.T) {
	r := New(nil, false, false)
	res, err := r.RunStdin("cat", "piped-data")
	require.NoError(t, err)
	require.Equal(t, "piped-data", res.Stdout)
}

func TestRunMissingBinary(t *testing.T) {
	r := New(nil, false, false)
	_, err := r.Run("tunwall-definitely-not-a-real-binary")
	require.Error(t, err)
}

func TestLookPath(t *testing.T) {
	require.True(t, LookPath("echo"))
	require.False(t, LookPath("tunwall-definitely-not-a-real-binary"))
}
