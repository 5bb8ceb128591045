// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package markrule

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderNftScriptExcludesBeforeMarkAll(t *testing.T) {
	script := renderNftScript([]string{"10.0.0.1", "10.0.0.2"}, 0x2a)

	require.Equal(t, `table ip tunwall_mark {
  chain output {
    type filter hook output priority mangle; policy accept;
    ip daddr 10.0.0.1 return
    ip daddr 10.0.0.2 return
    meta l4proto tcp mark set 0x2a
  }
}
`, script)
}

func TestRenderNftScriptNoExcludes(t *testing.T) {
	script := renderNftScript(nil, 0x1)
	require.NotContains(t, script, "return")
	require.Contains(t, script, "meta l4proto tcp mark set 0x1")
}

func TestIptablesRuleStepsExcludesBeforeMarkAll(t *testing.T) {
	steps := iptablesRuleSteps([]string{"10.0.0.1"}, 0x2a)

	require.Equal(t, [][]string{
		{"-t", "mangle", "-A", iptablesChain, "-d", "10.0.0.1", "-j", "RETURN"},
		{"-t", "mangle", "-A", iptablesChain, "-p", "tcp", "-j", "MARK", "--set-mark", "0x2a"},
	}, steps)
}

func TestIptablesRuleStepsNoExcludes(t *testing.T) {
	steps := iptablesRuleSteps(nil, 0x1)
	require.Len(t, steps, 1)
	require.Equal(t, []string{"-t", "mangle", "-A", iptablesChain, "-p", "tcp", "-j", "MARK", "--set-mark", "0x1"}, steps[0])
}
