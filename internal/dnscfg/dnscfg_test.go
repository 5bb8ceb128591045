// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dnscfg

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeResolvConf(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParseResolvConfMissingFile(t *testing.T) {
	servers, err := ParseResolvConf(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	require.Empty(t, servers)
}

func TestParseResolvConfReturnsServers(t *testing.T) {
	path := writeResolvConf(t, "nameserver 1.1.1.1\nnameserver 8.8.8.8\n")
	servers, err := ParseResolvConf(path)
	require.NoError(t, err)
	require.Equal(t, []string{"1.1.1.1", "8.8.8.8"}, servers)
}

func TestIsLoopbackOnly(t *testing.T) {
	require.True(t, IsLoopbackOnly([]string{"127.0.0.53"}))
	require.False(t, IsLoopbackOnly([]string{"127.0.0.53", "1.1.1.1"}))
	require.False(t, IsLoopbackOnly(nil))
}

func TestComputeAllowListDedupes(t *testing.T) {
	allow := ComputeAllowList([]string{"1.1.1.1", "1.1.1.1"}, nil)
	require.Contains(t, allow, "1.1.1.1")
	// The host's own /etc/resolv.conf servers are appended too, so count
	// occurrences of the explicit IP rather than the list's total length.
	occurrences := 0
	for _, ip := range allow {
		if ip == "1.1.1.1" {
			occurrences++
		}
	}
	require.Equal(t, 1, occurrences)
}

func TestResolveProxyHostAcceptsLiteral(t *testing.T) {
	ips, err := ResolveProxyHost(context.Background(), "10.0.0.1", "")
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1"}, ips)
}
