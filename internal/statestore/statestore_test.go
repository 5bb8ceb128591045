// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package statestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireWriteReadDelete(t *testing.T) {
	dir := t.TempDir()

	store, err := Acquire(dir)
	require.NoError(t, err)
	defer store.Release()

	rec := NewRecord()
	rec.TUNName = "tun0"
	rec.ProxyIPs = []string{"10.0.0.1"}
	require.NoError(t, store.Write(rec))

	got, err := store.Read()
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "tun0", got.TUNName)
	require.Equal(t, []string{"10.0.0.1"}, got.ProxyIPs)

	require.NoError(t, store.Delete(false))
	got2, err := store.Read()
	require.NoError(t, err)
	require.Nil(t, got2)
}

func TestDeleteKeepsOnKeepLogs(t *testing.T) {
	dir := t.TempDir()
	store, err := Acquire(dir)
	require.NoError(t, err)
	defer store.Release()

	require.NoError(t, store.Write(NewRecord()))
	require.NoError(t, store.Delete(true))

	got, err := store.Read()
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestAcquireFailsWhenAlreadyLocked(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir)
	require.NoError(t, err)
	defer first.Release()

	_, err = Acquire(dir)
	require.Error(t, err)
}

func TestReadFromMissingReturnsNil(t *testing.T) {
	rec, err := ReadFrom(t.TempDir())
	require.NoError(t, err)
	require.Nil(t, rec)
}
