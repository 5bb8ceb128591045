// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

// Package statestore persists, locks, and reads back the JSON record of
// what the orchestrator installed, so teardown can run without in-memory
// context.
package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"grimm.is/tunwall/internal/config"
	"grimm.is/tunwall/internal/errors"
)

// SchemaVersion is bumped whenever Record's shape changes incompatibly.
const SchemaVersion = 1

// Record is the persisted JSON document describing one `up` instance.
type Record struct {
	SchemaVersion int    `json:"schema_version"`
	InstanceID    string `json:"instance_id"`

	TUNName string `json:"tun_name"`
	TUNCIDR string `json:"tun_cidr"`

	ProxyIPs  []string `json:"proxy_ips"`
	ProxyPort uint16   `json:"proxy_port"`
	ProxyMark uint32   `json:"proxy_mark"`

	TableID            int `json:"table_id"`
	FwmarkRulePriority int `json:"fwmark_rule_priority"`
	BypassRulePriority int `json:"bypass_rule_priority"`

	FirewallBackend config.FirewallBackendKind `json:"firewall_backend"`
	DNSAllowList    []string                   `json:"dns_allow_list"`
	KillswitchOn    bool                       `json:"killswitch_enabled"`

	PID int `json:"pid"`

	// Completed steps let teardown unwind only what setup actually finished,
	// so a mid-setup failure can be undone exactly.
	Completed []string `json:"completed_steps"`
}

// NewRecord returns a Record with a fresh instance id, the current schema
// version, and the current process PID.
func NewRecord() Record {
	return Record{
		SchemaVersion: SchemaVersion,
		InstanceID:    uuid.NewString(),
		PID:           os.Getpid(),
	}
}

// Store guards state.json with a sibling advisory lock file.
type Store struct {
	dir      string
	lockFile *os.File
}

const (
	stateFileName = "state.json"
	lockFileName  = "lock"
)

// Acquire creates dir if necessary, opens (or creates) the lock file, and
// takes a non-blocking exclusive flock — failing with errors.KindConflict if
// another `up` instance already holds it.
func Acquire(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "create state dir %s", dir)
	}

	lockPath := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "open lock file %s", lockPath)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, errors.KindConflict, "state dir %s is locked by another instance", dir)
	}

	return &Store{dir: dir, lockFile: f}, nil
}

// Write atomically replaces state.json with rec, mode 0600.
func (s *Store) Write(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "marshal state record")
	}

	path := filepath.Join(s.dir, stateFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "write temp state file %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "commit state file %s", path)
	}
	return nil
}

// Read loads the current state.json, or (nil, nil) if no record exists yet.
func (s *Store) Read() (*Record, error) {
	return ReadFrom(s.dir)
}

// ReadFrom loads state.json from dir without requiring the lock, used by
// `down` to inspect a stale record left by a killed process.
func ReadFrom(dir string) (*Record, error) {
	path := filepath.Join(dir, stateFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, errors.KindInternal, "read state file %s", path)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "parse state file %s", path)
	}
	return &rec, nil
}

// Delete removes state.json unless keepLogs is set. It does not touch the
// lock file; Release removes that whatever keepLogs says.
func (s *Store) Delete(keepLogs bool) error {
	if keepLogs {
		return nil
	}
	path := filepath.Join(s.dir, stateFileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, errors.KindInternal, "remove state file %s", path)
	}
	return nil
}

// Release drops the advisory lock and removes the lock file. Always
// best-effort: called during teardown, which never propagates errors.
func (s *Store) Release() {
	if s.lockFile == nil {
		return
	}
	unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	s.lockFile.Close()
	os.Remove(filepath.Join(s.dir, lockFileName))
}
