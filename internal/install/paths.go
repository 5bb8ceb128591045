// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package install resolves the filesystem locations the orchestrator reads
// and writes: the state directory holding state.json and the lock file.
package install

import (
	"os"
	"path/filepath"
)

const name = "tunwall"

// DefaultStateDir returns "/run/<name>" if running as root, else
// "$XDG_RUNTIME_DIR/<name>", or "<os.TempDir()>/<name>" when XDG_RUNTIME_DIR
// is unset. It ignores the STATE_DIR override; callers that need it should
// use StateDir instead. This is exposed separately for --help text and tests.
func DefaultStateDir() string {
	if os.Geteuid() == 0 {
		return filepath.Join("/run", name)
	}
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, name)
	}
	return filepath.Join(os.TempDir(), name)
}

// StateDir resolves the state directory honoring the STATE_DIR environment
// override, falling back to DefaultStateDir.
func StateDir() string {
	if dir := os.Getenv("STATE_DIR"); dir != "" {
		return dir
	}
	return DefaultStateDir()
}

// EnsureDir creates dir (and parents) with mode 0700 if it does not exist.
// The state dir holds state.json (mode 0600) and the lock file; restricting
// the directory itself keeps other local users from even listing its entries.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o700)
}
