// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package firewall

import "grimm.is/tunwall/internal/logging"

func testLogger() *logging.Logger {
	return logging.New(logging.DefaultConfig())
}
