// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerWritesMessage(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelDebug, Output: &buf, JSON: true})

	l.Info("starting up", "component", "orchestrator")

	require.Contains(t, buf.String(), "starting up")
	require.Contains(t, buf.String(), "orchestrator")
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelWarn, Output: &buf})

	l.Debug("should not appear")
	l.Info("should not appear either")
	require.Empty(t, buf.String())

	l.Warn("this should appear")
	require.Contains(t, buf.String(), "this should appear")
}

func TestWithComponentPrefixes(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Output: &buf})
	scoped := l.WithComponent("netctl")

	scoped.Info("installed rule")
	require.Contains(t, buf.String(), "netctl")
}

func TestWithErrorAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Output: &buf, JSON: true})

	l.WithError(assertErr{}).WithFields(map[string]any{"step": "stage-5"}).Error("setup failed")

	require.Contains(t, buf.String(), "setup failed")
	require.Contains(t, buf.String(), "stage-5")
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestDefaultLoggerSwap(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(New(Config{Level: LevelInfo, Output: &buf}))
	defer SetDefault(New(DefaultConfig()))

	Info("hello from default")
	require.Contains(t, buf.String(), "hello from default")
}
