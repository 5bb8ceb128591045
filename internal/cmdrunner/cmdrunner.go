// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cmdrunner launches nft, iptables, and ip with dry-run and
// verbosity support, and reports exit status/output the way the rest of the
// orchestrator expects from any external-binary step.
package cmdrunner

import (
	"bytes"
	"os/exec"
	"strings"

	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/logging"
)

// Result captures what a command produced, whether or not it ran for real.
type Result struct {
	Command  string
	Args     []string
	Stdout   string
	Stderr   string
	DryRun   bool
	ExitCode int
}

// Runner executes external binaries on the caller's behalf. DryRun, when
// set, logs the command it would have run and returns a Result with
// DryRun=true instead of exec'ing anything — set from --dry-run.
type Runner struct {
	DryRun  bool
	Verbose bool
	logger  *logging.Logger
}

// New returns a Runner that logs through logger (or the package default if nil).
func New(logger *logging.Logger, dryRun, verbose bool) *Runner {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &Runner{DryRun: dryRun, Verbose: verbose, logger: logger.WithComponent("cmdrunner")}
}

// Run executes name with args, returning combined stdout/stderr split and
// wrapping any failure as errors.KindUnavailable (the binary ran but failed)
// or errors.KindEnvMissingDep (the binary could not be found/started).
func (r *Runner) Run(name string, args ...string) (Result, error) {
	return r.RunStdin(name, "", args...)
}

// RunStdin is Run but pipes stdin into the process, used for `nft -f -`
// invocations that read a ruleset script from stdin.
func (r *Runner) RunStdin(name, stdin string, args ...string) (Result, error) {
	if r.Verbose || r.DryRun {
		r.logger.Info("exec", "cmd", name, "args", strings.Join(args, " "), "dry_run", r.DryRun)
	}
	if r.DryRun {
		return Result{Command: name, Args: args, DryRun: true}, nil
	}

	cmd := exec.Command(name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{Command: name, Args: args, Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, errors.Wrapf(err, errors.KindUnavailable, "%s %s: %s", name, strings.Join(args, " "), stderr.String())
		}
		return result, errors.Wrapf(err, errors.KindEnvMissingDep, "%s not runnable", name)
	}
	return result, nil
}

// LookPath reports whether name is on PATH, matching the probe the mark
// installer and firewall backend selectors run before falling back to a CLI.
func LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
