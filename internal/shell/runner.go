// Package shell executes remotely requested commands in a local subprocess,
// tracking a persistent working directory per peer and enforcing a wall-clock
// timeout on every execution.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/remotely-sh/remotely/internal/protocol"
)

// DefaultTimeout bounds a single command execution when no timeout is
// configured.
const DefaultTimeout = 60 * time.Second

// errExecTimeout marks a deadline set by the Runner itself, as opposed to
// one inherited from the caller's context.
var errExecTimeout = errors.New("execution timeout elapsed")

// Runner executes command text in a subprocess. The working directory is
// persistent state: a successful cd mutates it, everything else runs inside
// it. One Runner serves one remote peer; peers never share directory state.
type Runner struct {
	mu      sync.Mutex
	workDir string
	timeout time.Duration
}

// NewRunner creates a Runner rooted at the process's current directory.
// A zero timeout selects DefaultTimeout.
func NewRunner(timeout time.Duration) *Runner {
	wd, err := os.Getwd()
	if err != nil {
		wd = string(os.PathSeparator)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{workDir: wd, timeout: timeout}
}

// WorkDir returns the directory the next command will execute in.
func (r *Runner) WorkDir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workDir
}

// Execute runs one command and returns its result. Directory changes are
// handled in-process; everything else is handed to the platform shell with
// stdout and stderr captured. The lock is never held while the subprocess
// runs, only around working-directory reads and writes.
func (r *Runner) Execute(ctx context.Context, command string) *protocol.CommandResult {
	trimmed := strings.TrimSpace(command)

	if target, ok := parseChdir(trimmed); ok {
		return r.changeDir(target)
	}

	r.mu.Lock()
	workDir := r.workDir
	r.mu.Unlock()

	ctx, cancel := context.WithTimeoutCause(ctx, r.timeout, errExecTimeout)
	defer cancel()

	cmd := shellCommand(ctx, trimmed)
	cmd.Dir = workDir
	setProcAttr(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error { return killGroup(cmd) }
	// A surviving grandchild holding the output pipes must not stall Wait
	// past the kill.
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()

	// Only our own deadline is a timeout; a cancellation inherited from the
	// caller's context is reported as such.
	if ctx.Err() != nil {
		if context.Cause(ctx) == errExecTimeout {
			return protocol.ErrorResult(
				fmt.Sprintf("command timed out after %s", r.timeout), workDir)
		}
		return protocol.ErrorResult(
			fmt.Sprintf("command canceled: %v", context.Cause(ctx)), workDir)
	}

	result := &protocol.CommandResult{
		Status:  protocol.StatusSuccess,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		WorkDir: workDir,
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is a completed execution, not a channel error.
			result.ExitCode = exitErr.ExitCode()
			return result
		}
		return protocol.ErrorResult(err.Error(), workDir)
	}
	return result
}

// changeDir resolves and applies a cd request. On failure the stored
// directory is left untouched and the error result reports it unchanged.
func (r *Runner) changeDir(target string) *protocol.CommandResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	resolved, err := r.resolveTarget(target)
	if err != nil {
		return protocol.ErrorResult(err.Error(), r.workDir)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return protocol.ErrorResult(err.Error(), r.workDir)
	}
	if !info.IsDir() {
		return protocol.ErrorResult(fmt.Sprintf("not a directory: %s", resolved), r.workDir)
	}

	r.workDir = resolved
	return &protocol.CommandResult{
		Status:  protocol.StatusSuccess,
		Stdout:  fmt.Sprintf("Changed directory to %s\n", resolved),
		WorkDir: resolved,
	}
}

// resolveTarget expands ~ and makes the target absolute relative to the
// current working directory. Must be called with the lock held.
func (r *Runner) resolveTarget(target string) (string, error) {
	if target == "" || target == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return home, nil
	}
	if strings.HasPrefix(target, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		target = filepath.Join(home, target[2:])
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(r.workDir, target)
	}
	return filepath.Clean(target), nil
}

// parseChdir recognizes a directory-change request and extracts its target.
// Bare "cd" goes home, matching interactive shell behavior.
func parseChdir(command string) (string, bool) {
	if command == "cd" {
		return "", true
	}
	if strings.HasPrefix(command, "cd ") {
		return strings.TrimSpace(command[3:]), true
	}
	return "", false
}
