//go:build windows

package shell

import (
	"context"
	"os/exec"
)

// shellCommand hands the command text to cmd.exe.
func shellCommand(ctx context.Context, command string) *exec.Cmd {
	return exec.CommandContext(ctx, "cmd", "/C", command)
}

// setProcAttr is a no-op on Windows; CommandContext kills the process
// directly on cancellation.
func setProcAttr(cmd *exec.Cmd) {}

// killGroup falls back to killing the shell process itself.
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
