//go:build !windows

package shell

import (
	"context"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// shellCommand hands the command text to the Bourne shell so that pipes,
// redirection, and quoting behave the way a remote operator expects.
func shellCommand(ctx context.Context, command string) *exec.Cmd {
	return exec.CommandContext(ctx, "sh", "-c", command)
}

// setProcAttr places the subprocess in its own process group so a timeout
// kill reaches the whole pipeline, not just the shell.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killGroup terminates the process group: SIGTERM first, then SIGKILL for
// anything that ignores it.
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil {
		return cmd.Process.Kill()
	}
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		return cmd.Process.Kill()
	}
	time.AfterFunc(2*time.Second, func() {
		_ = unix.Kill(-pgid, unix.SIGKILL)
	})
	return nil
}
