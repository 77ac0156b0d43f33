//go:build unix

package bridge

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureProcess puts the child in its own process group so that
// cancellation kills it and everything it spawned.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		if err == unix.ESRCH {
			return nil
		}
		return err
	}
}
