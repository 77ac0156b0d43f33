//go:build !unix

package bridge

import "os/exec"

func configureProcess(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
}
