//go:build unix

package builtin

import (
	"os/exec"
	"syscall"
)

// killGroup starts cmd in a new process group and makes cancellation signal
// the whole group.
func killGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
