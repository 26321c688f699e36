//go:build unix

package tester

import (
	"os/exec"
	"syscall"
)

// killOnCancel starts cmd in its own process group and kills the group, so
// children of sh die with it.
func killOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
