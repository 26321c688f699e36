//go:build !unix

package tester

import "os/exec"

// killOnCancel kills only the shell. Grandchildren may outlive it; WaitDelay
// bounds how long Run waits on their pipes.
func killOnCancel(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
}
