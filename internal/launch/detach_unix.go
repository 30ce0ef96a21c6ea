//go:build unix

package launch

import (
	"os/exec"
	"syscall"
)

// detach starts cmd in its own session so it survives the daemon.
func detach(cmd *exec.Cmd) {
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
