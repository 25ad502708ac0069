//go:build linux

// Package procattr configures engine subprocesses so that they and their
// children can be signalled as one group and do not outlive the host.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set puts cmd in its own process group and asks the kernel to send it
// SIGTERM if the host dies first.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
