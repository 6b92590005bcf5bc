//go:build !windows

package backend

import (
	"os/exec"
	"syscall"
)

// setProcGroup detaches the backend so it outlives the control surface
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
