//go:build unix

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures cmd to start its own process group so the whole
// subtree can be signalled together.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup asks the process group rooted at pid to exit gracefully.
func terminateGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// forceKillGroup unconditionally ends the process group rooted at pid.
func forceKillGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
