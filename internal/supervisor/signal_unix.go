//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// shellCommand wraps the rendered tunnel command line for /bin/sh.
func shellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script)
}

// setProcessGroup places the child in its own process group so SIGTERM and
// SIGKILL reach the whole tree.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func killGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// alive probes a PID without signaling it.
func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
