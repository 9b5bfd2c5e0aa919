//go:build windows

package supervisor

import (
	"os/exec"
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	processTerminate        = 0x0001
	processQueryInformation = 0x0400
	createNewProcessGroup   = 0x00000200
)

// shellCommand wraps the rendered tunnel command line for cmd.exe.
func shellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", "/C", script)
}

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// terminateGroup has no graceful equivalent on Windows; terminate outright.
func terminateGroup(pid int) error {
	return terminate(pid)
}

func killGroup(pid int) error {
	return terminate(pid)
}

func terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	h, err := openProcess(processTerminate, uint32(pid))
	if err != nil {
		// Process is likely already gone.
		return nil
	}
	defer closeHandle(h)
	ret, _, callErr := procTerminateProcess.Call(uintptr(h), uintptr(1))
	if ret == 0 {
		return callErr
	}
	return nil
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := openProcess(processQueryInformation, uint32(pid))
	if err != nil {
		return false
	}
	_ = closeHandle(h)
	return true
}

func openProcess(access uint32, pid uint32) (syscall.Handle, error) {
	ret, _, err := procOpenProcess.Call(uintptr(access), 0, uintptr(pid))
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

func closeHandle(h syscall.Handle) error {
	ret, _, err := procCloseHandle.Call(uintptr(h))
	if ret == 0 {
		return err
	}
	return nil
}
