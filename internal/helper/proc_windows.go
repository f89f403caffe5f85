//go:build windows

package helper

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// configureProcAttr keeps console helpers from opening a window of their own.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NO_WINDOW,
	}
}

// killProcess kills p only. Children of a Windows process are not tracked.
func killProcess(p *os.Process, _ bool) error {
	return p.Kill()
}
