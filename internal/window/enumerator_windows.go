//go:build windows

package window

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

func configureEnumerator(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true, CreationFlags: windows.CREATE_NO_WINDOW}
}
