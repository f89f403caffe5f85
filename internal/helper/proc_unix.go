//go:build !windows

package helper

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureProcAttr puts the helper in its own process group so a group
// kill reaches anything it spawned, and a terminal's SIGINT does not.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcess kills p, and with tree set its whole process group.
func killProcess(p *os.Process, tree bool) error {
	if !tree {
		return p.Kill()
	}
	err := unix.Kill(-p.Pid, unix.SIGKILL)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ESRCH) {
		return p.Kill()
	}
	return err
}
