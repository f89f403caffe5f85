//go:build !windows

package session

import (
	"errors"

	"github.com/bryanchriswhite/multiboxer/internal/logger"
	"golang.org/x/sys/unix"
)

// Probe sends signal 0 to pid.
func (OSProcesses) Probe(pid int) Liveness {
	if pid <= 0 {
		return Dead
	}
	err := unix.Kill(pid, 0)
	switch {
	case err == nil:
		return Alive
	case errors.Is(err, unix.ESRCH):
		return Dead
	case errors.Is(err, unix.EPERM):
		return Alive
	default:
		logger.WithComponent("session").Debug().Err(err).Int("pid", pid).Msg("Probe failed, assuming alive")
		return Alive
	}
}

// Terminate sends SIGTERM to pid.
func (OSProcesses) Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
