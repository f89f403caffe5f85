//go:build !linux && !windows

package session

import "errors"

// Processes is not implemented on this platform; watchdog detection is
// skipped and classification falls back to exit codes.
func (OSProcesses) Processes() ([]ProcInfo, error) {
	return nil, errors.New("process listing not supported on this platform")
}
