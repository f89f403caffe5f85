//go:build windows

package session

import (
	"errors"
	"syscall"
	"unsafe"

	"github.com/bryanchriswhite/multiboxer/internal/logger"
	"golang.org/x/sys/windows"
)

// stillActive is the exit code Windows reports for a running process.
const stillActive = 259

// Probe opens pid for query and reads its exit code.
func (OSProcesses) Probe(pid int) Liveness {
	if pid <= 0 {
		return Dead
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		switch {
		case errors.Is(err, windows.ERROR_INVALID_PARAMETER):
			return Dead
		case errors.Is(err, windows.ERROR_ACCESS_DENIED):
			return Alive
		default:
			logger.WithComponent("session").Debug().Err(err).Int("pid", pid).Msg("Probe failed, assuming alive")
			return Alive
		}
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return Alive
	}
	if code == stillActive {
		return Alive
	}
	return Dead
}

// Terminate calls TerminateProcess on pid.
func (OSProcesses) Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			return nil
		}
		return err
	}
	defer windows.CloseHandle(h)
	return windows.TerminateProcess(h, 1)
}

// Processes walks a toolhelp snapshot.
func (OSProcesses) Processes() ([]ProcInfo, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snapshot)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	if err := windows.Process32First(snapshot, &entry); err != nil {
		return nil, err
	}

	var procs []ProcInfo
	for {
		procs = append(procs, ProcInfo{
			PID:  int(entry.ProcessID),
			PPID: int(entry.ParentProcessID),
			Name: syscall.UTF16ToString(entry.ExeFile[:]),
		})

		if err := windows.Process32Next(snapshot, &entry); err != nil {
			if errors.Is(err, windows.ERROR_NO_MORE_FILES) {
				break
			}
			return nil, err
		}
	}
	return procs, nil
}
