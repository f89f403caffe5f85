//go:build linux

package session

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var procRoot = "/proc"

// Processes scans /proc/<pid>/stat.
func (OSProcesses) Processes() ([]ProcInfo, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, err
	}

	procs := make([]ProcInfo, 0, len(entries))
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(procRoot, e.Name(), "stat"))
		if err != nil {
			continue
		}
		if p, ok := parseStat(pid, string(data)); ok {
			procs = append(procs, p)
		}
	}
	return procs, nil
}

// parseStat reads comm and ppid from a stat line. comm may itself contain
// spaces and parentheses, so it spans to the last ')'.
func parseStat(pid int, stat string) (ProcInfo, bool) {
	open := strings.IndexByte(stat, '(')
	closing := strings.LastIndexByte(stat, ')')
	if open < 0 || closing < open {
		return ProcInfo{}, false
	}
	fields := strings.Fields(stat[closing+1:])
	// state ppid ...
	if len(fields) < 2 {
		return ProcInfo{}, false
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return ProcInfo{}, false
	}
	return ProcInfo{PID: pid, PPID: ppid, Name: stat[open+1 : closing]}, true
}
