package session

import (
	"strings"
)

// Liveness is the result of probing a pid.
type Liveness int

const (
	Dead Liveness = iota
	Alive
)

func (l Liveness) String() string {
	if l == Alive {
		return "alive"
	}
	return "dead"
}

// Prober checks whether a process exists without affecting it. A process
// that exists but cannot be signalled is Alive, and so is any probe that
// fails for another reason; only "no such process" is Dead.
type Prober interface {
	Probe(pid int) Liveness
}

// Terminator ends a process that is not our child. Terminating a process
// that no longer exists returns nil.
type Terminator interface {
	Terminate(pid int) error
}

// ProcInfo is one entry of the OS process table.
type ProcInfo struct {
	PID  int
	PPID int
	Name string
}

// Inspector lists running processes.
type Inspector interface {
	Processes() ([]ProcInfo, error)
}

// OSProcesses probes, terminates and lists real OS processes.
type OSProcesses struct{}

// sameImage compares process image names ignoring case and a ".exe" suffix.
func sameImage(a, b string) bool {
	norm := func(s string) string {
		return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ".exe")
	}
	return a != "" && norm(a) == norm(b)
}
