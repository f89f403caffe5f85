package session

import (
	"fmt"

	"github.com/bryanchriswhite/multiboxer/internal/logger"
)

// DefaultWatchdog is the crash reporter the game client spawns when it dies.
const DefaultWatchdog = "BugReport.exe"

// DefaultAcceptedExitCodes are the exit codes of a normal close.
var DefaultAcceptedExitCodes = []int{0, 1}

// Verdict is the classification of a session end.
type Verdict struct {
	Crashed bool
	Reason  string
}

// Classifier decides whether a game exit was a crash.
type Classifier struct {
	inspector Inspector
	watchdog  string
	accepted  map[int]bool
}

// NewClassifier returns a classifier. An empty watchdog disables the
// watchdog check; a nil accepted list uses DefaultAcceptedExitCodes.
func NewClassifier(inspector Inspector, watchdog string, accepted []int) *Classifier {
	if accepted == nil {
		accepted = DefaultAcceptedExitCodes
	}
	set := make(map[int]bool, len(accepted))
	for _, c := range accepted {
		set[c] = true
	}
	return &Classifier{inspector: inspector, watchdog: watchdog, accepted: set}
}

// Classify reports a crash when the watchdog runs as a child of pid or the
// exit code, when known, is not an accepted one.
func (c *Classifier) Classify(pid int, exitCode *int) Verdict {
	if c.watchdogRunning(pid) {
		return Verdict{Crashed: true, Reason: fmt.Sprintf("%s detected", c.watchdog)}
	}
	if exitCode != nil && !c.accepted[*exitCode] {
		return Verdict{Crashed: true, Reason: fmt.Sprintf("exit code %d", *exitCode)}
	}
	return Verdict{}
}

func (c *Classifier) watchdogRunning(pid int) bool {
	if c.inspector == nil || c.watchdog == "" || pid <= 0 {
		return false
	}
	procs, err := c.inspector.Processes()
	if err != nil {
		logger.WithComponent("session").Debug().Err(err).Msg("Cannot list processes for watchdog check")
		return false
	}
	for _, p := range procs {
		if p.PPID == pid && sameImage(p.Name, c.watchdog) {
			return true
		}
	}
	return false
}
