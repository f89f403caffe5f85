// Package batch runs multi-step key/focus presets on the batch helpers and
// tracks each job until the helper reports it finished.
package batch

import (
	"errors"
	"fmt"
	"time"

	"github.com/bryanchriswhite/multiboxer/internal/helper"
	"github.com/bryanchriswhite/multiboxer/internal/ident"
)

// ErrJobRunning is returned when a job id is already outstanding on a queue.
var ErrJobRunning = errors.New("already running")

// Queue selects the batch helper a job runs on.
type Queue string

const (
	// Foreground jobs may steal focus. Cancelling one stops the whole helper.
	Foreground Queue = "foreground"
	// Background jobs send input without focusing and cancel per job.
	Background Queue = "background"
)

// ParseQueue maps user input to a queue; empty means Foreground.
func ParseQueue(s string) (Queue, error) {
	switch Queue(s) {
	case "", Foreground:
		return Foreground, nil
	case Background:
		return Background, nil
	}
	return "", fmt.Errorf("unknown queue %q", s)
}

// Kind returns the helper kind serving q.
func (q Queue) Kind() helper.Kind {
	if q == Background {
		return helper.KindBackgroundBatch
	}
	return helper.KindBatchFocus
}

// Status is a terminal job status.
type Status string

const (
	StatusDone         Status = "done"
	StatusCancelled    Status = "cancelled"
	StatusShuttingDown Status = "shutting_down"
	StatusError        Status = "error"
	// StatusHelperExited is synthesized when the helper dies mid-job.
	StatusHelperExited Status = "helper_exited"
)

// Terminal reports whether s ends a job.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusCancelled, StatusShuttingDown, StatusError, StatusHelperExited:
		return true
	}
	return false
}

// Step is one entry of a preset. The helper interprets it; the dispatcher
// only forwards it.
type Step struct {
	// PID is the game process the step acts on.
	PID    int    `json:"pid,omitempty"`
	Target string `json:"target,omitempty"`
	Key    string `json:"key,omitempty"`
	Action string `json:"action,omitempty"`
	// Delay after the step, in milliseconds.
	Delay int `json:"delay,omitempty"`
}

// Job is a preset run request.
type Job struct {
	ID    ident.ID `json:"jobId"`
	Steps []Step   `json:"commands"`
	Loop  bool     `json:"loop"`
	Queue Queue    `json:"queue"`
}

// Info describes an outstanding job.
type Info struct {
	ID        ident.ID  `json:"jobId"`
	Queue     Queue     `json:"queue"`
	Loop      bool      `json:"loop"`
	Steps     int       `json:"steps"`
	RequestID string    `json:"requestId"`
	Started   time.Time `json:"started"`
}

// Result is how a job ended.
type Result struct {
	ID      ident.ID  `json:"jobId"`
	Queue   Queue     `json:"queue"`
	Status  Status    `json:"status"`
	Message string    `json:"message,omitempty"`
	Ended   time.Time `json:"ended"`
}

// Progress reports that a step acted on the window of PID.
type Progress struct {
	ID    ident.ID `json:"jobId"`
	Queue Queue    `json:"queue"`
	PID   int      `json:"pid"`
}

// executeCommand is written to the helper to start a job.
type executeCommand struct {
	Type      string   `json:"type"`
	JobID     ident.ID `json:"jobId"`
	Commands  []Step   `json:"commands"`
	Loop      bool     `json:"loop"`
	RequestID string   `json:"requestId"`
}

type cancelCommand struct {
	Type  string   `json:"type"`
	JobID ident.ID `json:"jobId,omitempty"`
}

// ExitCommand asks a batch helper to stop everything and exit.
var ExitCommand = cancelCommand{Type: "exit"}

// helperLine is any line a batch helper prints.
type helperLine struct {
	PID       *int     `json:"pid"`
	JobID     ident.ID `json:"jobId"`
	Status    Status   `json:"status"`
	Message   string   `json:"message"`
	RequestID string   `json:"requestId"`
}
