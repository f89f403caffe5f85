package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bryanchriswhite/multiboxer/internal/events"
	"github.com/bryanchriswhite/multiboxer/internal/helper"
	"github.com/bryanchriswhite/multiboxer/internal/ident"
	"github.com/bryanchriswhite/multiboxer/internal/logger"
	"github.com/rs/zerolog"
)

// Sender writes one command to a helper.
type Sender interface {
	Send(v any) error
}

// Helpers gives the dispatcher access to the batch helpers.
type Helpers interface {
	// Acquire returns the running helper of kind, starting it with hooks.
	Acquire(ctx context.Context, kind helper.Kind, hooks helper.Hooks) (Sender, error)
	// Running returns the helper of kind only if it is already running.
	Running(kind helper.Kind) (Sender, bool)
}

// SupervisorHelpers adapts a helper.Supervisor.
type SupervisorHelpers struct {
	Supervisor *helper.Supervisor
}

func (s SupervisorHelpers) Acquire(ctx context.Context, kind helper.Kind, hooks helper.Hooks) (Sender, error) {
	h, err := s.Supervisor.Acquire(ctx, kind, hooks)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (s SupervisorHelpers) Running(kind helper.Kind) (Sender, bool) {
	h, ok := s.Supervisor.Get(kind)
	if !ok || h.State() != helper.StateRunning {
		return nil, false
	}
	return h, true
}

type run struct {
	info   Info
	sender Sender
	done   chan struct{}
	result Result
}

// link ties a set of hooks to the helper they were installed on. A reused
// helper keeps its original hooks, so a link may never be bound.
type link struct {
	sender Sender
}

// Dispatcher sends jobs to the batch helpers and correlates their output
// back to job ids. Each job ends exactly once.
type Dispatcher struct {
	helpers Helpers
	bus     events.Publisher
	timeout time.Duration
	log     *zerolog.Logger

	mu   sync.Mutex
	jobs map[Queue]map[ident.ID]*run
}

// NewDispatcher creates a dispatcher. timeout bounds Wait; bus may be nil.
func NewDispatcher(helpers Helpers, bus events.Publisher, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		helpers: helpers,
		bus:     bus,
		timeout: timeout,
		log:     logger.WithComponent("batch"),
		jobs: map[Queue]map[ident.ID]*run{
			Foreground: {},
			Background: {},
		},
	}
}

func (d *Dispatcher) hooks(q Queue, ln *link) helper.Hooks {
	return helper.Hooks{
		OnLine: func(l helper.Line) { d.handleLine(q, ln, l) },
		OnExit: func(info helper.ExitInfo) { d.handleExit(q, ln, info) },
	}
}

// Execute starts job on its queue's helper. It returns the request id
// embedded in the command.
func (d *Dispatcher) Execute(ctx context.Context, job Job) (string, error) {
	if job.ID.IsZero() {
		return "", fmt.Errorf("job id: %w", ident.ErrEmpty)
	}
	q, err := ParseQueue(string(job.Queue))
	if err != nil {
		return "", err
	}
	job.Queue = q

	r := &run{
		info: Info{
			ID:        job.ID,
			Queue:     q,
			Loop:      job.Loop,
			Steps:     len(job.Steps),
			RequestID: helper.NewRequestID(),
			Started:   time.Now(),
		},
		done: make(chan struct{}),
	}

	d.mu.Lock()
	if _, ok := d.jobs[q][job.ID]; ok {
		d.mu.Unlock()
		return "", fmt.Errorf("job %s on %s queue: %w", job.ID, q, ErrJobRunning)
	}
	d.jobs[q][job.ID] = r
	d.mu.Unlock()

	ln := &link{}
	h, err := d.helpers.Acquire(ctx, q.Kind(), d.hooks(q, ln))
	if err != nil {
		d.forget(q, job.ID, r)
		return "", err
	}
	// Bound before the command is written, so every line about this job
	// arrives on a bound link.
	d.mu.Lock()
	ln.sender = h
	r.sender = h
	d.mu.Unlock()

	steps := job.Steps
	if steps == nil {
		steps = []Step{}
	}
	cmd := executeCommand{
		Type:      "execute",
		JobID:     job.ID,
		Commands:  steps,
		Loop:      job.Loop,
		RequestID: r.info.RequestID,
	}
	if err := h.Send(cmd); err != nil {
		d.forget(q, job.ID, r)
		return "", err
	}

	d.log.Info().
		Str("job", job.ID.String()).
		Str("queue", string(q)).
		Int("steps", len(steps)).
		Bool("loop", job.Loop).
		Str("request_id", r.info.RequestID).
		Msg("Job started")
	return r.info.RequestID, nil
}

func (d *Dispatcher) forget(q Queue, id ident.ID, r *run) {
	d.mu.Lock()
	if cur, ok := d.jobs[q][id]; ok && cur == r {
		delete(d.jobs[q], id)
	}
	d.mu.Unlock()
}

// Cancel stops job id on queue q. Background jobs are cancelled one by one;
// the foreground helper only knows how to stop everything. An unknown job
// is a no-op and nothing is written.
func (d *Dispatcher) Cancel(ctx context.Context, id ident.ID, q Queue) error {
	q, err := ParseQueue(string(q))
	if err != nil {
		return err
	}

	d.mu.Lock()
	_, ok := d.jobs[q][id]
	d.mu.Unlock()
	if !ok {
		d.log.Debug().Str("job", id.String()).Str("queue", string(q)).Msg("Cancel for unknown job ignored")
		return nil
	}

	h, running := d.helpers.Running(q.Kind())
	if !running {
		d.end(q, id, nil, StatusCancelled, "helper not running")
		return nil
	}

	var cmd cancelCommand
	if q == Background {
		cmd = cancelCommand{Type: "cancel", JobID: id}
	} else {
		cmd = ExitCommand
	}
	if err := h.Send(cmd); err != nil {
		return err
	}
	d.log.Info().Str("job", id.String()).Str("queue", string(q)).Str("command", cmd.Type).Msg("Cancel requested")
	return nil
}

// Wait blocks until job id ends and returns its result. A job that is not
// outstanding returns false immediately.
func (d *Dispatcher) Wait(ctx context.Context, id ident.ID) (Result, bool, error) {
	d.mu.Lock()
	var r *run
	for _, jobs := range d.jobs {
		if j, ok := jobs[id]; ok {
			r = j
			break
		}
	}
	d.mu.Unlock()
	if r == nil {
		return Result{}, false, nil
	}

	var timeout <-chan time.Time
	if d.timeout > 0 {
		t := time.NewTimer(d.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-r.done:
		return r.result, true, nil
	case <-timeout:
		return Result{}, true, helper.ErrTimeout
	case <-ctx.Done():
		return Result{}, true, ctx.Err()
	}
}

// Outstanding lists running jobs ordered by start time.
func (d *Dispatcher) Outstanding() []Info {
	d.mu.Lock()
	out := make([]Info, 0)
	for _, jobs := range d.jobs {
		for _, r := range jobs {
			out = append(out, r.info)
		}
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// IsRunning reports whether id is outstanding on q.
func (d *Dispatcher) IsRunning(id ident.ID, q Queue) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.jobs[q][id]
	return ok
}

func (d *Dispatcher) handleLine(q Queue, ln *link, l helper.Line) {
	var msg helperLine
	if err := l.Decode(&msg); err != nil {
		d.log.Warn().Err(err).Str("queue", string(q)).RawJSON("line", l.Raw).Msg("Undecodable batch line")
		return
	}

	switch {
	case msg.Status != "":
		if !msg.Status.Terminal() {
			d.log.Debug().Str("queue", string(q)).Str("status", string(msg.Status)).Msg("Batch helper status")
			return
		}
		if msg.JobID.IsZero() {
			if msg.Status == StatusShuttingDown {
				d.endAll(q, ln, StatusShuttingDown, msg.Message)
				return
			}
			id, ok := d.soleJob(q, ln)
			if !ok {
				d.log.Warn().Str("queue", string(q)).Str("status", string(msg.Status)).Msg("Status without jobId ignored")
				return
			}
			msg.JobID = id
		}
		d.end(q, msg.JobID, ln, msg.Status, msg.Message)

	case msg.PID != nil:
		id := msg.JobID
		if id.IsZero() {
			var ok bool
			if id, ok = d.soleJob(q, ln); !ok {
				return
			}
		}
		if !d.IsRunning(id, q) {
			return
		}
		d.publish(events.JobProgress, Progress{ID: id, Queue: q, PID: *msg.PID})

	default:
		d.log.Debug().Str("queue", string(q)).RawJSON("line", l.Raw).Msg("Batch line without pid or status")
	}
}

// handleExit ends the jobs that were sent to the exited process. A
// replacement helper may already be running jobs of its own.
func (d *Dispatcher) handleExit(q Queue, ln *link, info helper.ExitInfo) {
	d.endAll(q, ln, StatusHelperExited, fmt.Sprintf("exit code %d", info.ExitCode))
}

// owns reports whether r was sent to the helper behind ln. Callers hold d.mu.
func owns(ln *link, r *run) bool {
	return ln.sender != nil && r.sender == ln.sender
}

func (d *Dispatcher) soleJob(q Queue, ln *link) (ident.ID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var (
		id ident.ID
		n  int
	)
	for jid, r := range d.jobs[q] {
		if owns(ln, r) {
			id = jid
			n++
		}
	}
	return id, n == 1
}

// end finishes one job. Only the caller that removes the job from the table
// publishes, so every job ends exactly once. A non-nil ln restricts the end
// to a job running on that helper.
func (d *Dispatcher) end(q Queue, id ident.ID, ln *link, status Status, message string) {
	d.mu.Lock()
	r, ok := d.jobs[q][id]
	if ok && ln != nil && !owns(ln, r) {
		ok = false
	}
	if ok {
		delete(d.jobs[q], id)
	}
	d.mu.Unlock()
	if !ok {
		d.log.Debug().Str("job", id.String()).Str("status", string(status)).Msg("Status for unknown job ignored")
		return
	}
	d.finish(r, status, message)
}

func (d *Dispatcher) endAll(q Queue, ln *link, status Status, message string) {
	d.mu.Lock()
	var runs []*run
	for id, r := range d.jobs[q] {
		if owns(ln, r) {
			runs = append(runs, r)
			delete(d.jobs[q], id)
		}
	}
	d.mu.Unlock()

	for _, r := range runs {
		d.finish(r, status, message)
	}
}

func (d *Dispatcher) finish(r *run, status Status, message string) {
	r.result = Result{
		ID:      r.info.ID,
		Queue:   r.info.Queue,
		Status:  status,
		Message: message,
		Ended:   time.Now(),
	}
	close(r.done)

	d.log.Info().
		Str("job", r.info.ID.String()).
		Str("queue", string(r.info.Queue)).
		Str("status", string(status)).
		Dur("elapsed", r.result.Ended.Sub(r.info.Started)).
		Msg("Job ended")
	d.publish(events.JobEnded, r.result)
}

func (d *Dispatcher) publish(t events.Type, data any) {
	if d.bus != nil {
		d.bus.Publish(events.New(t, data))
	}
}
