package batch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/multiboxer/internal/events"
	"github.com/bryanchriswhite/multiboxer/internal/helper"
	"github.com/bryanchriswhite/multiboxer/internal/ident"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHelper records what the dispatcher writes and lets the test play the
// helper's side of the protocol.
type fakeHelper struct {
	mu      sync.Mutex
	kind    helper.Kind
	hooks   helper.Hooks
	sent    []map[string]any
	sendErr error
}

func (f *fakeHelper) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	data, _ := json.Marshal(v)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeHelper) messages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.sent...)
}

func (f *fakeHelper) emit(t *testing.T, raw string) {
	t.Helper()
	l, err := helper.ParseLine(f.kind, []byte(raw))
	require.NoError(t, err)
	f.hooks.OnLine(l)
}

func (f *fakeHelper) exit(code int) {
	f.hooks.OnExit(helper.ExitInfo{Kind: f.kind, State: helper.StateCrashed, ExitCode: code})
}

type fakeHelpers struct {
	mu         sync.Mutex
	helpers    map[helper.Kind]*fakeHelper
	acquireErr error
}

func newFakeHelpers() *fakeHelpers {
	return &fakeHelpers{helpers: map[helper.Kind]*fakeHelper{}}
}

func (f *fakeHelpers) Acquire(ctx context.Context, kind helper.Kind, hooks helper.Hooks) (Sender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	h, ok := f.helpers[kind]
	if !ok {
		h = &fakeHelper{kind: kind, hooks: hooks}
		f.helpers[kind] = h
	}
	return h, nil
}

func (f *fakeHelpers) Running(kind helper.Kind) (Sender, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.helpers[kind]
	if !ok {
		return nil, false
	}
	return h, true
}

// drop forgets the helper of kind, as the supervisor does once the process
// is gone, so the next Acquire starts a replacement.
func (f *fakeHelpers) drop(kind helper.Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.helpers, kind)
}

func (f *fakeHelpers) get(kind helper.Kind) *fakeHelper {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.helpers[kind]
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeHelpers, chan events.Event) {
	t.Helper()
	bus := events.NewBus(64)
	ch := bus.Subscribe()
	helpers := newFakeHelpers()
	return NewDispatcher(helpers, bus, time.Second), helpers, ch
}

func nextEvent(t *testing.T, ch chan events.Event, want events.Type) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		require.Equal(t, want, e.Type)
		return e
	case <-time.After(time.Second):
		t.Fatalf("no %s event", want)
		return events.Event{}
	}
}

func noEvent(t *testing.T, ch chan events.Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %s", e.Type)
	default:
	}
}

func TestExecuteWritesCommand(t *testing.T) {
	d, helpers, _ := newTestDispatcher(t)

	reqID, err := d.Execute(context.Background(), Job{
		ID:    "preset-1",
		Steps: []Step{{PID: 10, Key: "F1", Delay: 50}},
		Loop:  true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, reqID)

	fg := helpers.get(helper.KindBatchFocus)
	require.NotNil(t, fg)
	msgs := fg.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "execute", msgs[0]["type"])
	assert.Equal(t, "preset-1", msgs[0]["jobId"])
	assert.Equal(t, true, msgs[0]["loop"])
	assert.Equal(t, reqID, msgs[0]["requestId"])
	assert.Len(t, msgs[0]["commands"], 1)

	assert.Nil(t, helpers.get(helper.KindBackgroundBatch))
}

func TestExecuteDuplicateJob(t *testing.T) {
	d, helpers, _ := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Execute(ctx, Job{ID: "p", Queue: Background})
	require.NoError(t, err)
	_, err = d.Execute(ctx, Job{ID: "p", Queue: Background})
	assert.ErrorIs(t, err, ErrJobRunning)

	// Same id on the other queue is a different job.
	_, err = d.Execute(ctx, Job{ID: "p", Queue: Foreground})
	assert.NoError(t, err)

	assert.Len(t, helpers.get(helper.KindBackgroundBatch).messages(), 1)
	assert.Len(t, d.Outstanding(), 2)
}

func TestExecuteFailureReleasesJob(t *testing.T) {
	d, helpers, _ := newTestDispatcher(t)
	helpers.acquireErr = helper.ErrExecutableNotFound

	_, err := d.Execute(context.Background(), Job{ID: "p"})
	assert.ErrorIs(t, err, helper.ErrExecutableNotFound)
	assert.Empty(t, d.Outstanding())

	helpers.acquireErr = nil
	_, err = d.Execute(context.Background(), Job{ID: "p"})
	assert.NoError(t, err)
}

func TestExecuteRejectsEmptyID(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.Execute(context.Background(), Job{})
	assert.ErrorIs(t, err, ident.ErrEmpty)
}

func TestProgressAndTerminalStatus(t *testing.T) {
	d, helpers, ch := newTestDispatcher(t)
	_, err := d.Execute(context.Background(), Job{ID: "p1", Queue: Background})
	require.NoError(t, err)
	bg := helpers.get(helper.KindBackgroundBatch)

	bg.emit(t, `{"pid":555,"jobId":"p1"}`)
	e := nextEvent(t, ch, events.JobProgress)
	assert.Equal(t, Progress{ID: "p1", Queue: Background, PID: 555}, e.Data)

	bg.emit(t, `{"status":"done","jobId":"p1"}`)
	e = nextEvent(t, ch, events.JobEnded)
	res := e.Data.(Result)
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, ident.ID("p1"), res.ID)

	// A repeated terminal status does not end the job again.
	bg.emit(t, `{"status":"cancelled","jobId":"p1"}`)
	bg.emit(t, `{"pid":555,"jobId":"p1"}`)
	noEvent(t, ch)
	assert.False(t, d.IsRunning("p1", Background))
}

func TestNumericJobIDsCorrelate(t *testing.T) {
	d, helpers, ch := newTestDispatcher(t)
	_, err := d.Execute(context.Background(), Job{ID: ident.MustParse(42), Queue: Background})
	require.NoError(t, err)
	bg := helpers.get(helper.KindBackgroundBatch)

	assert.Equal(t, float64(42), bg.messages()[0]["jobId"])

	bg.emit(t, `{"status":"done","jobId":42}`)
	e := nextEvent(t, ch, events.JobEnded)
	assert.Equal(t, ident.ID("42"), e.Data.(Result).ID)
}

func TestShuttingDownWithoutJobIDEndsQueue(t *testing.T) {
	d, helpers, ch := newTestDispatcher(t)
	ctx := context.Background()
	for _, id := range []ident.ID{"a", "b"} {
		_, err := d.Execute(ctx, Job{ID: id, Queue: Background})
		require.NoError(t, err)
	}
	_, err := d.Execute(ctx, Job{ID: "fg"})
	require.NoError(t, err)

	helpers.get(helper.KindBackgroundBatch).emit(t, `{"status":"shutting_down"}`)
	nextEvent(t, ch, events.JobEnded)
	nextEvent(t, ch, events.JobEnded)
	noEvent(t, ch)

	out := d.Outstanding()
	require.Len(t, out, 1)
	assert.Equal(t, ident.ID("fg"), out[0].ID)
}

func TestHelperExitEndsJobs(t *testing.T) {
	d, helpers, ch := newTestDispatcher(t)
	_, err := d.Execute(context.Background(), Job{ID: "p", Loop: true})
	require.NoError(t, err)

	helpers.get(helper.KindBatchFocus).exit(1)
	e := nextEvent(t, ch, events.JobEnded)
	assert.Equal(t, StatusHelperExited, e.Data.(Result).Status)
	assert.Empty(t, d.Outstanding())
}

func TestStaleHelperExitSparesReplacementJobs(t *testing.T) {
	d, helpers, ch := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Execute(ctx, Job{ID: "a"})
	require.NoError(t, err)
	first := helpers.get(helper.KindBatchFocus)
	first.emit(t, `{"status":"done","jobId":"a"}`)
	nextEvent(t, ch, events.JobEnded)

	// The first process is gone but its exit hook has not run yet.
	helpers.drop(helper.KindBatchFocus)
	_, err = d.Execute(ctx, Job{ID: "b"})
	require.NoError(t, err)
	second := helpers.get(helper.KindBatchFocus)
	require.NotSame(t, first, second)

	first.exit(0)
	first.emit(t, `{"status":"shutting_down"}`)
	first.emit(t, `{"status":"error"}`)
	noEvent(t, ch)
	assert.True(t, d.IsRunning("b", Foreground))

	second.exit(0)
	e := nextEvent(t, ch, events.JobEnded)
	assert.Equal(t, ident.ID("b"), e.Data.(Result).ID)
	assert.Equal(t, StatusHelperExited, e.Data.(Result).Status)
}

func TestCancelUnknownJobIsNoop(t *testing.T) {
	d, helpers, ch := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Execute(ctx, Job{ID: "other", Queue: Background})
	require.NoError(t, err)
	bg := helpers.get(helper.KindBackgroundBatch)
	before := len(bg.messages())

	require.NoError(t, d.Cancel(ctx, "never-started", Background))
	require.NoError(t, d.Cancel(ctx, "never-started", Foreground))

	assert.Len(t, bg.messages(), before)
	assert.Nil(t, helpers.get(helper.KindBatchFocus))
	assert.True(t, d.IsRunning("other", Background))
	noEvent(t, ch)
}

func TestCancelGranularity(t *testing.T) {
	d, helpers, _ := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Execute(ctx, Job{ID: "bg1", Queue: Background})
	require.NoError(t, err)
	_, err = d.Execute(ctx, Job{ID: "bg2", Queue: Background})
	require.NoError(t, err)
	_, err = d.Execute(ctx, Job{ID: "fg1", Queue: Foreground})
	require.NoError(t, err)

	require.NoError(t, d.Cancel(ctx, "bg1", Background))
	bgMsgs := helpers.get(helper.KindBackgroundBatch).messages()
	last := bgMsgs[len(bgMsgs)-1]
	assert.Equal(t, "cancel", last["type"])
	assert.Equal(t, "bg1", last["jobId"])

	require.NoError(t, d.Cancel(ctx, "fg1", Foreground))
	fgMsgs := helpers.get(helper.KindBatchFocus).messages()
	last = fgMsgs[len(fgMsgs)-1]
	assert.Equal(t, map[string]any{"type": "exit"}, last)

	// Cancel only asks; the job ends when the helper says so.
	assert.True(t, d.IsRunning("bg1", Background))
	helpers.get(helper.KindBackgroundBatch).emit(t, `{"status":"cancelled","jobId":"bg1"}`)
	assert.False(t, d.IsRunning("bg1", Background))
	assert.True(t, d.IsRunning("bg2", Background))
}

func TestWait(t *testing.T) {
	d, helpers, _ := newTestDispatcher(t)
	ctx := context.Background()
	_, err := d.Execute(ctx, Job{ID: "p", Queue: Background})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		helpers.get(helper.KindBackgroundBatch).emit(t, `{"status":"error","jobId":"p","message":"window gone"}`)
	}()

	res, found, err := d.Wait(ctx, "p")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, "window gone", res.Message)

	_, found, err = d.Wait(ctx, "p")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestWaitTimeout(t *testing.T) {
	helpers := newFakeHelpers()
	d := NewDispatcher(helpers, nil, 20*time.Millisecond)
	_, err := d.Execute(context.Background(), Job{ID: "slow"})
	require.NoError(t, err)

	_, _, err = d.Wait(context.Background(), "slow")
	assert.ErrorIs(t, err, helper.ErrTimeout)
}

func TestMalformedAndUnrelatedLines(t *testing.T) {
	d, helpers, ch := newTestDispatcher(t)
	_, err := d.Execute(context.Background(), Job{ID: "a", Queue: Background})
	require.NoError(t, err)
	_, err = d.Execute(context.Background(), Job{ID: "b", Queue: Background})
	require.NoError(t, err)
	bg := helpers.get(helper.KindBackgroundBatch)

	bg.emit(t, `{"hello":"world"}`)
	bg.emit(t, `{"status":"running","jobId":"a"}`)
	bg.emit(t, `{"status":"done"}`)
	noEvent(t, ch)
	assert.Len(t, d.Outstanding(), 2)
}

func TestSendFailureReleasesJob(t *testing.T) {
	d, helpers, _ := newTestDispatcher(t)
	_, err := d.Execute(context.Background(), Job{ID: "first"})
	require.NoError(t, err)
	helpers.get(helper.KindBatchFocus).sendErr = errors.New("broken pipe")

	_, err = d.Execute(context.Background(), Job{ID: "second"})
	assert.Error(t, err)
	assert.False(t, d.IsRunning("second", Foreground))
}

func TestConcurrentTerminalStatusEndsOnce(t *testing.T) {
	d, helpers, ch := newTestDispatcher(t)
	_, err := d.Execute(context.Background(), Job{ID: "p", Queue: Background})
	require.NoError(t, err)
	bg := helpers.get(helper.KindBackgroundBatch)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); bg.emit(t, `{"status":"done","jobId":"p"}`) }()
		go func() { defer wg.Done(); bg.exit(0) }()
	}
	wg.Wait()

	nextEvent(t, ch, events.JobEnded)
	noEvent(t, ch)
}

func TestParseQueue(t *testing.T) {
	q, err := ParseQueue("")
	require.NoError(t, err)
	assert.Equal(t, Foreground, q)
	assert.Equal(t, helper.KindBatchFocus, q.Kind())

	q, err = ParseQueue("background")
	require.NoError(t, err)
	assert.Equal(t, helper.KindBackgroundBatch, q.Kind())

	_, err = ParseQueue("sideways")
	assert.Error(t, err)
}
