package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/multiboxer/internal/batch"
	"github.com/bryanchriswhite/multiboxer/internal/config"
	"github.com/bryanchriswhite/multiboxer/internal/events"
	"github.com/bryanchriswhite/multiboxer/internal/helper"
	"github.com/bryanchriswhite/multiboxer/internal/ident"
	"github.com/bryanchriswhite/multiboxer/internal/input"
	"github.com/bryanchriswhite/multiboxer/internal/session"
	"github.com/bryanchriswhite/multiboxer/internal/window"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain lets the test binary act as a batch helper.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_APP_HELPER") == "1" {
		runFakeBatchHelper()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runFakeBatchHelper() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var cmd map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			continue
		}
		switch cmd["type"] {
		case "execute":
			id, _ := json.Marshal(cmd["jobId"])
			fmt.Printf("{\"pid\":4242,\"jobId\":%s}\n", id)
			fmt.Printf("{\"status\":\"done\",\"jobId\":%s}\n", id)
		case "exit":
			fmt.Println(`{"status":"shutting_down"}`)
			return
		}
	}
}

type fakeBackend struct {
	mu      sync.Mutex
	windows []window.Window
	focused []window.Handle
}

func (f *fakeBackend) Name() string { return "fake" }
func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) ListWindows(context.Context, string) ([]window.Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]window.Window(nil), f.windows...), nil
}

func (f *fakeBackend) Activate(_ context.Context, w window.Window) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focused = append(f.focused, w.Handle)
	return nil
}

func (f *fakeBackend) calls() []window.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]window.Handle(nil), f.focused...)
}

type fakeProcs struct {
	mu    sync.Mutex
	alive map[int]bool
}

func (p *fakeProcs) Probe(pid int) session.Liveness {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.alive[pid] {
		return session.Alive
	}
	return session.Dead
}

func (p *fakeProcs) Terminate(pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive[pid] = false
	return nil
}

func (p *fakeProcs) Processes() ([]session.ProcInfo, error) {
	return nil, nil
}

type fakeLauncher struct {
	procs *fakeProcs
	next  int
}

func (l *fakeLauncher) Launch(context.Context, session.LaunchRequest, func(session.Closed)) (session.Launched, error) {
	l.next++
	l.procs.mu.Lock()
	l.procs.alive[l.next] = true
	l.procs.mu.Unlock()
	return session.Launched{PID: l.next}, nil
}

type fixture struct {
	rt      *Runtime
	conf    *config.Manager
	backend *fakeBackend
	procs   *fakeProcs
}

func newFixture(t *testing.T, specs helper.SpecFunc, prepare func(conf *config.Manager)) *fixture {
	t.Helper()
	conf, err := config.NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	require.NoError(t, conf.Set("notifications.enabled", "false"))
	require.NoError(t, conf.Set("helpers.dir", t.TempDir()))
	if prepare != nil {
		prepare(conf)
	}

	f := &fixture{
		conf: conf,
		backend: &fakeBackend{windows: []window.Window{
			{Title: "Game1", Handle: 100},
			{Title: "Game2", Handle: 200},
		}},
		procs: &fakeProcs{alive: map[int]bool{}},
	}
	f.rt, err = New(conf, Deps{
		Backend:   f.backend,
		Launcher:  &fakeLauncher{procs: f.procs, next: 1000},
		Processes: f.procs,
		Inspector: f.procs,
		Specs:     specs,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.rt.Shutdown(context.Background()) })
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.rt.Start(context.Background()))
}

func TestStartRestoresPersistedSessions(t *testing.T) {
	f := newFixture(t, nil, func(conf *config.Manager) {
		require.NoError(t, session.NewStore(filepath.Join(conf.DataDir(), SessionFile)).Save([]session.Record{
			{AccountID: "1", PID: 10},
			{AccountID: "2", PID: 20},
		}))
	})
	f.procs.alive[10] = true
	f.start(t)

	res := f.rt.RunningInstances()
	require.True(t, res.Success)
	assert.Equal(t, []Instance{{AccountID: "1", PID: 10, Restored: true}}, res.Data)
}

func TestCycleAndToggleThroughCommands(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)
	ctx := context.Background()

	res := f.rt.Cycle(ctx)
	require.True(t, res.Success)
	assert.Equal(t, window.Window{Title: "Game1", Handle: 100}, res.Data)
	f.rt.Cycle(ctx)
	res = f.rt.ToggleLast(ctx)
	assert.Equal(t, window.Handle(100), res.Data.(window.Window).Handle)
	assert.Equal(t, []window.Handle{100, 200, 100}, f.backend.calls())

	// Hotkeys drive the same coordinator.
	f.rt.onHotkey(input.ActionToggle)
	assert.Equal(t, window.Handle(200), f.backend.calls()[3])

	list := f.rt.ListWindows(ctx)
	assert.Len(t, list.Data, 2)
}

func TestFocusWindow(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)

	_, err := f.rt.FocusWindow(context.Background(), window.Window{})
	require.ErrorIs(t, err, ErrInvalidRequest)

	res, err := f.rt.FocusWindow(context.Background(), window.Window{Handle: 200})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []window.Handle{200}, f.backend.calls())
}

func TestLaunchAndCloseGame(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)
	ctx := context.Background()
	bus := f.rt.Bus().Subscribe()

	res, err := f.rt.LaunchGame(ctx, session.LaunchRequest{AccountID: "acc1"})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, Instance{AccountID: "acc1", PID: 1001}, res.Data)

	res, err = f.rt.LaunchGame(ctx, session.LaunchRequest{AccountID: "acc1"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "already running")

	res, err = f.rt.CloseGame(ctx, "acc1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, f.rt.CrashState("acc1"))

	res, err = f.rt.CloseGame(ctx, "acc1")
	require.NoError(t, err)
	assert.True(t, res.Success)

	var types []events.Type
	for len(types) < 2 {
		select {
		case ev := <-bus:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []events.Type{events.SessionStarted, events.SessionClosed}, types)
}

func TestInvalidRequests(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)
	ctx := context.Background()

	res, err := f.rt.LaunchGame(ctx, session.LaunchRequest{})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)

	_, err = f.rt.CloseGame(ctx, "")
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.rt.StartPreset(ctx, batch.Job{})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.rt.StartPreset(ctx, batch.Job{ID: "p", Queue: "sideways"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.rt.CancelPreset(ctx, "", batch.Foreground)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestMissingHelperIsReportedNotThrown(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)
	ctx := context.Background()

	res := f.rt.StartKeyListener(ctx)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, helper.ErrExecutableNotFound.Error())

	res, err := f.rt.StartPreset(ctx, batch.Job{ID: "preset-1"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, f.rt.Presets().Data)

	res = f.rt.StartClickPicker(ctx, true)
	assert.False(t, res.Success)
	assert.False(t, f.rt.LastClick().Success)

	// Native backends run no focus helper.
	assert.True(t, f.rt.StartFocus(ctx).Success)
	assert.True(t, f.rt.StopFocus(ctx).Success)
}

func TestCancelUnknownPresetSucceeds(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)

	res, err := f.rt.CancelPreset(context.Background(), "never-started", batch.Background)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestPresetRunsOnBatchHelper(t *testing.T) {
	specs := func(kind helper.Kind) (helper.Spec, error) {
		return helper.Spec{
			Kind:            kind,
			Path:            os.Args[0],
			Env:             []string{"GO_WANT_APP_HELPER=1"},
			ShutdownCommand: batch.ExitCommand,
			StopGrace:       time.Second,
		}, nil
	}
	f := newFixture(t, specs, nil)
	f.start(t)
	ctx := context.Background()
	sub := f.rt.Bus().Subscribe()

	res, err := f.rt.StartPreset(ctx, batch.Job{ID: ident.MustParse(7), Steps: []batch.Step{{PID: 4242, Key: "F1"}}})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	var (
		progress bool
		ended    *batch.Result
	)
	deadline := time.After(5 * time.Second)
	for ended == nil {
		select {
		case ev := <-sub:
			switch ev.Type {
			case events.JobProgress:
				progress = true
			case events.JobEnded:
				r := ev.Data.(batch.Result)
				ended = &r
			}
		case <-deadline:
			t.Fatal("job never ended")
		}
	}
	assert.True(t, progress)
	assert.Equal(t, batch.StatusDone, ended.Status)
	assert.Equal(t, ident.ID("7"), ended.ID)

	require.NoError(t, f.rt.Shutdown(ctx))
	assert.Equal(t, 0, f.rt.helperReg.Len())
}
