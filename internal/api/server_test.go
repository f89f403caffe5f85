package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/multiboxer/internal/app"
	"github.com/bryanchriswhite/multiboxer/internal/batch"
	"github.com/bryanchriswhite/multiboxer/internal/config"
	"github.com/bryanchriswhite/multiboxer/internal/events"
	"github.com/bryanchriswhite/multiboxer/internal/ident"
	"github.com/bryanchriswhite/multiboxer/internal/session"
	"github.com/bryanchriswhite/multiboxer/internal/window"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCommands records calls and answers with canned results.
type fakeCommands struct {
	bus *events.Bus

	mu       sync.Mutex
	calls    []string
	launched []session.LaunchRequest
	jobs     []batch.Job
	cancels  []batch.Queue
	oneShot  bool
	focused  []window.Window
}

func (f *fakeCommands) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeCommands) Bus() *events.Bus      { return f.bus }
func (f *fakeCommands) Config() config.Config { return config.Config{ServerPort: 9999} }

func (f *fakeCommands) StartFocus(context.Context) app.Result {
	f.record("StartFocus")
	return app.Result{Success: true}
}

func (f *fakeCommands) StopFocus(context.Context) app.Result {
	f.record("StopFocus")
	return app.Result{Success: true}
}

func (f *fakeCommands) Cycle(context.Context) app.Result {
	f.record("Cycle")
	return app.Result{Success: true, Data: window.Window{Title: "Game1", Handle: 1}}
}

func (f *fakeCommands) ToggleLast(context.Context) app.Result {
	f.record("ToggleLast")
	return app.Result{Success: true}
}

func (f *fakeCommands) FocusWindow(_ context.Context, w window.Window) (app.Result, error) {
	f.mu.Lock()
	f.focused = append(f.focused, w)
	f.mu.Unlock()
	if w.Handle == 0 && w.PID == 0 {
		return app.Result{Error: "invalid request"}, app.ErrInvalidRequest
	}
	return app.Result{Success: true}, nil
}

func (f *fakeCommands) ListWindows(context.Context) app.Result {
	return app.Result{Success: true, Data: []window.Window{{Title: "Game1", Handle: 1}}}
}

func (f *fakeCommands) LaunchGame(_ context.Context, req session.LaunchRequest) (app.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, req)
	return app.Result{Success: true, Data: app.Instance{AccountID: req.AccountID, PID: 42}}, nil
}

func (f *fakeCommands) CloseGame(_ context.Context, id ident.ID) (app.Result, error) {
	f.record("CloseGame:" + id.String())
	return app.Result{Success: true}, nil
}

func (f *fakeCommands) RunningInstances() app.Result {
	return app.Result{Success: true, Data: []app.Instance{{AccountID: "1", PID: 10}}}
}

func (f *fakeCommands) StartPreset(_ context.Context, job batch.Job) (app.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	if job.Queue == "sideways" {
		return app.Result{Error: "invalid request"}, app.ErrInvalidRequest
	}
	return app.Result{Success: true, Data: map[string]string{"requestId": "r1"}}, nil
}

func (f *fakeCommands) CancelPreset(_ context.Context, id ident.ID, q batch.Queue) (app.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, q)
	return app.Result{Success: true}, nil
}

func (f *fakeCommands) Presets() app.Result { return app.Result{Success: true} }

func (f *fakeCommands) StartKeyListener(context.Context) app.Result {
	f.record("StartKeyListener")
	return app.Result{Error: "helper executable not found"}
}

func (f *fakeCommands) StopKeyListener(context.Context) app.Result {
	f.record("StopKeyListener")
	return app.Result{Success: true}
}

func (f *fakeCommands) StartClickPicker(_ context.Context, oneShot bool) app.Result {
	f.mu.Lock()
	f.oneShot = oneShot
	f.mu.Unlock()
	return app.Result{Success: true}
}

func (f *fakeCommands) StopClickPicker(context.Context) app.Result {
	f.record("StopClickPicker")
	return app.Result{Success: true}
}

func (f *fakeCommands) LastClick() app.Result { return app.Result{Error: "no click captured"} }

// snapshot copies the recorded calls.
func (f *fakeCommands) snapshot() fakeCommands {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeCommands{
		calls:    append([]string(nil), f.calls...),
		launched: append([]session.LaunchRequest(nil), f.launched...),
		jobs:     append([]batch.Job(nil), f.jobs...),
		cancels:  append([]batch.Queue(nil), f.cancels...),
		oneShot:  f.oneShot,
		focused:  append([]window.Window(nil), f.focused...),
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeCommands) {
	t.Helper()
	cmds := &fakeCommands{bus: events.NewBus(8)}
	ts := httptest.NewServer(NewServer(cmds).Handler())
	t.Cleanup(ts.Close)
	return ts, cmds
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) (int, app.Result) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var res app.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return resp.StatusCode, res
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestSimpleRoutes(t *testing.T) {
	ts, cmds := newTestServer(t)

	routes := []struct {
		method, path, call string
	}{
		{"POST", "/api/focus/start", "StartFocus"},
		{"POST", "/api/focus/stop", "StopFocus"},
		{"POST", "/api/focus/cycle", "Cycle"},
		{"POST", "/api/focus/toggle", "ToggleLast"},
		{"POST", "/api/listeners/keys", "StartKeyListener"},
		{"DELETE", "/api/listeners/keys", "StopKeyListener"},
		{"DELETE", "/api/listeners/clicks", "StopClickPicker"},
	}
	for _, r := range routes {
		t.Run(r.method+" "+r.path, func(t *testing.T) {
			status, _ := do(t, ts, r.method, r.path, "")
			assert.Equal(t, http.StatusOK, status)
			calls := cmds.snapshot().calls
			assert.Equal(t, r.call, calls[len(calls)-1])
		})
	}
}

func TestOperationalFailureIsOK(t *testing.T) {
	ts, _ := newTestServer(t)

	status, res := do(t, ts, "POST", "/api/listeners/keys", "")
	assert.Equal(t, http.StatusOK, status)
	assert.False(t, res.Success)
	assert.Equal(t, "helper executable not found", res.Error)
}

func TestFocusWindowRoute(t *testing.T) {
	ts, cmds := newTestServer(t)

	status, res := do(t, ts, "POST", "/api/focus", `{"windowHandle": 200}`)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, res.Success)
	assert.Equal(t, window.Handle(200), cmds.snapshot().focused[0].Handle)

	status, _ = do(t, ts, "POST", "/api/focus", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, ts, "POST", "/api/focus", "{not json")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSessionRoutes(t *testing.T) {
	ts, cmds := newTestServer(t)

	status, res := do(t, ts, "POST", "/api/sessions/7", `{"exe":"C:/game/Game.exe","user":"u","password":"p"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, res.Success)

	launched := cmds.snapshot().launched
	require.Len(t, launched, 1)
	req := launched[0]
	assert.Equal(t, ident.ID("7"), req.AccountID)
	assert.Equal(t, "C:/game/Game.exe", req.Exe)
	assert.Equal(t, "p", req.Password)

	status, _ = do(t, ts, "DELETE", "/api/sessions/7", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, cmds.snapshot().calls, "CloseGame:7")

	status, res = do(t, ts, "GET", "/api/sessions", "")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, res.Success)
}

func TestPresetRoutes(t *testing.T) {
	ts, cmds := newTestServer(t)

	status, res := do(t, ts, "POST", "/api/jobs/p1", `{"commands":[{"pid":4,"key":"F1"}],"loop":true,"queue":"background"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, res.Success)
	jobs := cmds.snapshot().jobs
	require.Len(t, jobs, 1)
	assert.Equal(t, ident.ID("p1"), jobs[0].ID)
	assert.Equal(t, batch.Background, jobs[0].Queue)
	assert.True(t, jobs[0].Loop)
	assert.Equal(t, []batch.Step{{PID: 4, Key: "F1"}}, jobs[0].Steps)

	status, _ = do(t, ts, "POST", "/api/jobs/p2", `{"queue":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, ts, "DELETE", "/api/jobs/p1?queue=background", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []batch.Queue{batch.Background}, cmds.snapshot().cancels)
}

func TestClickPickerRoutes(t *testing.T) {
	ts, cmds := newTestServer(t)

	status, _ := do(t, ts, "POST", "/api/listeners/clicks?oneShot=true", "")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, cmds.snapshot().oneShot)

	status, res := do(t, ts, "GET", "/api/listeners/clicks/last", "")
	assert.Equal(t, http.StatusOK, status)
	assert.False(t, res.Success)
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/focus/cycle")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	ts, cmds := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return cmds.bus.Len() == 1 }, time.Second, 5*time.Millisecond)
	cmds.bus.Publish(events.New(events.SessionStarted, map[string]any{"accountId": "1", "pid": 10}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got struct {
		Type events.Type    `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, events.SessionStarted, got.Type)
	assert.Equal(t, "1", got.Data["accountId"])

	// Disconnecting unsubscribes.
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return cmds.bus.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEventStreamClosesWithBus(t *testing.T) {
	ts, cmds := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return cmds.bus.Len() == 1 }, time.Second, 5*time.Millisecond)
	cmds.bus.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
