// Package api exposes the runtime commands over HTTP and streams bus events
// to UI windows over a WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/multiboxer/internal/app"
	"github.com/bryanchriswhite/multiboxer/internal/batch"
	"github.com/bryanchriswhite/multiboxer/internal/config"
	"github.com/bryanchriswhite/multiboxer/internal/events"
	"github.com/bryanchriswhite/multiboxer/internal/ident"
	"github.com/bryanchriswhite/multiboxer/internal/logger"
	"github.com/bryanchriswhite/multiboxer/internal/session"
	"github.com/bryanchriswhite/multiboxer/internal/window"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"
)

// Version is reported by the health endpoint.
var Version = "0.1.0"

// writeWait bounds a single WebSocket write.
const writeWait = 10 * time.Second

// Commands is the part of app.Runtime the server drives.
type Commands interface {
	Bus() *events.Bus
	Config() config.Config

	StartFocus(ctx context.Context) app.Result
	StopFocus(ctx context.Context) app.Result
	Cycle(ctx context.Context) app.Result
	ToggleLast(ctx context.Context) app.Result
	FocusWindow(ctx context.Context, w window.Window) (app.Result, error)
	ListWindows(ctx context.Context) app.Result

	LaunchGame(ctx context.Context, req session.LaunchRequest) (app.Result, error)
	CloseGame(ctx context.Context, accountID ident.ID) (app.Result, error)
	RunningInstances() app.Result

	StartPreset(ctx context.Context, job batch.Job) (app.Result, error)
	CancelPreset(ctx context.Context, id ident.ID, queue batch.Queue) (app.Result, error)
	Presets() app.Result

	StartKeyListener(ctx context.Context) app.Result
	StopKeyListener(ctx context.Context) app.Result
	StartClickPicker(ctx context.Context, oneShot bool) app.Result
	StopClickPicker(ctx context.Context) app.Result
	LastClick() app.Result
}

// Server represents the HTTP API server
type Server struct {
	router   *mux.Router
	cmds     Commands
	upgrader websocket.Upgrader
	log      *zerolog.Logger

	mu     sync.Mutex
	http   *http.Server
	closed bool
}

// NewServer creates a new API server
func NewServer(cmds Commands) *Server {
	s := &Server{
		router: mux.NewRouter(),
		cmds:   cmds,
		upgrader: websocket.Upgrader{
			// The UI is served from a local file origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger.WithComponent("api"),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/config", s.handleConfig).Methods("GET")

	// Focus
	api.HandleFunc("/windows", s.handleListWindows).Methods("GET")
	api.HandleFunc("/focus", s.handleFocusWindow).Methods("POST")
	api.HandleFunc("/focus/start", s.simple(s.cmds.StartFocus)).Methods("POST")
	api.HandleFunc("/focus/stop", s.simple(s.cmds.StopFocus)).Methods("POST")
	api.HandleFunc("/focus/cycle", s.simple(s.cmds.Cycle)).Methods("POST")
	api.HandleFunc("/focus/toggle", s.simple(s.cmds.ToggleLast)).Methods("POST")

	// Game sessions
	api.HandleFunc("/sessions", s.handleRunning).Methods("GET")
	api.HandleFunc("/sessions/{accountId}", s.handleLaunch).Methods("POST")
	api.HandleFunc("/sessions/{accountId}", s.handleClose).Methods("DELETE")

	// Presets
	api.HandleFunc("/jobs", s.handlePresets).Methods("GET")
	api.HandleFunc("/jobs/{jobId}", s.handleStartPreset).Methods("POST")
	api.HandleFunc("/jobs/{jobId}", s.handleCancelPreset).Methods("DELETE")

	// Listeners
	api.HandleFunc("/listeners/keys", s.simple(s.cmds.StartKeyListener)).Methods("POST")
	api.HandleFunc("/listeners/keys", s.simple(s.cmds.StopKeyListener)).Methods("DELETE")
	api.HandleFunc("/listeners/clicks", s.handleStartClicks).Methods("POST")
	api.HandleFunc("/listeners/clicks", s.simple(s.cmds.StopClickPicker)).Methods("DELETE")
	api.HandleFunc("/listeners/clicks/last", s.handleLastClick).Methods("GET")

	api.HandleFunc("/events", s.handleEvents)
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until Shutdown. It returns http.ErrServerClosed after
// a clean shutdown.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return http.ErrServerClosed
	}
	s.http = srv
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("Starting server")
	return srv.Serve(ln)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write response")
	}
}

// writeResult sends res. Invalid requests are the caller's fault and get a
// 400; every other outcome is a 200 carrying success or the error text.
func (s *Server) writeResult(w http.ResponseWriter, res app.Result, err error) {
	status := http.StatusOK
	if errors.Is(err, app.ErrInvalidRequest) {
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, res)
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	s.writeJSON(w, http.StatusBadRequest, app.Result{Error: err.Error()})
}

// decodeBody decodes an optional JSON body into v.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) simple(cmd func(context.Context) app.Result) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeResult(w, cmd(r.Context()), nil)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cmds.Config())
}

func (s *Server) handleListWindows(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.cmds.ListWindows(r.Context()), nil)
}

func (s *Server) handleFocusWindow(w http.ResponseWriter, r *http.Request) {
	var target window.Window
	if err := decodeBody(r, &target); err != nil {
		s.badRequest(w, err)
		return
	}
	res, err := s.cmds.FocusWindow(r.Context(), target)
	s.writeResult(w, res, err)
}

func (s *Server) handleRunning(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.cmds.RunningInstances(), nil)
}

// pathID reads an account or job id from the path.
func pathID(r *http.Request, name string) (ident.ID, error) {
	return ident.Parse(mux.Vars(r)[name])
}

// launchBody carries the credentials the launch helper needs. They are not
// logged or persisted.
type launchBody struct {
	Exe      string `json:"exe"`
	User     string `json:"user"`
	Password string `json:"password"`
	Role     string `json:"role"`
	Extra    string `json:"extra"`
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "accountId")
	if err != nil {
		s.badRequest(w, err)
		return
	}
	var body launchBody
	if err := decodeBody(r, &body); err != nil {
		s.badRequest(w, err)
		return
	}
	res, err := s.cmds.LaunchGame(r.Context(), session.LaunchRequest{
		AccountID: id,
		Exe:       body.Exe,
		User:      body.User,
		Password:  body.Password,
		Role:      body.Role,
		Extra:     body.Extra,
	})
	s.writeResult(w, res, err)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "accountId")
	if err != nil {
		s.badRequest(w, err)
		return
	}
	res, err := s.cmds.CloseGame(r.Context(), id)
	s.writeResult(w, res, err)
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.cmds.Presets(), nil)
}

func (s *Server) handleStartPreset(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "jobId")
	if err != nil {
		s.badRequest(w, err)
		return
	}
	var job batch.Job
	if err := decodeBody(r, &job); err != nil {
		s.badRequest(w, err)
		return
	}
	job.ID = id
	res, err := s.cmds.StartPreset(r.Context(), job)
	s.writeResult(w, res, err)
}

func (s *Server) handleCancelPreset(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "jobId")
	if err != nil {
		s.badRequest(w, err)
		return
	}
	queue := batch.Queue(r.URL.Query().Get("queue"))
	res, err := s.cmds.CancelPreset(r.Context(), id, queue)
	s.writeResult(w, res, err)
}

func (s *Server) handleStartClicks(w http.ResponseWriter, r *http.Request) {
	oneShot := cast.ToBool(r.URL.Query().Get("oneShot"))
	s.writeResult(w, s.cmds.StartClickPicker(r.Context(), oneShot), nil)
}

func (s *Server) handleLastClick(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.cmds.LastClick(), nil)
}

// handleEvents streams every bus event to one UI connection until either
// side goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	bus := s.cmds.Bus()
	updates := bus.Subscribe()
	defer bus.Unsubscribe(updates)

	// The client never sends anything; reading surfaces its disconnect.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.log.Debug().Str("remote", r.RemoteAddr).Msg("Event stream connected")
	for {
		select {
		case ev, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug().Err(err).Msg("Event stream write failed")
				return
			}
		case <-gone:
			s.log.Debug().Str("remote", r.RemoteAddr).Msg("Event stream disconnected")
			return
		}
	}
}
