package input

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/multiboxer/internal/events"
	"github.com/bryanchriswhite/multiboxer/internal/helper"
	"github.com/bryanchriswhite/multiboxer/internal/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"
	"golang.org/x/time/rate"
)

// DefaultActionRate is how many hotkey actions per second reach the focus
// helper. Held keys auto-repeat far faster than that.
const DefaultActionRate = 10.0

// Helpers starts and stops the listener helpers.
type Helpers interface {
	Acquire(ctx context.Context, kind helper.Kind, hooks helper.Hooks) (*helper.Handle, error)
	Stop(ctx context.Context, kind helper.Kind) error
}

// KeyEvent is one line of the key listener.
type KeyEvent struct {
	State string `json:"state"`
	VK    int    `json:"vk"`
	Shift bool   `json:"shift"`
	Ctrl  bool   `json:"ctrl"`
	Alt   bool   `json:"alt"`
}

// Down reports whether the key was pressed rather than released.
func (e KeyEvent) Down() bool {
	return e.State == "down"
}

// Action is what a hotkey does.
type Action string

const (
	ActionCycle  Action = "cycle"
	ActionToggle Action = "toggle"
)

// Binding maps a chord to an action.
type Binding struct {
	Chord  Chord
	Action Action
}

// ParseBindings builds bindings from action to chord text. Empty chords
// are skipped.
func ParseBindings(chords map[Action]string) ([]Binding, error) {
	var out []Binding
	for action, text := range chords {
		if text == "" {
			continue
		}
		c, err := ParseChord(text)
		if err != nil {
			return nil, fmt.Errorf("%s hotkey: %w", action, err)
		}
		out = append(out, Binding{Chord: c, Action: action})
	}
	return out, nil
}

// KeyListener runs the key listener helper and fires bound actions.
type KeyListener struct {
	helpers  Helpers
	bus      events.Publisher
	bindings []Binding
	limiter  *rate.Limiter
	onAction func(Action)
	log      *zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewKeyListener creates a listener. perSecond caps how often actions fire;
// zero uses DefaultActionRate.
func NewKeyListener(helpers Helpers, bus events.Publisher, bindings []Binding, perSecond float64, onAction func(Action)) *KeyListener {
	if perSecond <= 0 {
		perSecond = DefaultActionRate
	}
	return &KeyListener{
		helpers:  helpers,
		bus:      bus,
		bindings: bindings,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), 1),
		onAction: onAction,
		log:      logger.WithComponent("keys"),
	}
}

// Start launches the key listener helper. Starting a running listener is a
// no-op.
func (l *KeyListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}

	_, err := l.helpers.Acquire(ctx, helper.KindKeyListener, helper.Hooks{
		OnLine: l.handleLine,
		OnExit: func(helper.ExitInfo) {
			l.mu.Lock()
			l.running = false
			l.mu.Unlock()
		},
	})
	if err != nil {
		return err
	}
	l.running = true
	l.log.Info().Int("bindings", len(l.bindings)).Msg("Key listener started")
	return nil
}

// Stop shuts the helper down.
func (l *KeyListener) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
	return l.helpers.Stop(ctx, helper.KindKeyListener)
}

// Running reports whether the listener helper is up.
func (l *KeyListener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *KeyListener) handleLine(line helper.Line) {
	var ev KeyEvent
	if err := line.Decode(&ev); err != nil {
		l.log.Debug().Err(err).RawJSON("line", line.Raw).Msg("Ignoring key line")
		return
	}
	if ev.State == "" {
		return
	}
	l.publish(events.InputKey, ev)

	if !ev.Down() {
		return
	}
	for _, b := range l.bindings {
		if !b.Chord.Matches(ev) {
			continue
		}
		if !l.limiter.Allow() {
			l.log.Debug().Str("action", string(b.Action)).Msg("Hotkey rate limited")
			return
		}
		if l.onAction != nil {
			l.onAction(b.Action)
		}
		return
	}
}

func (l *KeyListener) publish(t events.Type, data any) {
	if l.bus != nil {
		l.bus.Publish(events.New(t, data))
	}
}

// Point is a position in window client coordinates.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ClickEvent is one capture of the click listener.
type ClickEvent struct {
	Button string    `json:"button"`
	Client Point     `json:"client"`
	PID    int       `json:"pid"`
	Time   time.Time `json:"time"`
}

// ErrNoClick is returned by Last before anything was captured.
var ErrNoClick = errors.New("no click captured")

// ClickPicker runs the click listener helper for the coordinate picker.
type ClickPicker struct {
	helpers Helpers
	bus     events.Publisher
	log     *zerolog.Logger

	mu      sync.Mutex
	running bool
	oneShot bool
	last    *ClickEvent
}

// NewClickPicker creates a picker.
func NewClickPicker(helpers Helpers, bus events.Publisher) *ClickPicker {
	return &ClickPicker{
		helpers: helpers,
		bus:     bus,
		log:     logger.WithComponent("clicks"),
	}
}

// Start launches the click listener. In one-shot mode the helper is
// stopped after the first capture.
func (p *ClickPicker) Start(ctx context.Context, oneShot bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.oneShot = oneShot
	if p.running {
		return nil
	}

	_, err := p.helpers.Acquire(ctx, helper.KindClickListener, helper.Hooks{
		OnLine: p.handleLine,
		OnExit: func(helper.ExitInfo) {
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
		},
	})
	if err != nil {
		return err
	}
	p.running = true
	p.log.Info().Bool("one_shot", oneShot).Msg("Click picker started")
	return nil
}

// Stop shuts the helper down.
func (p *ClickPicker) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return p.helpers.Stop(ctx, helper.KindClickListener)
}

// Running reports whether the picker helper is up.
func (p *ClickPicker) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Last returns the most recent capture.
func (p *ClickPicker) Last() (ClickEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return ClickEvent{}, ErrNoClick
	}
	return *p.last, nil
}

// rawClick tolerates numeric or named buttons.
type rawClick struct {
	Button any   `json:"button"`
	Client Point `json:"client"`
	PID    int   `json:"pid"`
}

func (p *ClickPicker) handleLine(line helper.Line) {
	if !line.Has("client") {
		p.log.Debug().RawJSON("line", line.Raw).Msg("Ignoring click line")
		return
	}
	var raw rawClick
	if err := line.Decode(&raw); err != nil {
		p.log.Debug().Err(err).RawJSON("line", line.Raw).Msg("Ignoring click line")
		return
	}
	ev := ClickEvent{
		Button: cast.ToString(raw.Button),
		Client: raw.Client,
		PID:    raw.PID,
		Time:   time.Now(),
	}

	p.mu.Lock()
	p.last = &ev
	stop := p.oneShot && p.running
	if stop {
		p.running = false
	}
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(events.New(events.InputClick, ev))
	}
	p.log.Debug().Str("button", ev.Button).Int("x", ev.Client.X).Int("y", ev.Client.Y).Int("pid", ev.PID).Msg("Click captured")

	if stop {
		// This runs on the helper's reader goroutine, which Stop waits on.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.helpers.Stop(ctx, helper.KindClickListener); err != nil {
				p.log.Warn().Err(err).Msg("Failed to stop click picker")
			}
		}()
	}
}
