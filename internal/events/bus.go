// Package events fans out orchestration events to UI connections and the
// desktop notifier.
package events

import (
	"sync"
	"time"
)

// Type names an event.
type Type string

const (
	SessionStarted Type = "session.started"
	SessionClosed  Type = "session.closed"
	SessionCrashed Type = "session.crashed"
	SessionError   Type = "session.error"
	JobProgress    Type = "job.progress"
	JobEnded       Type = "job.ended"
	HelperExited   Type = "helper.exited"
	InputKey       Type = "input.key"
	InputClick     Type = "input.click"
	FocusChanged   Type = "focus.changed"
)

// Event is one notification published on the bus.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// New returns an event stamped with the current time.
func New(t Type, data any) Event {
	return Event{Type: t, Time: time.Now(), Data: data}
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(Event)
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Bus delivers every published event to every subscriber.
type Bus struct {
	mu        sync.RWMutex
	listeners []chan Event
	buffer    int
	closed    bool
}

// NewBus creates a bus whose subscriber channels hold buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{buffer: buffer}
}

// Subscribe adds a listener
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.listeners = append(b.listeners, ch)
	return ch
}

// Unsubscribe removes a listener and closes its channel
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

// Publish delivers e to every subscriber without blocking. A subscriber whose
// buffer is full misses the event.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, listener := range b.listeners {
		select {
		case listener <- e:
		default:
			// Skip if channel is full
		}
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Close closes every subscriber channel. Later subscribers get a closed
// channel and later publishes go nowhere.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.listeners {
		close(ch)
	}
	b.listeners = nil
}
