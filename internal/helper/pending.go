package helper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewRequestID returns a fresh correlation id for a request/response pair.
func NewRequestID() string {
	return uuid.NewString()
}

type outcome[T any] struct {
	value T
	err   error
}

// Pending correlates requests written to a helper with the responses read
// back from it. Every waiter completes exactly once: with a value, an error,
// or ErrTimeout.
type Pending[T any] struct {
	mu      sync.Mutex
	waiters map[string]chan outcome[T]
}

// NewPending returns an empty correlation table.
func NewPending[T any]() *Pending[T] {
	return &Pending[T]{waiters: make(map[string]chan outcome[T])}
}

// Waiter is the receiving end of one pending request.
type Waiter[T any] struct {
	p   *Pending[T]
	key string
	ch  chan outcome[T]
}

// Expect registers interest in key. Registering a key twice is an error.
func (p *Pending[T]) Expect(key string) (*Waiter[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.waiters[key]; ok {
		return nil, fmt.Errorf("request %q already pending", key)
	}
	ch := make(chan outcome[T], 1)
	p.waiters[key] = ch
	return &Waiter[T]{p: p, key: key, ch: ch}, nil
}

// Resolve completes key with value. It returns false when nothing waits on
// key, which is how late responses are ignored.
func (p *Pending[T]) Resolve(key string, value T) bool {
	return p.complete(key, outcome[T]{value: value})
}

// Fail completes key with err.
func (p *Pending[T]) Fail(key string, err error) bool {
	return p.complete(key, outcome[T]{err: err})
}

// FailAll completes every waiter with err.
func (p *Pending[T]) FailAll(err error) {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[string]chan outcome[T])
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- outcome[T]{err: err}
	}
}

// Len returns the number of outstanding waiters.
func (p *Pending[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

func (p *Pending[T]) complete(key string, o outcome[T]) bool {
	p.mu.Lock()
	ch, ok := p.waiters[key]
	delete(p.waiters, key)
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- o
	return true
}

// Wait blocks until the request completes, timeout elapses or ctx is done.
// A timeout removes the waiter so a late response is dropped.
func (w *Waiter[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	select {
	case o := <-w.ch:
		return o.value, o.err
	case <-timeoutC:
		return w.abandon(ErrTimeout)
	case <-ctx.Done():
		return w.abandon(ctx.Err())
	}
}

// Cancel withdraws the waiter without waiting.
func (w *Waiter[T]) Cancel() {
	w.p.mu.Lock()
	if ch, ok := w.p.waiters[w.key]; ok && ch == w.ch {
		delete(w.p.waiters, w.key)
	}
	w.p.mu.Unlock()
}

// abandon removes the waiter, preferring an outcome that raced in first.
func (w *Waiter[T]) abandon(err error) (T, error) {
	w.Cancel()
	select {
	case o := <-w.ch:
		return o.value, o.err
	default:
		var zero T
		return zero, err
	}
}
