package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/bryanchriswhite/multiboxer/internal/ident"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

type fakeHandle struct {
	mu      sync.Mutex
	pid     int
	alive   bool
	killErr error
	killed  int
}

func newFake(pid int) *fakeHandle { return &fakeHandle{pid: pid, alive: true} }

func (f *fakeHandle) PID() int { return f.pid }

func (f *fakeHandle) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeHandle) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed++
	if f.killErr != nil {
		return f.killErr
	}
	f.alive = false
	return nil
}

func (f *fakeHandle) exit() {
	f.mu.Lock()
	f.alive = false
	f.mu.Unlock()
}

func TestRegisterThenIsRunning(t *testing.T) {
	r := New("test")
	keys := []Key{
		AccountKey(ident.MustParse("acc1")),
		AccountKey(ident.MustParse(2)),
		HelperKey("cycle-focus"),
		JobKey(ident.MustParse("preset-1")),
	}

	for i, k := range keys {
		require.NoError(t, r.Register(k, newFake(100+i)))
		assert.True(t, r.IsRunning(k), "registered %s should be running", k)
	}

	for _, k := range keys {
		r.Unregister(k)
		assert.False(t, r.IsRunning(k), "unregistered %s should not be running", k)
	}
	assert.Equal(t, 0, r.Len())
}

func TestRegisterLiveDuplicateFails(t *testing.T) {
	r := New("test")
	key := AccountKey("acc1")
	first := newFake(1)

	require.NoError(t, r.Register(key, first))
	err := r.Register(key, newFake(2))
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	h, ok := r.Get(key)
	require.True(t, ok)
	assert.Same(t, first, h)
}

func TestRegisterReplacesDeadEntry(t *testing.T) {
	r := New("test")
	key := HelperKey("batch-focus")
	old := newFake(1)
	require.NoError(t, r.Register(key, old))

	old.exit()
	assert.False(t, r.IsRunning(key))

	replacement := newFake(2)
	require.NoError(t, r.Register(key, replacement))
	assert.True(t, r.IsRunning(key))
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := New("test")
	key := JobKey("missing")
	r.Unregister(key)
	r.Unregister(key)
	assert.False(t, r.IsRunning(key))
}

func TestUnregisterIfIgnoresReplacedHandle(t *testing.T) {
	r := New("test")
	key := HelperKey("key-listener")
	old := newFake(1)
	require.NoError(t, r.Register(key, old))
	old.exit()

	current := newFake(2)
	require.NoError(t, r.Register(key, current))

	assert.False(t, r.UnregisterIf(key, old))
	assert.True(t, r.IsRunning(key))
	assert.True(t, r.UnregisterIf(key, current))
	assert.False(t, r.IsRunning(key))
}

func TestKillAllToleratesFailures(t *testing.T) {
	r := New("test")
	ok1 := newFake(1)
	broken := newFake(2)
	broken.killErr = errors.New("access denied")
	ok2 := newFake(3)

	require.NoError(t, r.Register(HelperKey("a"), ok1))
	require.NoError(t, r.Register(HelperKey("b"), broken))
	require.NoError(t, r.Register(HelperKey("c"), ok2))

	err := r.KillAll()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)

	assert.Equal(t, 1, ok1.killed)
	assert.Equal(t, 1, broken.killed)
	assert.Equal(t, 1, ok2.killed)
	assert.Equal(t, 0, r.Len())
}

type panicHandle struct{ fakeHandle }

func (p *panicHandle) Kill() error { panic("boom") }

func TestKillAllSurvivesPanickingHandle(t *testing.T) {
	r := New("test")
	good := newFake(1)
	require.NoError(t, r.Register(HelperKey("good"), good))
	require.NoError(t, r.Register(HelperKey("bad"), &panicHandle{fakeHandle{pid: 2, alive: true}}))

	err := r.KillAll()
	require.Error(t, err)
	assert.Equal(t, 1, good.killed)
}

func TestKeysSorted(t *testing.T) {
	r := New("test")
	require.NoError(t, r.Register(HelperKey("z"), newFake(1)))
	require.NoError(t, r.Register(AccountKey("a"), newFake(2)))

	keys := r.Keys()
	require.Len(t, keys, 2)
	assert.Equal(t, "account:a", keys[0].String())
	assert.Equal(t, "helper:z", keys[1].String())
}
