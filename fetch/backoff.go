package fetch

import (
	"sync"
	"time"

	charon "github.com/catacombing/charon"
)

const (
	// retryBaseDelay is the delay before a failed download is re-attempted.
	retryBaseDelay = 3 * time.Second

	// retryMaxDelay caps the exponential backoff growth.
	retryMaxDelay = 5 * time.Minute

	// notFoundTTL bounds how long a definitive upstream miss is remembered
	// before the server is asked again.
	notFoundTTL = 10 * time.Minute
)

// retryState tracks the lazy per-key retry schedule. Failed keys are not
// retried by a background loop; the next access either fails fast or, once
// the deadline has passed, triggers a fresh attempt.
type retryState struct {
	kind     error // ErrTransient or ErrNotFound
	attempts int
	until    time.Time
}

type retryGate struct {
	mu   sync.Mutex
	keys map[charon.TileKey]retryState
	now  func() time.Time
}

func newRetryGate(now func() time.Time) *retryGate {
	return &retryGate{
		keys: make(map[charon.TileKey]retryState),
		now:  now,
	}
}

// check returns the remembered failure kind if the key is still inside its
// backoff or negative-cache window.
func (g *retryGate) check(key charon.TileKey) (error, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.keys[key]
	if !ok {
		return nil, false
	}
	if g.now().After(state.until) {
		delete(g.keys, key)
		return nil, false
	}
	return state.kind, true
}

// fail records a transient failure and schedules the next allowed attempt
// with exponential backoff.
func (g *retryGate) fail(key charon.TileKey) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.keys[key]
	state.kind = ErrTransient
	state.attempts++

	delay := retryBaseDelay << (state.attempts - 1)
	if delay > retryMaxDelay || delay <= 0 {
		delay = retryMaxDelay
	}
	state.until = g.now().Add(delay)
	g.keys[key] = state
}

// notFound records a definitive upstream miss for notFoundTTL.
func (g *retryGate) notFound(key charon.TileKey) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.keys[key] = retryState{kind: ErrNotFound, until: g.now().Add(notFoundTTL)}
}

// clear forgets any failure state after a success.
func (g *retryGate) clear(key charon.TileKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
}
