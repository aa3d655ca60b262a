package resilience

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RetryGate holds requests back while the upstream's Retry-After window is
// open. It is set from 429 responses.
type RetryGate struct {
	max   time.Duration
	clock clockwork.Clock

	mu    sync.Mutex
	until time.Time
}

// NewRetryGate creates an open gate. Retry-After values above maxWait are
// clamped; maxWait <= 0 selects 5 minutes.
func NewRetryGate(maxWait time.Duration, clock clockwork.Clock) *RetryGate {
	if maxWait <= 0 {
		maxWait = 5 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RetryGate{max: maxWait, clock: clock}
}

// Block closes the gate for d. A shorter block never shortens an existing one.
func (g *RetryGate) Block(d time.Duration) {
	if d <= 0 {
		return
	}
	d = min(d, g.max)

	g.mu.Lock()
	defer g.mu.Unlock()
	if until := g.clock.Now().Add(d); until.After(g.until) {
		g.until = until
	}
}

// BlockedFor returns how long until the Retry-After window expires.
// Returns zero if not blocked.
func (g *RetryGate) BlockedFor() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.until.IsZero() {
		return 0
	}
	remaining := g.until.Sub(g.clock.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}
