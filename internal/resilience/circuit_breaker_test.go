package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newBreaker(threshold int) (*CircuitBreaker, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: threshold,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}, clock)
	return cb, clock
}

func TestCircuitBreakerDefaultsClosed(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{}, nil)

	if state := cb.State(); state != CircuitClosed {
		t.Errorf("expected closed state, got %s", state)
	}
	if !cb.Allow() {
		t.Error("expected request to be allowed when circuit is closed")
	}
	if cb.RetryIn() != 0 {
		t.Error("expected no retry delay when closed")
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb, _ := newBreaker(3)

	for range 3 {
		cb.RecordFailure()
	}

	if state := cb.State(); state != CircuitOpen {
		t.Errorf("expected open state, got %s", state)
	}
	if cb.Allow() {
		t.Error("expected request to be rejected when circuit is open")
	}
	if got := cb.RetryIn(); got != 30*time.Second {
		t.Errorf("expected 30s retry delay, got %v", got)
	}
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb, _ := newBreaker(3)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if state := cb.State(); state != CircuitClosed {
		t.Errorf("failures are consecutive; expected closed, got %s", state)
	}
}

func TestCircuitBreakerHalfOpenAfterTimeout(t *testing.T) {
	cb, clock := newBreaker(1)
	cb.RecordFailure()

	clock.Advance(30 * time.Second)

	if state := cb.State(); state != CircuitHalfOpen {
		t.Errorf("expected half_open state, got %s", state)
	}
	if !cb.Allow() {
		t.Fatal("expected one probe request in half-open state")
	}
	if cb.Allow() {
		t.Error("expected second concurrent probe to be rejected")
	}
}

func TestCircuitBreakerClosesAfterSuccesses(t *testing.T) {
	cb, clock := newBreaker(1)
	cb.RecordFailure()
	clock.Advance(31 * time.Second)

	for i := range 2 {
		if !cb.Allow() {
			t.Fatalf("probe %d rejected", i+1)
		}
		cb.RecordSuccess()
	}

	if state := cb.State(); state != CircuitClosed {
		t.Errorf("expected closed state, got %s", state)
	}
}

func TestCircuitBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb, clock := newBreaker(1)
	cb.RecordFailure()
	clock.Advance(31 * time.Second)

	if !cb.Allow() {
		t.Fatal("expected probe to be allowed")
	}
	cb.RecordFailure()

	if state := cb.State(); state != CircuitOpen {
		t.Errorf("expected open state, got %s", state)
	}
	if cb.Allow() {
		t.Error("expected rejection right after reopening")
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb, _ := newBreaker(1)
	cb.RecordFailure()
	cb.Reset()

	if state := cb.State(); state != CircuitClosed {
		t.Errorf("expected closed state after reset, got %s", state)
	}
}

func TestCircuitBreakerConcurrentUse(t *testing.T) {
	cb, _ := newBreaker(1000)

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			if cb.Allow() {
				cb.RecordFailure()
			}
		})
	}
	wg.Wait()

	if state := cb.State(); state != CircuitClosed {
		t.Errorf("expected closed state below threshold, got %s", state)
	}
}

func TestRetryGate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewRetryGate(time.Minute, clock)

	if g.BlockedFor() != 0 {
		t.Fatal("new gate should be open")
	}

	g.Block(10 * time.Second)
	if got := g.BlockedFor(); got != 10*time.Second {
		t.Errorf("expected 10s, got %v", got)
	}

	// Shorter blocks don't shorten the window.
	g.Block(2 * time.Second)
	if got := g.BlockedFor(); got != 10*time.Second {
		t.Errorf("expected 10s, got %v", got)
	}

	clock.Advance(11 * time.Second)
	if g.BlockedFor() != 0 {
		t.Error("gate should reopen after the window")
	}

	g.Block(time.Hour)
	if got := g.BlockedFor(); got != time.Minute {
		t.Errorf("expected block clamped to 1m, got %v", got)
	}
}
