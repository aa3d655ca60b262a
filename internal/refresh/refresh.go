// Package refresh fills cache tiers from upstream.
//
// An Orchestrator wraps one cache tier and one fetch function and implements
// stale-while-revalidate on top of them:
//
//   - Fresh entries are returned as-is.
//   - Absent entries are fetched synchronously, written, then returned.
//   - Stale entries are returned immediately; a background refill is started.
//
// All upstream fetches for the same key are coalesced: at most one is in flight
// at a time and every concurrent caller receives its result.
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pipeboard/pipeboard/internal/cache"
)

// FetchFunc retrieves the current upstream value for a cache key.
type FetchFunc[T any] func(ctx context.Context, key string) (T, error)

// Policy decides what a stale read does.
type Policy int

const (
	// RefillEager starts a background refill on every stale read.
	RefillEager Policy = iota
	// RefillOnDemand serves stale data without refilling; only Refresh and
	// absent reads go upstream.
	RefillOnDemand
)

// DefaultRefillTimeout bounds an upstream fetch.
const DefaultRefillTimeout = 30 * time.Second

// Options configures an Orchestrator.
type Options struct {
	Policy        Policy
	RefillTimeout time.Duration // bounds every upstream fetch; defaults to DefaultRefillTimeout
	Logger        *slog.Logger  // defaults to slog.Default()
}

// Orchestrator coordinates reads of a tier with upstream fetches.
type Orchestrator[T any] struct {
	tier    *cache.TierCache[T]
	fetch   FetchFunc[T]
	policy  Policy
	timeout time.Duration
	logger  *slog.Logger

	flights singleflight.Group
	pending sync.WaitGroup
}

// New creates an Orchestrator for tier backed by fetch.
func New[T any](tier *cache.TierCache[T], fetch FetchFunc[T], opts Options) *Orchestrator[T] {
	if opts.RefillTimeout <= 0 {
		opts.RefillTimeout = DefaultRefillTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator[T]{
		tier:    tier,
		fetch:   fetch,
		policy:  opts.Policy,
		timeout: opts.RefillTimeout,
		logger:  opts.Logger.With("tier", tier.Tier().String()),
	}
}

// Tier returns the tier this orchestrator fills.
func (o *Orchestrator[T]) Tier() *cache.TierCache[T] {
	return o.tier
}

// Get returns the cached value for key, fetching it first if absent.
//
// A stale value is returned immediately with IsStale() set; depending on the
// policy a background refill is started. The error is non-nil only when the
// key was absent and the synchronous fetch failed.
func (o *Orchestrator[T]) Get(ctx context.Context, key string) (cache.Result[T], error) {
	res := o.tier.Read(key)

	switch res.State {
	case cache.StateFresh:
		return res, nil

	case cache.StateStale:
		if o.policy == RefillEager {
			o.refillAsync(ctx, key)
		}
		return res, nil

	default:
		if _, err := o.Refresh(ctx, key); err != nil {
			return res, err
		}
		return o.tier.Read(key), nil
	}
}

// Refresh fetches key from upstream and writes it to the tier, regardless of
// the current cache state. Concurrent refreshes of the same key share one
// upstream call. On failure nothing is written.
//
// The shared call runs detached from ctx, bounded by the refill timeout, so
// one caller going away does not fail the others. A canceled caller stops
// waiting and gets ctx.Err(); the fetch still completes and is written.
func (o *Orchestrator[T]) Refresh(ctx context.Context, key string) (T, error) {
	ch := o.flights.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
		defer cancel()
		return o.fetchAndWrite(fetchCtx, key)
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		if r.Shared {
			o.logger.Debug("joined in-flight fetch", "key", key)
		}
		if r.Err != nil {
			return zero, r.Err
		}
		value, _ := r.Val.(T)
		return value, nil
	}
}

func (o *Orchestrator[T]) fetchAndWrite(ctx context.Context, key string) (T, error) {
	start := time.Now()
	value, err := o.fetch(ctx, key)
	if err != nil {
		o.logger.Debug("upstream fetch failed", "key", key, "error", err)
		return value, err
	}
	o.tier.Write(key, value)
	o.logger.Debug("upstream fetch stored", "key", key, "duration", time.Since(start))
	return value, nil
}

// refillAsync starts a background refresh unless one is already running for key.
// The refill outlives the request that triggered it, so it runs on a detached
// context bounded by the refill timeout.
func (o *Orchestrator[T]) refillAsync(ctx context.Context, key string) {
	refillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)

	ch := o.flights.DoChan(key, func() (any, error) {
		return o.fetchAndWrite(refillCtx, key)
	})

	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		defer cancel()
		if r := <-ch; r.Err != nil {
			o.logger.Warn("background refill failed, serving stale data", "key", key, "error", r.Err)
		}
	}()
}

// Wait blocks until all background refills started so far have finished.
func (o *Orchestrator[T]) Wait() {
	o.pending.Wait()
}
