package cache

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pipeboard/pipeboard/internal/store"
)

// TierOptions configures a TierCache.
type TierOptions struct {
	Store   *store.Store    // nil keeps the tier in memory only
	Clock   clockwork.Clock // defaults to the real clock
	Logger  *slog.Logger    // defaults to slog.Default()
	Metrics *Metrics        // optional
}

// TierStatus summarizes the contents of a tier at a point in time.
type TierStatus struct {
	Tier    Tier          `json:"tier"`
	TTL     time.Duration `json:"ttl"`
	Entries int           `json:"entries"`
	Fresh   int           `json:"fresh"`
	Stale   int           `json:"stale"`
}

// TierCache is one typed cache tier.
//
// The in-memory map is the live state; every Write also persists a snapshot
// of the whole map. Reads and writes are safe for concurrent use. No lock is
// held while the snapshot is being written to disk.
type TierCache[T any] struct {
	tier    Tier
	clock   clockwork.Clock
	store   *store.Store
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]Entry[T]

	// persistMu serializes snapshot writes for this tier. Each persist copies
	// the map after acquiring it, so the last snapshot written always contains
	// every write that completed before it.
	persistMu sync.Mutex
}

// NewTierCache creates an empty tier. Call Load to warm it from its snapshot.
func NewTierCache[T any](tier Tier, ttl time.Duration, opts TierOptions) *TierCache[T] {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &TierCache[T]{
		tier:    tier,
		clock:   opts.Clock,
		store:   opts.Store,
		logger:  opts.Logger.With("tier", tier.String()),
		metrics: opts.Metrics,
		ttl:     ttl,
		entries: make(map[string]Entry[T]),
	}
}

// Tier returns the tier this cache serves.
func (c *TierCache[T]) Tier() Tier { return c.tier }

// TTL returns the current freshness duration.
func (c *TierCache[T]) TTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ttl
}

// SetTTL changes the freshness duration. Existing entries are reclassified on
// their next read.
func (c *TierCache[T]) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
}

// Read returns the entry for key with its freshness. Never blocks on I/O and
// never fails: a key that was never written reads as StateAbsent.
func (c *TierCache[T]) Read(key string) Result[T] {
	c.mu.RLock()
	entry, ok := c.entries[key]
	ttl := c.ttl
	c.mu.RUnlock()

	now := c.clock.Now()
	state := Classify(now, entry.Timestamp, ttl, ok)
	c.metrics.recordRead(c.tier, state)

	if !ok {
		return Result[T]{State: StateAbsent}
	}

	age := now.Sub(entry.Timestamp)
	if age < 0 {
		age = 0
	}
	return Result[T]{
		Value:     entry.Value,
		State:     state,
		Age:       age,
		FetchedAt: entry.Timestamp,
	}
}

// Write stores value under key stamped with the current time and persists the
// tier snapshot before returning. Persistence failures are logged, not returned:
// the value is live in memory either way.
func (c *TierCache[T]) Write(key string, value T) {
	now := c.clock.Now()

	c.mu.Lock()
	if prev, ok := c.entries[key]; ok && now.Before(prev.Timestamp) {
		// Timestamps never move backwards for a key.
		now = prev.Timestamp
	}
	c.entries[key] = Entry[T]{Timestamp: now, Value: value, Tier: c.tier}
	size := len(c.entries)
	c.mu.Unlock()

	c.metrics.recordWrite(c.tier)
	c.metrics.updateSize(c.tier, size)

	c.persist()
}

// snapshot copies the current entries.
func (c *TierCache[T]) snapshot() map[string]Entry[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := make(map[string]Entry[T], len(c.entries))
	for k, v := range c.entries {
		cp[k] = v
	}
	return cp
}

func (c *TierCache[T]) persist() {
	if c.store == nil {
		return
	}

	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	if err := c.store.Save(c.tier.String(), c.snapshot()); err != nil {
		c.metrics.recordPersistFailure(c.tier)
		c.logger.Error("cache snapshot write failed", "error", err)
	}
}

// Load replaces the in-memory entries with the persisted snapshot and returns
// the number of entries loaded. A missing snapshot loads nothing; a corrupt one
// is logged and the tier starts empty.
func (c *TierCache[T]) Load() int {
	if c.store == nil {
		return 0
	}

	var loaded map[string]Entry[T]
	if err := c.store.Load(c.tier.String(), &loaded); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.logger.Debug("no cache snapshot")
		} else {
			c.logger.Warn("cache snapshot unreadable, starting empty", "error", err)
		}
		loaded = nil
	}

	entries := make(map[string]Entry[T], len(loaded))
	for k, v := range loaded {
		v.Tier = c.tier
		entries[k] = v
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()

	c.metrics.updateSize(c.tier, len(entries))
	return len(entries)
}

// Clear removes every entry and deletes the tier snapshot.
func (c *TierCache[T]) Clear() error {
	c.mu.Lock()
	c.entries = make(map[string]Entry[T])
	c.mu.Unlock()

	c.metrics.updateSize(c.tier, 0)

	if c.store == nil {
		return nil
	}

	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	return c.store.Remove(c.tier.String())
}

// Keys returns all keys in sorted order.
func (c *TierCache[T]) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries.
func (c *TierCache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Status counts fresh and stale entries at the current time.
func (c *TierCache[T]) Status() TierStatus {
	now := c.clock.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	st := TierStatus{Tier: c.tier, TTL: c.ttl, Entries: len(c.entries)}
	for _, e := range c.entries {
		if Classify(now, e.Timestamp, c.ttl, true) == StateStale {
			st.Stale++
		} else {
			st.Fresh++
		}
	}
	return st
}
