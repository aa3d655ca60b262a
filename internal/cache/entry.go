package cache

import "time"

// Entry is a persisted cache value with its write timestamp.
type Entry[T any] struct {
	Timestamp time.Time `json:"timestamp"`
	Value     T         `json:"value"`
	Tier      Tier      `json:"tier"`
}

// Result is the outcome of a cache read.
// For an absent key Value is the zero value, State is StateAbsent and Age is zero.
type Result[T any] struct {
	Value     T
	State     State
	Age       time.Duration
	FetchedAt time.Time
}

// HasData returns true if the read found an entry, fresh or stale.
func (r Result[T]) HasData() bool {
	return r.State != StateAbsent
}

// IsStale returns true if the entry exists but is past its TTL.
func (r Result[T]) IsStale() bool {
	return r.State == StateStale
}

// Fresh returns true if the entry exists and is within its TTL.
func (r Result[T]) Fresh() bool {
	return r.State == StateFresh
}
