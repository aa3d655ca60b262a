package cache

import "time"

// State is the freshness classification of a cache read.
type State int

const (
	StateAbsent State = iota // no entry for the key
	StateFresh               // entry within its tier TTL
	StateStale               // entry past its tier TTL, still served
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Classify decides whether an entry written at timestamp is fresh or stale at
// now for the given TTL. An entry is stale iff its age exceeds ttl, so a TTL of
// zero makes every read after the write instant stale. found=false always
// yields StateAbsent.
func Classify(now, timestamp time.Time, ttl time.Duration, found bool) State {
	if !found {
		return StateAbsent
	}
	if now.Sub(timestamp) > ttl {
		return StateStale
	}
	return StateFresh
}
