package gitlab

import "sync"

// TokenSet selects which of a server's tokens to send.
//
// The first token not marked unhealthy is used. A token is marked unhealthy
// when the server rejects it with 401. When every token is unhealthy the
// first one is used anyway so that the failure surfaces to the caller
// instead of silently going anonymous.
type TokenSet struct {
	mu        sync.Mutex
	tokens    []string
	unhealthy map[string]bool
}

// NewTokenSet creates a set over tokens, in priority order.
func NewTokenSet(tokens []string) *TokenSet {
	return &TokenSet{
		tokens:    append([]string(nil), tokens...),
		unhealthy: make(map[string]bool),
	}
}

// Current returns the token to use, or "" when the set is empty.
func (s *TokenSet) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

func (s *TokenSet) currentLocked() string {
	if len(s.tokens) == 0 {
		return ""
	}
	for _, t := range s.tokens {
		if !s.unhealthy[t] {
			return t
		}
	}
	return s.tokens[0]
}

// MarkUnhealthy records that token was rejected. It reports whether a
// different healthy token is now available.
func (s *TokenSet) MarkUnhealthy(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" {
		return false
	}
	s.unhealthy[token] = true
	next := s.currentLocked()
	return next != token && !s.unhealthy[next]
}

// Healthy returns the number of tokens not marked unhealthy.
func (s *TokenSet) Healthy() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tokens {
		if !s.unhealthy[t] {
			n++
		}
	}
	return n
}

// Len returns the number of tokens.
func (s *TokenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
