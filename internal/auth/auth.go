// Package auth resolves the GitLab tokens of each configured server.
//
// Tokens come from two places: the server's entry in the config file, and
// tokens saved with `pipeboard auth login` in the system keyring (or a
// plaintext fallback file). Configured tokens are tried first.
package auth

import (
	"errors"
	"slices"
	"strings"

	"github.com/pipeboard/pipeboard/internal/config"
)

// Manager combines configured and stored tokens.
type Manager struct {
	cfg   *config.Config
	store *Store
}

// NewManager creates a token manager.
func NewManager(cfg *config.Config, store *Store) *Manager {
	return &Manager{cfg: cfg, store: store}
}

// Tokens returns the candidate tokens for server in priority order,
// without duplicates. An empty result is not an error: public GitLab
// resources can be read anonymously.
func (m *Manager) Tokens(server string) ([]string, error) {
	var tokens []string
	if srv, ok := m.cfg.Server(server); ok {
		tokens = append(tokens, srv.Tokens...)
	}

	creds, err := m.store.Load(server)
	switch {
	case errors.Is(err, ErrNoCredentials):
	case err != nil:
		return tokens, err
	default:
		for _, t := range creds.Tokens {
			if !slices.Contains(tokens, t) {
				tokens = append(tokens, t)
			}
		}
	}
	return tokens, nil
}

// Login stores token for server, ahead of previously stored tokens.
func (m *Manager) Login(server, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token is empty")
	}

	creds, err := m.store.Load(server)
	if errors.Is(err, ErrNoCredentials) {
		creds, err = &Credentials{}, nil
	}
	if err != nil {
		return err
	}

	tokens := []string{token}
	for _, t := range creds.Tokens {
		if t != token {
			tokens = append(tokens, t)
		}
	}
	return m.store.Save(server, &Credentials{Tokens: tokens})
}

// Logout removes every stored token for server. Configured tokens are untouched.
func (m *Manager) Logout(server string) error {
	return m.store.Delete(server)
}

// IsAuthenticated reports whether server has at least one token.
func (m *Manager) IsAuthenticated(server string) bool {
	tokens, err := m.Tokens(server)
	return err == nil && len(tokens) > 0
}

// GetStore returns the underlying credential store.
func (m *Manager) GetStore() *Store {
	return m.store
}
