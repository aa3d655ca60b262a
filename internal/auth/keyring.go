package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/zalando/go-keyring"
)

const (
	serviceName = "pipeboard"
)

// ErrNoCredentials is returned when nothing is stored for a server.
var ErrNoCredentials = errors.New("no stored credentials")

// Credentials holds the stored tokens of one server.
type Credentials struct {
	Tokens []string `json:"tokens"`
}

// Store handles credential storage, preferring system keychain.
type Store struct {
	useKeyring  bool
	fallbackDir string
}

// NewStore creates a credential store. When the system keyring is unusable,
// credentials are kept in plaintext under fallbackDir and a warning is logged.
func NewStore(fallbackDir string, logger *slog.Logger) *Store {
	// Skip keyring for tests or when explicitly disabled
	if os.Getenv("PIPEBOARD_NO_KEYRING") != "" {
		return &Store{useKeyring: false, fallbackDir: fallbackDir}
	}

	testKey := "pipeboard::test"
	if err := keyring.Set(serviceName, testKey, "test"); err == nil {
		_ = keyring.Delete(serviceName, testKey) // Best-effort cleanup
		return &Store{useKeyring: true, fallbackDir: fallbackDir}
	}
	if logger != nil {
		logger.Warn("system keyring unavailable, credentials stored in plaintext",
			"path", filepath.Join(fallbackDir, "credentials.json"))
	}
	return &Store{useKeyring: false, fallbackDir: fallbackDir}
}

// key returns the keyring key for a server.
func key(server string) string {
	return fmt.Sprintf("pipeboard::%s", server)
}

// Load retrieves credentials for the given server.
func (s *Store) Load(server string) (*Credentials, error) {
	if s.useKeyring {
		return s.loadFromKeyring(server)
	}
	return s.loadFromFile(server)
}

// Save stores credentials for the given server.
func (s *Store) Save(server string, creds *Credentials) error {
	if s.useKeyring {
		return s.saveToKeyring(server, creds)
	}
	return s.saveToFile(server, creds)
}

// Delete removes credentials for the given server.
func (s *Store) Delete(server string) error {
	if s.useKeyring {
		err := keyring.Delete(serviceName, key(server))
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return err
	}
	return s.deleteFile(server)
}

// UsingKeyring returns true if the store is using the system keyring.
func (s *Store) UsingKeyring() bool {
	return s.useKeyring
}

// Keyring methods

func (s *Store) loadFromKeyring(server string) (*Credentials, error) {
	data, err := keyring.Get(serviceName, key(server))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNoCredentials
		}
		return nil, fmt.Errorf("reading keyring: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal([]byte(data), &creds); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}
	return &creds, nil
}

func (s *Store) saveToKeyring(server string, creds *Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return keyring.Set(serviceName, key(server), string(data))
}

// File fallback methods

func (s *Store) credentialsPath() string {
	return filepath.Join(s.fallbackDir, "credentials.json")
}

func (s *Store) loadAllFromFile() (map[string]*Credentials, error) {
	data, err := os.ReadFile(s.credentialsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*Credentials), nil
		}
		return nil, err
	}

	var all map[string]*Credentials
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	if all == nil {
		all = make(map[string]*Credentials)
	}
	return all, nil
}

func (s *Store) saveAllToFile(all map[string]*Credentials) error {
	if err := os.MkdirAll(s.fallbackDir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(s.fallbackDir, "credentials-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Chmod(0600); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	destPath := s.credentialsPath()
	if err := os.Rename(tmpPath, destPath); err != nil {
		if runtime.GOOS == "windows" {
			_ = os.Remove(destPath)
			return os.Rename(tmpPath, destPath)
		}
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *Store) loadFromFile(server string) (*Credentials, error) {
	all, err := s.loadAllFromFile()
	if err != nil {
		return nil, err
	}

	creds, ok := all[server]
	if !ok {
		return nil, ErrNoCredentials
	}
	return creds, nil
}

func (s *Store) saveToFile(server string, creds *Credentials) error {
	all, err := s.loadAllFromFile()
	if err != nil {
		return err
	}

	all[server] = creds
	return s.saveAllToFile(all)
}

func (s *Store) deleteFile(server string) error {
	all, err := s.loadAllFromFile()
	if err != nil {
		return err
	}
	if _, ok := all[server]; !ok {
		return nil
	}

	delete(all, server)
	return s.saveAllToFile(all)
}
