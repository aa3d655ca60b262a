// Package store persists cache tier snapshots to disk.
//
// Each tier is one JSON document under the store directory. Writes go to a
// uniquely named temp file and are renamed into place, so readers see either
// the previous or the next snapshot. A flock on a sidecar lock file serializes
// writers across processes sharing the same cache directory.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gofrs/flock"
)

// DefaultDirName is the subdirectory within the user cache dir.
const DefaultDirName = "pipeboard"

// ErrNotFound is returned by Load when no snapshot exists yet.
var ErrNotFound = errors.New("snapshot not found")

// CorruptError is returned by Load when a snapshot exists but cannot be decoded.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt snapshot %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// Store reads and writes named snapshot documents with file locking.
type Store struct {
	dir string
}

// New creates a store rooted at dir.
// If dir is empty, it uses the default location (~/.cache/pipeboard/).
func New(dir string) *Store {
	if dir == "" {
		dir = DefaultDir()
	}
	return &Store{dir: dir}
}

// DefaultDir returns the default snapshot directory path.
func DefaultDir() string {
	if cacheDir := os.Getenv("XDG_CACHE_HOME"); cacheDir != "" {
		return filepath.Join(cacheDir, DefaultDirName)
	}
	if cacheDir, err := os.UserCacheDir(); err == nil && cacheDir != "" {
		return filepath.Join(cacheDir, DefaultDirName)
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".cache", DefaultDirName)
	}
	return filepath.Join(os.TempDir(), DefaultDirName)
}

// Dir returns the snapshot directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the full path to the snapshot document for name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *Store) lockPath(name string) string {
	return filepath.Join(s.dir, "."+name+".lock")
}

// LockTimeout is the maximum time to wait for acquiring a snapshot lock.
// If exceeded, operations proceed without locking (fail-open) so a stuck
// process can never block request handling.
const LockTimeout = 100 * time.Millisecond

type fileLock struct {
	flock *flock.Flock
}

// acquireLock obtains an exclusive lock for the named snapshot.
// Returns nil (with no error) if the lock cannot be acquired within LockTimeout.
func (s *Store) acquireLock(name string) (*fileLock, error) {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return nil, err
	}

	fl := flock.New(s.lockPath(name))

	ctx, cancel := context.WithTimeout(context.Background(), LockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, nil
		}
		return nil, err
	}
	if !locked {
		return nil, nil
	}

	return &fileLock{flock: fl}, nil
}

func (fl *fileLock) release() error {
	if fl == nil || fl.flock == nil {
		return nil
	}
	return fl.flock.Unlock()
}

// Load decodes the named snapshot into v.
// Returns ErrNotFound if the snapshot does not exist and *CorruptError if it
// cannot be parsed.
func (s *Store) Load(name string, v any) error {
	data, err := s.ReadRaw(name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &CorruptError{Path: s.Path(name), Err: err}
	}
	return nil
}

// ReadRaw returns the raw bytes of the named snapshot.
// Reads are not locked: the rename in Save makes them atomic.
func (s *Store) ReadRaw(name string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Save encodes v and atomically replaces the named snapshot.
// If the lock cannot be acquired, proceeds without locking (fail-open).
func (s *Store) Save(name string, v any) error {
	lock, err := s.acquireLock(name)
	if err != nil {
		return err
	}
	if lock != nil {
		defer func() { _ = lock.release() }()
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	// Unique temp name (PID + timestamp) so fail-open writers never share a file.
	path := s.Path(name)
	tmpPath := fmt.Sprintf("%s.%d.%d.tmp", path, os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	// On Windows, os.Rename fails if destination exists.
	if runtime.GOOS == "windows" {
		_ = os.Remove(path)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	return nil
}

// Remove deletes the named snapshot. Removing a missing snapshot is not an error.
func (s *Store) Remove(name string) error {
	lock, err := s.acquireLock(name)
	if err != nil {
		return err
	}
	if lock != nil {
		defer func() { _ = lock.release() }()
	}

	err = os.Remove(s.Path(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Exists returns true if a snapshot exists for name.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}
