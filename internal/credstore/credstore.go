// Package credstore stores spell credentials in a KEY=value file guarded by
// a directory lock.
//
// The file holds one credential per line. Writes go through a temp file and
// rename so readers never see a partial file, and the file is kept at 0600.
// Cross-process exclusion uses a sibling lock directory: mkdir is atomic on
// every platform Grimoire targets, so whichever process creates the
// directory holds the lock. A lock left behind by a dead process is broken
// after a staleness timeout.
package credstore

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// lockRetryBase is the first backoff interval when the lock is held.
	lockRetryBase = 10 * time.Millisecond

	// lockRetryMax caps the exponential backoff.
	lockRetryMax = 500 * time.Millisecond

	// lockStaleAfter is how old a lock directory may be before it is assumed
	// to belong to a dead process and broken.
	lockStaleAfter = 10 * time.Second

	// lockAcquireTimeout bounds the total time spent waiting for the lock.
	lockAcquireTimeout = 15 * time.Second
)

// Store is a file-backed credential map. All methods are safe for concurrent
// use across goroutines and processes.
type Store struct {
	path string
}

// New creates a store over path. The file is created on first Set.
func New(path string) *Store {
	return &Store{path: path}
}

// DefaultPath returns the per-user credential file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("credstore: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".grimoire", "credentials"), nil
}

// Get returns the value for key, with ok reporting presence.
func (s *Store) Get(key string) (value string, ok bool, err error) {
	unlock, err := s.lock()
	if err != nil {
		return "", false, err
	}
	defer unlock()

	creds, err := s.read()
	if err != nil {
		return "", false, err
	}
	value, ok = creds[key]
	return value, ok, nil
}

// Set inserts or replaces key.
func (s *Store) Set(key, value string) error {
	if strings.ContainsAny(key, "=\n") || key == "" {
		return fmt.Errorf("credstore: invalid key %q", key)
	}
	if strings.Contains(value, "\n") {
		return fmt.Errorf("credstore: value for %q must be single-line", key)
	}

	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	creds, err := s.read()
	if err != nil {
		return err
	}
	creds[key] = value
	return s.write(creds)
}

// Delete removes key, reporting whether it existed.
func (s *Store) Delete(key string) (bool, error) {
	unlock, err := s.lock()
	if err != nil {
		return false, err
	}
	defer unlock()

	creds, err := s.read()
	if err != nil {
		return false, err
	}
	if _, ok := creds[key]; !ok {
		return false, nil
	}
	delete(creds, key)
	return true, s.write(creds)
}

// All returns a copy of every stored credential.
func (s *Store) All() (map[string]string, error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.read()
}

// read parses the credential file. A missing file yields an empty map.
// Malformed lines are skipped with a warning rather than failing the read.
func (s *Store) read() (map[string]string, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: open %q: %w", s.path, err)
	}
	defer f.Close()

	creds := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found || key == "" {
			slog.Warn("credstore: skipping malformed line", "path", s.path)
			continue
		}
		creds[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("credstore: read %q: %w", s.path, err)
	}
	return creds, nil
}

// write persists creds atomically with 0600 permissions, keys sorted for a
// stable file layout.
func (s *Store) write(creds map[string]string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("credstore: create directory %q: %w", dir, err)
	}

	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(creds[k])
		sb.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("credstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("credstore: rename into place: %w", err)
	}
	return nil
}

// lock acquires the cross-process lock, returning its release function.
// Backoff doubles per attempt up to lockRetryMax; a lock older than
// lockStaleAfter is broken once per acquisition attempt.
func (s *Store) lock() (func(), error) {
	lockDir := s.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockDir), 0o700); err != nil {
		return nil, fmt.Errorf("credstore: create directory: %w", err)
	}

	deadline := time.Now().Add(lockAcquireTimeout)
	delay := lockRetryBase
	brokeStale := false

	for {
		err := os.Mkdir(lockDir, 0o700)
		if err == nil {
			return func() { _ = os.Remove(lockDir) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("credstore: acquire lock %q: %w", lockDir, err)
		}

		if !brokeStale {
			if info, statErr := os.Stat(lockDir); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
				slog.Warn("credstore: breaking stale lock", "lock", lockDir, "age", time.Since(info.ModTime()))
				_ = os.Remove(lockDir)
				brokeStale = true
				continue
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("credstore: lock %q held for over %s", lockDir, lockAcquireTimeout)
		}
		time.Sleep(delay)
		if delay *= 2; delay > lockRetryMax {
			delay = lockRetryMax
		}
	}
}
