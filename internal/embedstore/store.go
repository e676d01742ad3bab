// Package embedstore persists spell embeddings and lifecycle metadata.
//
// The default backend is a single MessagePack-encoded file at a per-user
// path, written atomically (temp file + rename) with 0600 permissions.
// Loading is corruption-tolerant: a file that cannot be parsed degrades to an
// empty in-memory store rather than failing startup, and a file whose spells
// section is intact but whose lifecycle section is malformed keeps the
// embeddings and resets only the lifecycle block.
//
// A PostgreSQL backend over pgvector is available as an alternative for
// deployments that already run Postgres; see [PGStore].
package embedstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// FormatVersion is the current on-disk format version. Version "1.0.0" files
// (no lifecycle section) are upgraded in memory on load and re-persisted as
// the current version on the next save, without losing embeddings.
const FormatVersion = "2.0.0"

// Record is the stored embedding state for a single spell.
type Record struct {
	// Vector is the embedding, always of the store's model dimension.
	Vector []float32 `msgpack:"vector"`

	// Hash is the 64-hex SHA-256 of the spell's description + keywords.
	// A differing hash for the current config means the vector is stale.
	Hash string `msgpack:"hash"`

	// Timestamp is the unix-ms time the record was written.
	Timestamp int64 `msgpack:"timestamp"`
}

// UsageEntry tracks when a spell was last used, in turns.
type UsageEntry struct {
	LastUsedTurn uint64 `msgpack:"lastUsedTurn"`
}

// LifecycleMetadata is the singleton lifecycle blob shared between the
// process lifecycle manager (sole writer) and the store (persister).
type LifecycleMetadata struct {
	CurrentTurn   uint64                `msgpack:"currentTurn"`
	UsageTracking map[string]UsageEntry `msgpack:"usageTracking"`
	ActivePIDs    map[string]int        `msgpack:"activePIDs"`
	LastSaved     int64                 `msgpack:"lastSaved"` // unix-ms
}

// clone returns a deep copy of m, or nil for nil.
func (m *LifecycleMetadata) clone() *LifecycleMetadata {
	if m == nil {
		return nil
	}
	out := &LifecycleMetadata{
		CurrentTurn: m.CurrentTurn,
		LastSaved:   m.LastSaved,
	}
	if m.UsageTracking != nil {
		out.UsageTracking = make(map[string]UsageEntry, len(m.UsageTracking))
		for k, v := range m.UsageTracking {
			out.UsageTracking[k] = v
		}
	}
	if m.ActivePIDs != nil {
		out.ActivePIDs = make(map[string]int, len(m.ActivePIDs))
		for k, v := range m.ActivePIDs {
			out.ActivePIDs[k] = v
		}
	}
	return out
}

// emptyLifecycle returns lifecycle defaults with LastSaved set to now.
func emptyLifecycle() *LifecycleMetadata {
	return &LifecycleMetadata{
		UsageTracking: make(map[string]UsageEntry),
		ActivePIDs:    make(map[string]int),
		LastSaved:     time.Now().UnixMilli(),
	}
}

// Store is the persistence contract consumed by the resolver and the
// lifecycle manager. Implementations must be safe for concurrent use.
//
// Load and Save failures never carry user data loss: a failed Save leaves the
// previous persisted state intact, and a failed Load degrades to an empty
// in-memory store.
type Store interface {
	// Load populates the in-memory state from the backing medium. Idempotent.
	// A missing file is not an error. Corrupt state degrades to empty with a
	// logged warning and a nil error.
	Load(ctx context.Context) error

	// Save persists the in-memory state atomically.
	Save(ctx context.Context) error

	// Get returns the stored vector for name.
	Get(name string) ([]float32, bool)

	// Metadata returns the full record for name (vector, hash, timestamp).
	Metadata(name string) (Record, bool)

	// Set inserts or replaces the record for name, stamping it with now.
	Set(name string, vector []float32, hash string)

	// Has reports whether a record exists for name.
	Has(name string) bool

	// Delete removes the record for name, reporting whether it existed.
	Delete(name string) bool

	// All returns a snapshot copy of every record keyed by spell name.
	All() map[string]Record

	// NeedsUpdate reports whether name is unknown or its stored hash differs.
	NeedsUpdate(name, hash string) bool

	// LifecycleMetadata returns a deep copy of the lifecycle blob, or nil if
	// none has been persisted.
	LifecycleMetadata() *LifecycleMetadata

	// SetLifecycleMetadata replaces the lifecycle blob with a copy of m.
	SetLifecycleMetadata(m *LifecycleMetadata)

	// UpdateLifecycleMetadata applies fn to the current lifecycle blob,
	// allocating empty defaults first if none exists.
	UpdateLifecycleMetadata(fn func(*LifecycleMetadata))
}

// fileFormat is the on-disk MessagePack shape.
type fileFormat struct {
	Version   string             `msgpack:"version"`
	ModelName string             `msgpack:"modelName"`
	Dimension int                `msgpack:"dimension"`
	Spells    map[string]Record  `msgpack:"spells"`
	Lifecycle *LifecycleMetadata `msgpack:"lifecycle,omitempty"`
}

// FileStore is the MessagePack file implementation of [Store].
//
// The zero value is not usable; create instances with [NewFileStore].
type FileStore struct {
	path      string
	modelName string
	dimension int

	mu        sync.RWMutex
	spells    map[string]Record
	lifecycle *LifecycleMetadata

	// saveMu serializes writers through the atomic temp-file-rename cycle.
	// It is never held together with mu.
	saveMu sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store persisting to path. modelName and dimension
// identify the embedding space; records from a file written for a different
// dimension are treated as stale.
func NewFileStore(path, modelName string, dimension int) *FileStore {
	return &FileStore{
		path:      path,
		modelName: modelName,
		dimension: dimension,
		spells:    make(map[string]Record),
	}
}

// DefaultPath returns the platform-appropriate per-user location of the
// embedding store file.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("embedstore: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".grimoire", "embeddings.msgpack"), nil
}

// Load implements [Store]. It reads and decodes the backing file. Decode
// failures of the whole document reset the store to empty; a malformed
// lifecycle section alone preserves the spells and resets only the lifecycle.
func (s *FileStore) Load(_ context.Context) error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.reset(nil, nil)
		return nil
	}
	if err != nil {
		slog.Warn("embedstore: cannot read store file, starting empty", "path", s.path, "err", err)
		s.reset(nil, nil)
		return nil
	}

	// Two-stage decode so a corrupt lifecycle section cannot take the spells
	// section down with it.
	var sections map[string]msgpack.RawMessage
	if err := msgpack.Unmarshal(data, &sections); err != nil {
		slog.Warn("embedstore: corrupt store file, starting empty", "path", s.path, "err", err)
		s.reset(nil, nil)
		return nil
	}

	var spells map[string]Record
	if raw, ok := sections["spells"]; ok {
		if err := msgpack.Unmarshal(raw, &spells); err != nil {
			slog.Warn("embedstore: corrupt spells section, starting empty", "path", s.path, "err", err)
			s.reset(nil, nil)
			return nil
		}
	}

	for name, rec := range spells {
		if len(rec.Vector) != s.dimension {
			slog.Warn("embedstore: record dimension mismatch, treating as stale",
				"spell", name, "got", len(rec.Vector), "want", s.dimension)
		}
	}

	var lifecycle *LifecycleMetadata
	if raw, ok := sections["lifecycle"]; ok {
		if err := msgpack.Unmarshal(raw, &lifecycle); err != nil {
			slog.Warn("embedstore: corrupt lifecycle section, resetting lifecycle", "path", s.path, "err", err)
			lifecycle = emptyLifecycle()
		}
	}
	if lifecycle == nil {
		// A v1 file has no lifecycle section at all; it is upgraded in memory
		// to empty defaults and written back as the current version on the
		// next save.
		lifecycle = emptyLifecycle()
	}

	s.reset(spells, lifecycle)
	return nil
}

// reset replaces the in-memory state.
func (s *FileStore) reset(spells map[string]Record, lifecycle *LifecycleMetadata) {
	if spells == nil {
		spells = make(map[string]Record)
	}
	s.mu.Lock()
	s.spells = spells
	s.lifecycle = lifecycle
	s.mu.Unlock()
}

// Save implements [Store]. The write is atomic: the state is serialized to a
// temp file in the same directory, fsynced, chmodded to 0600 and renamed over
// the target, so readers see either the old file or the new one, never a
// truncated mix. A failed save leaves the previous file intact.
func (s *FileStore) Save(_ context.Context) error {
	s.mu.RLock()
	doc := fileFormat{
		Version:   FormatVersion,
		ModelName: s.modelName,
		Dimension: s.dimension,
		Spells:    make(map[string]Record, len(s.spells)),
		Lifecycle: s.lifecycle.clone(),
	}
	for k, v := range s.spells {
		doc.Spells[k] = v
	}
	s.mu.RUnlock()

	data, err := msgpack.Marshal(doc)
	if err != nil {
		return fmt.Errorf("embedstore: encode: %w", err)
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("embedstore: create directory %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("embedstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	// Any failure past this point must not leave the temp file behind.
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("embedstore: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("embedstore: fsync temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("embedstore: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("embedstore: close temp file: %w", err)
	}

	// Publication step: rename is the only operation that makes the new
	// contents visible under the target path.
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("embedstore: rename into place: %w", err)
	}
	return nil
}

// Get implements [Store].
func (s *FileStore) Get(name string) ([]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.spells[name]
	if !ok {
		return nil, false
	}
	out := make([]float32, len(rec.Vector))
	copy(out, rec.Vector)
	return out, true
}

// Metadata implements [Store].
func (s *FileStore) Metadata(name string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.spells[name]
	if !ok {
		return Record{}, false
	}
	vec := make([]float32, len(rec.Vector))
	copy(vec, rec.Vector)
	rec.Vector = vec
	return rec, true
}

// Set implements [Store].
func (s *FileStore) Set(name string, vector []float32, hash string) {
	vec := make([]float32, len(vector))
	copy(vec, vector)
	s.mu.Lock()
	s.spells[name] = Record{Vector: vec, Hash: hash, Timestamp: time.Now().UnixMilli()}
	s.mu.Unlock()
}

// Has implements [Store].
func (s *FileStore) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.spells[name]
	return ok
}

// Delete implements [Store].
func (s *FileStore) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.spells[name]
	delete(s.spells, name)
	return ok
}

// All implements [Store].
func (s *FileStore) All() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(s.spells))
	for k, v := range s.spells {
		vec := make([]float32, len(v.Vector))
		copy(vec, v.Vector)
		v.Vector = vec
		out[k] = v
	}
	return out
}

// NeedsUpdate implements [Store]. True when name is unknown, its hash
// differs, or its vector was stored for a different dimension.
func (s *FileStore) NeedsUpdate(name, hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.spells[name]
	if !ok {
		return true
	}
	return rec.Hash != hash || len(rec.Vector) != s.dimension
}

// LifecycleMetadata implements [Store].
func (s *FileStore) LifecycleMetadata() *LifecycleMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lifecycle.clone()
}

// SetLifecycleMetadata implements [Store].
func (s *FileStore) SetLifecycleMetadata(m *LifecycleMetadata) {
	s.mu.Lock()
	s.lifecycle = m.clone()
	s.mu.Unlock()
}

// UpdateLifecycleMetadata implements [Store].
func (s *FileStore) UpdateLifecycleMetadata(fn func(*LifecycleMetadata)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle == nil {
		s.lifecycle = emptyLifecycle()
	}
	fn(s.lifecycle)
}
