package embedstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/vmihailenco/msgpack/v5"
)

// PGStore is the PostgreSQL implementation of [Store], backed by a
// spell_embeddings table with a pgvector column and a singleton
// spell_lifecycle row holding the MessagePack-encoded lifecycle blob.
//
// Reads and map mutations operate on an in-memory mirror; Load hydrates the
// mirror from Postgres and Save writes it back in a single transaction, so
// the debounced-save semantics match the file backend.
//
// All methods are safe for concurrent use.
type PGStore struct {
	pool      *pgxpool.Pool
	modelName string
	dimension int

	mu        sync.RWMutex
	spells    map[string]Record
	lifecycle *LifecycleMetadata
}

var _ Store = (*PGStore)(nil)

// NewPGStore connects to the database at dsn, registers pgvector types on
// every connection, and bootstraps the schema. The caller owns the returned
// store and must call [PGStore.Close] when done.
func NewPGStore(ctx context.Context, dsn, modelName string, dimension int) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("embedstore: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("embedstore: connect: %w", err)
	}

	s := &PGStore{
		pool:      pool,
		modelName: modelName,
		dimension: dimension,
		spells:    make(map[string]Record),
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

func (s *PGStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS spell_embeddings (
			name       text PRIMARY KEY,
			embedding  vector(%d) NOT NULL,
			hash       text NOT NULL,
			updated_at bigint NOT NULL
		)`, s.dimension),
		`CREATE TABLE IF NOT EXISTS spell_lifecycle (
			id   smallint PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			blob bytea NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("embedstore: migrate: %w", err)
		}
	}
	return nil
}

// Load implements [Store]. Row-level failures degrade to an empty mirror
// with a logged warning, matching the file backend's corruption tolerance.
func (s *PGStore) Load(ctx context.Context) error {
	spells := make(map[string]Record)

	rows, err := s.pool.Query(ctx, `SELECT name, embedding, hash, updated_at FROM spell_embeddings`)
	if err != nil {
		slog.Warn("embedstore: pg load failed, starting empty", "err", err)
		s.resetMirror(nil, nil)
		return nil
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name string
			vec  pgvector.Vector
			rec  Record
		)
		if err := rows.Scan(&name, &vec, &rec.Hash, &rec.Timestamp); err != nil {
			slog.Warn("embedstore: pg row scan failed, starting empty", "err", err)
			s.resetMirror(nil, nil)
			return nil
		}
		rec.Vector = vec.Slice()
		spells[name] = rec
	}
	if err := rows.Err(); err != nil {
		slog.Warn("embedstore: pg load failed, starting empty", "err", err)
		s.resetMirror(nil, nil)
		return nil
	}

	var lifecycle *LifecycleMetadata
	var blob []byte
	err = s.pool.QueryRow(ctx, `SELECT blob FROM spell_lifecycle WHERE id = 1`).Scan(&blob)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// No lifecycle persisted yet.
	case err != nil:
		slog.Warn("embedstore: pg lifecycle load failed, resetting lifecycle", "err", err)
		lifecycle = emptyLifecycle()
	default:
		if err := msgpack.Unmarshal(blob, &lifecycle); err != nil {
			slog.Warn("embedstore: corrupt lifecycle blob, resetting lifecycle", "err", err)
			lifecycle = emptyLifecycle()
		}
	}

	s.resetMirror(spells, lifecycle)
	return nil
}

func (s *PGStore) resetMirror(spells map[string]Record, lifecycle *LifecycleMetadata) {
	if spells == nil {
		spells = make(map[string]Record)
	}
	s.mu.Lock()
	s.spells = spells
	s.lifecycle = lifecycle
	s.mu.Unlock()
}

// Save implements [Store]. The mirror is written back in one transaction so
// readers observe either the previous state or the new one.
func (s *PGStore) Save(ctx context.Context) error {
	s.mu.RLock()
	spells := make(map[string]Record, len(s.spells))
	for k, v := range s.spells {
		spells[k] = v
	}
	lifecycle := s.lifecycle.clone()
	s.mu.RUnlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("embedstore: begin save tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM spell_embeddings`); err != nil {
		return fmt.Errorf("embedstore: clear embeddings: %w", err)
	}
	const insert = `INSERT INTO spell_embeddings (name, embedding, hash, updated_at) VALUES ($1, $2, $3, $4)`
	for name, rec := range spells {
		if _, err := tx.Exec(ctx, insert, name, pgvector.NewVector(rec.Vector), rec.Hash, rec.Timestamp); err != nil {
			return fmt.Errorf("embedstore: insert embedding %q: %w", name, err)
		}
	}

	if lifecycle != nil {
		blob, err := msgpack.Marshal(lifecycle)
		if err != nil {
			return fmt.Errorf("embedstore: encode lifecycle: %w", err)
		}
		const upsert = `INSERT INTO spell_lifecycle (id, blob) VALUES (1, $1)
			ON CONFLICT (id) DO UPDATE SET blob = EXCLUDED.blob`
		if _, err := tx.Exec(ctx, upsert, blob); err != nil {
			return fmt.Errorf("embedstore: upsert lifecycle: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("embedstore: commit save tx: %w", err)
	}
	return nil
}

// Get implements [Store].
func (s *PGStore) Get(name string) ([]float32, bool) {
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
func (s *PGStore) Metadata(name string) (Record, bool) {
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
func (s *PGStore) Set(name string, vector []float32, hash string) {
	vec := make([]float32, len(vector))
	copy(vec, vector)
	s.mu.Lock()
	s.spells[name] = Record{Vector: vec, Hash: hash, Timestamp: time.Now().UnixMilli()}
	s.mu.Unlock()
}

// Has implements [Store].
func (s *PGStore) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.spells[name]
	return ok
}

// Delete implements [Store].
func (s *PGStore) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.spells[name]
	delete(s.spells, name)
	return ok
}

// All implements [Store].
func (s *PGStore) All() map[string]Record {
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

// NeedsUpdate implements [Store].
func (s *PGStore) NeedsUpdate(name, hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.spells[name]
	if !ok {
		return true
	}
	return rec.Hash != hash || len(rec.Vector) != s.dimension
}

// LifecycleMetadata implements [Store].
func (s *PGStore) LifecycleMetadata() *LifecycleMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lifecycle.clone()
}

// SetLifecycleMetadata implements [Store].
func (s *PGStore) SetLifecycleMetadata(m *LifecycleMetadata) {
	s.mu.Lock()
	s.lifecycle = m.clone()
	s.mu.Unlock()
}

// UpdateLifecycleMetadata implements [Store].
func (s *PGStore) UpdateLifecycleMetadata(fn func(*LifecycleMetadata)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle == nil {
		s.lifecycle = emptyLifecycle()
	}
	fn(s.lifecycle)
}
