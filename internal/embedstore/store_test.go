package embedstore

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), "embeddings.msgpack"), "test-model", 3)
}

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.Set("postgres", []float32{1, 2, 3}, "hash-a")
	s.Set("stripe", []float32{4, 5, 6}, "hash-b")
	s.UpdateLifecycleMetadata(func(m *LifecycleMetadata) {
		m.CurrentTurn = 7
		m.UsageTracking["postgres"] = UsageEntry{LastUsedTurn: 5}
		m.ActivePIDs["postgres"] = 4242
	})

	if err := s.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded := NewFileStore(s.path, "test-model", 3)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	vec, ok := reloaded.Get("postgres")
	if !ok {
		t.Fatal("expected postgres record after reload")
	}
	if len(vec) != 3 || vec[0] != 1 {
		t.Errorf("unexpected vector %v", vec)
	}
	rec, ok := reloaded.Metadata("stripe")
	if !ok || rec.Hash != "hash-b" {
		t.Errorf("unexpected stripe record %+v", rec)
	}

	meta := reloaded.LifecycleMetadata()
	if meta == nil {
		t.Fatal("expected lifecycle metadata")
	}
	if meta.CurrentTurn != 7 {
		t.Errorf("expected turn 7, got %d", meta.CurrentTurn)
	}
	if meta.UsageTracking["postgres"].LastUsedTurn != 5 {
		t.Errorf("unexpected usage %+v", meta.UsageTracking)
	}
	if meta.ActivePIDs["postgres"] != 4242 {
		t.Errorf("unexpected pids %+v", meta.ActivePIDs)
	}
}

func TestFileStore_Load(t *testing.T) {
	ctx := context.Background()

	t.Run("missing file yields empty store", func(t *testing.T) {
		s := newTestStore(t)
		if err := s.Load(ctx); err != nil {
			t.Fatalf("load: %v", err)
		}
		if len(s.All()) != 0 {
			t.Error("expected empty store")
		}
	})

	t.Run("corrupt bytes degrade to empty without error", func(t *testing.T) {
		s := newTestStore(t)
		if err := os.WriteFile(s.path, []byte("not msgpack at all"), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := s.Load(ctx); err != nil {
			t.Fatalf("expected nil error on corrupt file, got %v", err)
		}
		if len(s.All()) != 0 {
			t.Error("expected empty store after corrupt load")
		}
	})

	t.Run("version 1 file without lifecycle keeps spells", func(t *testing.T) {
		s := newTestStore(t)
		v1 := map[string]any{
			"version":   "1.0.0",
			"modelName": "test-model",
			"dimension": 3,
			"spells": map[string]Record{
				"postgres": {Vector: []float32{1, 2, 3}, Hash: "h", Timestamp: 1},
			},
		}
		data, err := msgpack.Marshal(v1)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(s.path, data, 0o600); err != nil {
			t.Fatal(err)
		}

		if err := s.Load(ctx); err != nil {
			t.Fatalf("load: %v", err)
		}
		if !s.Has("postgres") {
			t.Error("expected postgres record from v1 file")
		}
		meta := s.LifecycleMetadata()
		if meta == nil {
			t.Fatal("expected lifecycle defaults for v1 file")
		}
		if meta.CurrentTurn != 0 || len(meta.UsageTracking) != 0 || len(meta.ActivePIDs) != 0 {
			t.Errorf("expected empty lifecycle defaults, got %+v", meta)
		}
		if meta.LastSaved == 0 {
			t.Error("expected lastSaved stamped on upgrade")
		}
	})

	t.Run("corrupt lifecycle section preserves spells", func(t *testing.T) {
		s := newTestStore(t)
		doc := map[string]any{
			"version":   FormatVersion,
			"modelName": "test-model",
			"dimension": 3,
			"spells": map[string]Record{
				"postgres": {Vector: []float32{1, 2, 3}, Hash: "h", Timestamp: 1},
			},
			"lifecycle": "this is not a lifecycle struct",
		}
		data, err := msgpack.Marshal(doc)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(s.path, data, 0o600); err != nil {
			t.Fatal(err)
		}

		if err := s.Load(ctx); err != nil {
			t.Fatalf("load: %v", err)
		}
		if !s.Has("postgres") {
			t.Error("expected spells preserved despite corrupt lifecycle")
		}
		meta := s.LifecycleMetadata()
		if meta == nil || meta.CurrentTurn != 0 {
			t.Errorf("expected reset lifecycle, got %+v", meta)
		}
	})
}

func TestFileStore_SaveIsAtomicAndPrivate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.Set("a", []float32{1, 2, 3}, "h")

	if err := s.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(s.path)
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("expected 0600 permissions, got %o", perm)
		}
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(s.path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the store file in the directory, found %d entries", len(entries))
	}
}

func TestFileStore_NeedsUpdate(t *testing.T) {
	s := newTestStore(t)

	if !s.NeedsUpdate("unknown", "h") {
		t.Error("expected update for unknown spell")
	}

	s.Set("a", []float32{1, 2, 3}, "h")
	if s.NeedsUpdate("a", "h") {
		t.Error("expected no update for matching hash")
	}
	if !s.NeedsUpdate("a", "different") {
		t.Error("expected update for changed hash")
	}

	s.Set("b", []float32{1, 2}, "h") // wrong dimension
	if !s.NeedsUpdate("b", "h") {
		t.Error("expected update for dimension mismatch")
	}
}

func TestFileStore_DeleteAndAll(t *testing.T) {
	s := newTestStore(t)
	s.Set("a", []float32{1, 2, 3}, "h")

	if !s.Delete("a") {
		t.Error("expected delete to report existing record")
	}
	if s.Delete("a") {
		t.Error("expected second delete to report missing record")
	}

	s.Set("b", []float32{1, 2, 3}, "h")
	all := s.All()
	all["b"].Vector[0] = 99 // snapshot must not alias the store
	vec, _ := s.Get("b")
	if vec[0] != 1 {
		t.Error("expected All to return copies, store was mutated")
	}
}
