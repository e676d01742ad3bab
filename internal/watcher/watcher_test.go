package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// recordingHandler funnels callbacks into a channel as "kind:path" strings.
type recordingHandler struct {
	events chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{events: make(chan string, 16)}
}

func (h *recordingHandler) OnSpellAdded(_ context.Context, path string) {
	h.events <- "added:" + path
}

func (h *recordingHandler) OnSpellChanged(_ context.Context, path string) {
	h.events <- "changed:" + path
}

func (h *recordingHandler) OnSpellRemoved(_ context.Context, path string) {
	h.events <- "removed:" + path
}

func (h *recordingHandler) next(t *testing.T) string {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watcher event")
		return ""
	}
}

func (h *recordingHandler) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-h.events:
		t.Fatalf("expected no event, got %q", ev)
	case <-time.After(d):
	}
}

func startWatcher(t *testing.T, dir string, h Handler) *Watcher {
	t.Helper()
	w, err := New(dir, h)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestWatcher_AddedChangedRemoved(t *testing.T) {
	dir := t.TempDir()
	h := newRecordingHandler()
	startWatcher(t, dir, h)

	path := filepath.Join(dir, "postgres.spell.yaml")

	writeFile(t, path, "name: postgres\n")
	if ev := h.next(t); ev != "added:"+path {
		t.Fatalf("expected added event, got %q", ev)
	}

	// The dispatch gap rate-limits per-file callbacks; wait it out so the
	// change fires promptly.
	time.Sleep(dispatchGap)

	writeFile(t, path, "name: postgres\nversion: 2.0.0\n")
	if ev := h.next(t); ev != "changed:"+path {
		t.Fatalf("expected changed event, got %q", ev)
	}

	time.Sleep(dispatchGap)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if ev := h.next(t); ev != "removed:"+path {
		t.Fatalf("expected removed event, got %q", ev)
	}
}

func TestWatcher_PreexistingFileReportsChanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stripe.spell.yaml")
	writeFile(t, path, "name: stripe\n")

	h := newRecordingHandler()
	startWatcher(t, dir, h)

	writeFile(t, path, "name: stripe\nversion: 2.0.0\n")
	if ev := h.next(t); ev != "changed:"+path {
		t.Fatalf("expected changed event for pre-existing file, got %q", ev)
	}
}

func TestWatcher_BurstCoalesces(t *testing.T) {
	dir := t.TempDir()
	h := newRecordingHandler()
	startWatcher(t, dir, h)

	path := filepath.Join(dir, "burst.spell.yaml")
	for i := 0; i < 5; i++ {
		writeFile(t, path, "name: burst\n")
		time.Sleep(50 * time.Millisecond)
	}

	if ev := h.next(t); ev != "added:"+path {
		t.Fatalf("expected one added event for the burst, got %q", ev)
	}
	h.expectQuiet(t, dispatchGap+stabilityWindow)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	h := newRecordingHandler()
	startWatcher(t, dir, h)

	writeFile(t, filepath.Join(dir, "notes.txt"), "scratch\n")
	writeFile(t, filepath.Join(dir, "config.yaml"), "not a spell\n")

	h.expectQuiet(t, dispatchGap+stabilityWindow)
}

func TestWatcher_RemoveThenRecreateSettlesAsChanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flap.spell.yaml")
	writeFile(t, path, "name: flap\n")

	h := newRecordingHandler()
	startWatcher(t, dir, h)

	// Remove and recreate inside one settle window. The file exists and was
	// known when the timer fires, so this is one change, not remove+add.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, "name: flap\nversion: 2.0.0\n")

	if ev := h.next(t); ev != "changed:"+path {
		t.Fatalf("expected changed event, got %q", ev)
	}
	h.expectQuiet(t, dispatchGap+stabilityWindow)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	h := newRecordingHandler()
	w, err := New(dir, h)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	w.Start()
	w.Stop()
	w.Stop()
}

func TestWatcher_MissingDirectory(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "absent"), newRecordingHandler()); err == nil {
		t.Error("expected error for missing directory")
	}
}
