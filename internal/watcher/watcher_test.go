package watcher

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	counts map[string][]int
}

func newRecorder() *recorder {
	return &recorder{counts: make(map[string][]int)}
}

func (r *recorder) emit(sessionID string, event json.RawMessage) {
	var payload struct {
		Type      string `json:"type"`
		FileCount int    `json:"fileCount"`
	}
	if err := json.Unmarshal(event, &payload); err != nil || payload.Type != "files_update" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[sessionID] = append(r.counts[sessionID], payload.FileCount)
}

func (r *recorder) last(sessionID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := r.counts[sessionID]
	if len(counts) == 0 {
		return 0, false
	}
	return counts[len(counts)-1], true
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestCountFilesSkipsExcludedAndHidden(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules", "dep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules", "dep", "index.js"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "lib.go"), []byte("x"), 0o644))

	assert.Equal(t, 2, CountFiles(dir))
}

func TestWatchEmitsInitialCountAndChanges(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))

	rec := newRecorder()
	w := New(rec.emit)
	defer w.Shutdown()

	require.NoError(t, w.Watch("s-1", dir))
	waitFor(t, func() bool {
		n, ok := rec.last("s-1")
		return ok && n == 1
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("x"), 0o644))
	waitFor(t, func() bool {
		n, _ := rec.last("s-1")
		return n == 2
	})
}

func TestWatchTwiceIsNoop(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w := New(rec.emit)
	defer w.Shutdown()

	require.NoError(t, w.Watch("s-1", dir))
	require.NoError(t, w.Watch("s-1", dir))
}

func TestUnwatchStopsEvents(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	w := New(rec.emit)
	defer w.Shutdown()

	require.NoError(t, w.Watch("s-1", dir))
	waitFor(t, func() bool {
		_, ok := rec.last("s-1")
		return ok
	})

	w.Unwatch("s-1")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "late.txt"), []byte("x"), 0o644))

	time.Sleep(2 * debounceInterval)
	n, _ := rec.last("s-1")
	assert.Equal(t, 0, n)
}
