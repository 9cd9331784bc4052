package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReportsSupportedFileChanges(t *testing.T) {
	dir := t.TempDir()

	batches := make(chan []string, 8)
	w, err := NewWatcher(zerolog.Nop(), func(paths []string) { batches <- paths })
	require.NoError(t, err)
	defer w.Stop()
	require.NoError(t, w.Watch(dir))

	doc := filepath.Join(dir, "notes.md")
	plain := filepath.Join(dir, "notes.txt")
	binary := filepath.Join(dir, "blob.bin")
	require.NoError(t, os.WriteFile(doc, []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(plain, []byte("beta"), 0o644))
	require.NoError(t, os.WriteFile(binary, []byte{0x1}, 0o644))

	seen := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for !(seen[doc] && seen[plain]) {
		select {
		case paths := <-batches:
			for _, p := range paths {
				seen[p] = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for change batches, saw %v", seen)
		}
	}

	assert.False(t, seen[binary], "unsupported extensions are filtered out")
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, err := NewWatcher(zerolog.Nop(), func([]string) {})
	require.NoError(t, err)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

func TestManager_WatchIndexedFlagsDirtyAndInvalidatesCache(t *testing.T) {
	m, store, _ := newTestKnowledgeManager(t)
	dir := writeDocs(t, map[string]string{"doc.md": "original content"})
	ctx := context.Background()

	_, err := m.IndexDocuments(ctx, dir, IndexOptions{})
	require.NoError(t, err)
	assert.Empty(t, m.DirtyRoots())

	store.searchCalls = 0
	_, err = m.Search(ctx, "query", SearchOptions{})
	require.NoError(t, err)
	_, err = m.Search(ctx, "query", SearchOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, store.searchCalls, "second search is served from cache")

	require.NoError(t, m.WatchIndexed(dir))
	defer m.StopWatching()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc.md"), []byte("changed content"), 0o644))

	abs, err := filepath.Abs(dir)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		roots := m.DirtyRoots()
		return len(roots) == 1 && roots[0] == abs
	}, 5*time.Second, 50*time.Millisecond, "changed root never flagged dirty")

	_, err = m.Search(ctx, "query", SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, store.searchCalls, "file change invalidates the search cache")

	_, err = m.IndexDocuments(ctx, dir, IndexOptions{Update: true})
	require.NoError(t, err)
	assert.Empty(t, m.DirtyRoots(), "reindexing clears the dirty flag")
}

func TestManager_WatchIgnoresChangesOutsideRoots(t *testing.T) {
	m, _, _ := newTestKnowledgeManager(t)
	watched := writeDocs(t, map[string]string{"in.md": "watched"})
	unwatched := t.TempDir()

	require.NoError(t, m.WatchIndexed(watched))
	defer m.StopWatching()

	m.handleFileChanges([]string{filepath.Join(unwatched, "out.md")})

	assert.Empty(t, m.DirtyRoots())
}
