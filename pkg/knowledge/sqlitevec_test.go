package knowledge

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVecStore(t *testing.T) *VecStore {
	t.Helper()
	store, err := NewVecStore(VecStoreConfig{
		Path:       filepath.Join(t.TempDir(), "knowledge.db"),
		Dimensions: 3,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedEntries(t *testing.T, store *VecStore) {
	t.Helper()
	entries := []Entry{
		{ID: "pub", Content: "public fact", Level: LevelPublic,
			Source: "docs/a.md", Embedding: []float32{1, 0, 0}},
		{ID: "org", Content: "org process", Level: LevelOrganization,
			OrganizationID: "org-1", Source: "docs/a.md", Embedding: []float32{0.9, 0.1, 0}},
		{ID: "ind", Content: "personal habit", Level: LevelIndividual,
			UserID: "u1", Source: "docs/b.md", Embedding: []float32{0, 1, 0}},
	}
	require.NoError(t, store.BatchUpsert(context.Background(), entries))
}

func TestVecStore_SearchOrdersBySimilarity(t *testing.T) {
	store := newTestVecStore(t)
	seedEntries(t, store)

	results, err := store.Search(context.Background(), []float32{1, 0, 0}, VectorSearchOptions{TopK: 3})
	require.NoError(t, err)
	require.True(t, len(results) >= 2)

	assert.Equal(t, "pub", results[0].ID, "exact match ranks first")
	assert.InDelta(t, 1.0, results[0].Score, 0.001)
	assert.Equal(t, "org", results[1].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestVecStore_SearchMinScore(t *testing.T) {
	store := newTestVecStore(t)
	seedEntries(t, store)

	results, err := store.Search(context.Background(), []float32{1, 0, 0},
		VectorSearchOptions{TopK: 3, MinScore: 0.9})
	require.NoError(t, err)

	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.9)
		assert.NotEqual(t, "ind", r.ID, "orthogonal entry is gated out")
	}
}

func TestVecStore_SearchFilters(t *testing.T) {
	store := newTestVecStore(t)
	seedEntries(t, store)
	ctx := context.Background()

	results, err := store.Search(ctx, []float32{1, 0, 0}, VectorSearchOptions{
		TopK:    3,
		Filters: Filters{Level: LevelOrganization, OrganizationID: "org-1"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "org", results[0].ID)

	results, err = store.Search(ctx, []float32{0, 1, 0}, VectorSearchOptions{
		TopK:    3,
		Filters: Filters{Level: LevelIndividual, UserID: "u1"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ind", results[0].ID)
}

func TestVecStore_UpsertReplaces(t *testing.T) {
	store := newTestVecStore(t)
	ctx := context.Background()

	first := Entry{ID: "e1", Content: "v1", Level: LevelPublic, Embedding: []float32{1, 0, 0}}
	require.NoError(t, store.BatchUpsert(ctx, []Entry{first}))

	second := first
	second.Content = "v2"
	second.Embedding = []float32{0, 1, 0}
	require.NoError(t, store.BatchUpsert(ctx, []Entry{second}))

	results, err := store.Search(ctx, []float32{0, 1, 0}, VectorSearchOptions{TopK: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "v2", results[0].Content)
	assert.InDelta(t, 1.0, results[0].Score, 0.001)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalEntries, "upsert does not duplicate")
}

func TestVecStore_UpsertValidation(t *testing.T) {
	store := newTestVecStore(t)
	ctx := context.Background()

	err := store.BatchUpsert(ctx, []Entry{{Content: "x", Level: LevelPublic, Embedding: []float32{1, 0, 0}}})
	assert.Error(t, err, "missing id is rejected")

	err = store.BatchUpsert(ctx, []Entry{{ID: "e", Content: "x", Level: LevelPublic, Embedding: []float32{1, 0}}})
	assert.Error(t, err, "wrong dimensions are rejected")
}

func TestVecStore_UpdateContent(t *testing.T) {
	store := newTestVecStore(t)
	seedEntries(t, store)
	ctx := context.Background()

	require.NoError(t, store.UpdateContent(ctx, "pub", "merged fact", []float32{0, 0, 1}))

	results, err := store.Search(ctx, []float32{0, 0, 1}, VectorSearchOptions{TopK: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "pub", results[0].ID)
	assert.Equal(t, "merged fact", results[0].Content)

	assert.Error(t, store.UpdateContent(ctx, "missing", "x", []float32{0, 0, 1}))
}

func TestVecStore_UpdateMetadata(t *testing.T) {
	store := newTestVecStore(t)
	seedEntries(t, store)
	ctx := context.Background()

	level := LevelOrganization
	orgID := "org-2"
	require.NoError(t, store.UpdateMetadata(ctx, "pub", MetadataPatch{Level: &level, OrganizationID: &orgID}))

	results, err := store.Search(ctx, []float32{1, 0, 0}, VectorSearchOptions{
		TopK:    1,
		Filters: Filters{Level: LevelOrganization, OrganizationID: "org-2"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "pub", results[0].ID)
}

func TestVecStore_DeleteByFilter(t *testing.T) {
	store := newTestVecStore(t)
	seedEntries(t, store)
	ctx := context.Background()

	deleted, err := store.DeleteByFilter(ctx, Filters{Source: "docs/a.md"})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	ids, err := store.ListIDsBySource(ctx, "docs/a.md")
	require.NoError(t, err)
	assert.Empty(t, ids)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalEntries)

	_, err = store.DeleteByFilter(ctx, Filters{})
	assert.Error(t, err, "unfiltered delete is refused")
}

func TestVecStore_Stats(t *testing.T) {
	store := newTestVecStore(t)
	seedEntries(t, store)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalEntries)
	assert.Equal(t, 1, stats.ByLevel[LevelPublic])
	assert.Equal(t, 1, stats.ByLevel[LevelOrganization])
	assert.Equal(t, 1, stats.ByLevel[LevelIndividual])
}
