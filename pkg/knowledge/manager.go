package knowledge

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/arlo-ai/arlo/internal/observability"
	"github.com/arlo-ai/arlo/internal/tracing"
)

const (
	DefaultEmbedBatchSize = 10
	DefaultTopK           = 5
	DefaultMinScore       = 0.7
)

var supportedExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".txt":      true,
	".rst":      true,
}

// Config holds knowledge manager configuration
type Config struct {
	Store    VectorStore
	Embedder EmbeddingProvider
	// Chunker is optional; a sliding-window chunker is used when nil
	Chunker         Chunker
	Logger          zerolog.Logger
	EmbedBatchSize  int
	CacheTTL        time.Duration
	DefaultTopK     int
	DefaultMinScore float64
}

// Manager indexes documents into the vector store and serves cached
// similarity search over them
type Manager struct {
	store     VectorStore
	embedder  EmbeddingProvider
	chunker   Chunker
	logger    zerolog.Logger
	batchSize int
	topK      int
	minScore  float64
	cache     *searchCache

	watchMu    sync.Mutex
	watcher    *Watcher
	watchRoots []string
	dirtyRoots map[string]struct{}
}

// NewManager creates a knowledge manager
func NewManager(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if cfg.Chunker == nil {
		cfg.Chunker = NewSlidingWindowChunker()
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = DefaultEmbedBatchSize
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = DefaultTopK
	}
	if cfg.DefaultMinScore <= 0 {
		cfg.DefaultMinScore = DefaultMinScore
	}

	m := &Manager{
		store:     cfg.Store,
		embedder:  cfg.Embedder,
		chunker:   cfg.Chunker,
		logger:    cfg.Logger,
		batchSize: cfg.EmbedBatchSize,
		topK:      cfg.DefaultTopK,
		minScore:  cfg.DefaultMinScore,
		cache:     newSearchCache(cfg.CacheTTL),
	}

	log.Info().Msg("Knowledge manager initialized")
	return m, nil
}

// IndexOptions configures a document indexing run
type IndexOptions struct {
	Includes       []string
	Excludes       []string
	Level          Level
	OrganizationID string
	UserID         string
	// Update deletes previously indexed chunks of each file first
	Update   bool
	Progress func(Progress)
}

// IndexResult summarizes one indexing run
type IndexResult struct {
	FilesProcessed int `json:"files_processed"`
	FilesFailed    int `json:"files_failed"`
	ChunksIndexed  int `json:"chunks_indexed"`
}

// IndexDocuments scans root for supported files matching the include/exclude
// patterns and indexes each one: extract, chunk, batch-embed, upsert.
// Per-file failures are logged and counted without aborting the run.
func (m *Manager) IndexDocuments(ctx context.Context, root string, opts IndexOptions) (*IndexResult, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"arlo.knowledge",
		"knowledge.index",
		attribute.String("root", root),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)
	start := time.Now()
	defer func() {
		observability.RecordKnowledgeIndex(time.Since(start))
	}()

	if opts.Level == "" {
		opts.Level = LevelPublic
	}
	if !opts.Level.Valid() {
		err := fmt.Errorf("unknown knowledge level %q", opts.Level)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	emit := func(p Progress) {
		if opts.Progress != nil {
			opts.Progress(p)
		}
	}

	emit(Progress{Stage: StageScanning})
	files, err := m.scan(root, opts.Includes, opts.Excludes)
	if err != nil {
		emit(Progress{Stage: StageError, Err: err})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	result := &IndexResult{}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result.FilesProcessed++
		emit(Progress{
			Stage:          StageProcessing,
			File:           file,
			FilesProcessed: result.FilesProcessed,
			FilesTotal:     len(files),
		})

		chunks, err := m.indexFile(ctx, file, opts, emit, len(files), result.FilesProcessed)
		if err != nil {
			result.FilesFailed++
			logger.Warn().Str("file", file).Err(err).Msg("Failed to index file, skipping")
			emit(Progress{
				Stage:          StageError,
				File:           file,
				FilesProcessed: result.FilesProcessed,
				FilesTotal:     len(files),
				Err:            err,
			})
			continue
		}
		result.ChunksIndexed += chunks
	}

	m.cache.invalidate()
	m.clearDirty(root)
	m.updateEntriesMetric(ctx)

	emit(Progress{
		Stage:          StageComplete,
		FilesProcessed: result.FilesProcessed,
		FilesTotal:     len(files),
	})

	logger.Info().
		Int("files", result.FilesProcessed).
		Int("failed", result.FilesFailed).
		Int("chunks", result.ChunksIndexed).
		Msg("Indexing completed")

	return result, nil
}

// scan collects supported files under root matching the patterns
func (m *Manager) scan(root string, includes, excludes []string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !supportedExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if len(includes) > 0 && !matchesAny(includes, rel) {
			return nil
		}
		if matchesAny(excludes, rel) {
			return nil
		}

		files = append(files, path)
		return nil
	})
	return files, err
}

func matchesAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func (m *Manager) indexFile(ctx context.Context, path string, opts IndexOptions, emit func(Progress), total, processed int) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read file: %w", err)
	}

	chunks := m.chunker.Chunk(string(data))
	if len(chunks) == 0 {
		return 0, nil
	}

	if opts.Update {
		if _, err := m.store.DeleteByFilter(ctx, Filters{Source: path}); err != nil {
			return 0, fmt.Errorf("failed to delete stale chunks: %w", err)
		}
	}

	emit(Progress{Stage: StageEmbedding, File: path, FilesProcessed: processed, FilesTotal: total})

	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	now := time.Now()
	var entries []Entry

	// Batches go out sequentially to respect provider rate limits
	for start := 0; start < len(chunks); start += m.batchSize {
		end := start + m.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		vectors, err := m.embedder.GenerateBatch(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("failed to embed chunks: %w", err)
		}

		for i, c := range batch {
			id, err := gonanoid.New()
			if err != nil {
				return 0, fmt.Errorf("failed to generate entry id: %w", err)
			}
			entries = append(entries, Entry{
				ID:             id,
				Content:        c.Content,
				Source:         path,
				Title:          title,
				Level:          opts.Level,
				OrganizationID: opts.OrganizationID,
				UserID:         opts.UserID,
				CreatedAt:      now,
				Embedding:      vectors[i],
			})
		}
	}

	emit(Progress{Stage: StageStoring, File: path, FilesProcessed: processed, FilesTotal: total})

	if err := m.store.BatchUpsert(ctx, entries); err != nil {
		return 0, fmt.Errorf("failed to upsert chunks: %w", err)
	}
	return len(entries), nil
}

// SearchOptions configures a similarity search
type SearchOptions struct {
	TopK     int
	MinScore float64
	Filters  Filters
}

// Search embeds the query and returns similar entries, memoized by
// query+filters with TTL expiry
func (m *Manager) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"arlo.knowledge",
		"knowledge.search",
		attribute.String("query", query),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)
	start := time.Now()
	defer func() {
		observability.RecordKnowledgeSearch(time.Since(start))
	}()

	if query == "" {
		return nil, nil
	}
	if opts.TopK <= 0 {
		opts.TopK = m.topK
	}
	if opts.MinScore <= 0 {
		opts.MinScore = m.minScore
	}

	key := cacheKey(query, opts.TopK, opts.MinScore, opts.Filters)
	if results, ok := m.cache.get(key); ok {
		observability.RecordSearchCache(true)
		logger.Debug().Str("query", query).Int("results", len(results)).Msg("Search cache hit")
		return results, nil
	}
	observability.RecordSearchCache(false)

	vector, err := m.embedder.Generate(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := m.store.Search(ctx, vector, VectorSearchOptions{
		TopK:     opts.TopK,
		MinScore: opts.MinScore,
		Filters:  opts.Filters,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to search vector store: %w", err)
	}

	m.cache.put(key, results)

	logger.Debug().Str("query", query).Int("results", len(results)).Msg("Search completed")
	return results, nil
}

// UpdateOptions configures a document update
type UpdateOptions struct {
	// Metadata patches every chunk of the document without reindexing
	Metadata *MetadataPatch
	// Index options used when reindexing (Metadata == nil)
	Index IndexOptions
}

// UpdateDocument either patches metadata across all chunks of a document or
// fully reindexes it (delete then index)
func (m *Manager) UpdateDocument(ctx context.Context, path string, opts UpdateOptions) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"arlo.knowledge",
		"knowledge.update_document",
		attribute.String("path", path),
	)
	defer span.End()

	if opts.Metadata != nil {
		ids, err := m.store.ListIDsBySource(ctx, path)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to list chunks of %s: %w", path, err)
		}
		for _, id := range ids {
			if err := m.store.UpdateMetadata(ctx, id, *opts.Metadata); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return fmt.Errorf("failed to patch chunk %s: %w", id, err)
			}
		}
		m.cache.invalidate()
		return nil
	}

	if _, err := m.store.DeleteByFilter(ctx, Filters{Source: path}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}

	indexOpts := opts.Index
	emit := func(Progress) {}
	if indexOpts.Progress != nil {
		emit = indexOpts.Progress
	}
	if indexOpts.Level == "" {
		indexOpts.Level = LevelPublic
	}

	if _, err := m.indexFile(ctx, path, indexOpts, emit, 1, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to reindex %s: %w", path, err)
	}

	m.cache.invalidate()
	m.updateEntriesMetric(ctx)
	return nil
}

// DeleteDocument removes every chunk of a document and returns the count
func (m *Manager) DeleteDocument(ctx context.Context, path string) (int, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"arlo.knowledge",
		"knowledge.delete_document",
		attribute.String("path", path),
	)
	defer span.End()

	deleted, err := m.store.DeleteByFilter(ctx, Filters{Source: path})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to delete %s: %w", path, err)
	}

	m.cache.invalidate()
	m.updateEntriesMetric(ctx)

	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().Str("path", path).Int("deleted", deleted).Msg("Document deleted")

	return deleted, nil
}

// StoreEntry embeds and writes a single entry directly, bypassing the
// document ingestion path. The extractor persists knowledge through this.
func (m *Manager) StoreEntry(ctx context.Context, entry Entry) (string, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"arlo.knowledge",
		"knowledge.store_entry",
		attribute.String("level", string(entry.Level)),
	)
	defer span.End()

	if entry.Content == "" {
		return "", fmt.Errorf("entry content cannot be empty")
	}
	if !entry.Level.Valid() {
		return "", fmt.Errorf("unknown knowledge level %q", entry.Level)
	}

	if entry.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return "", fmt.Errorf("failed to generate entry id: %w", err)
		}
		entry.ID = id
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.Embedding == nil {
		vector, err := m.embedder.Generate(ctx, entry.Content)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("failed to embed entry: %w", err)
		}
		entry.Embedding = vector
	}

	if err := m.store.BatchUpsert(ctx, []Entry{entry}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to store entry: %w", err)
	}

	m.cache.invalidate()
	m.updateEntriesMetric(ctx)

	return entry.ID, nil
}

// MergeEntry overwrites an existing entry's content with new embedded text
func (m *Manager) MergeEntry(ctx context.Context, id, content string) error {
	vector, err := m.embedder.Generate(ctx, content)
	if err != nil {
		return fmt.Errorf("failed to embed merged content: %w", err)
	}
	if err := m.store.UpdateContent(ctx, id, content, vector); err != nil {
		return fmt.Errorf("failed to merge entry %s: %w", id, err)
	}
	m.cache.invalidate()
	return nil
}

// Stats reports vector store contents
func (m *Manager) Stats(ctx context.Context) (StoreStats, error) {
	return m.store.Stats(ctx)
}

// InvalidateCache drops all memoized search results
func (m *Manager) InvalidateCache() {
	m.cache.invalidate()
}

func (m *Manager) updateEntriesMetric(ctx context.Context) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return
	}
	observability.SetKnowledgeEntries(stats.TotalEntries)
}
