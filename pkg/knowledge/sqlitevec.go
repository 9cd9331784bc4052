package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// VecStore is a VectorStore backed by sqlite with the sqlite-vec extension
type VecStore struct {
	db         *sql.DB
	dimensions int
	logger     zerolog.Logger
}

// VecStoreConfig holds vector store configuration
type VecStoreConfig struct {
	Path       string
	Dimensions int
	Logger     zerolog.Logger
}

// NewVecStore opens (or creates) the database and initializes the schema
func NewVecStore(cfg VecStoreConfig) (*VecStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive")
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &VecStore{db: db, dimensions: cfg.Dimensions, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.Path).Int("dimensions", cfg.Dimensions).Msg("Vector store opened")
	return s, nil
}

func (s *VecStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			level TEXT NOT NULL,
			organization_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			entry_type TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entries_source ON entries(source);
		CREATE INDEX IF NOT EXISTS idx_entries_level ON entries(level);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	vectorSchema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS entry_vectors USING vec0(
			entry_id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, s.dimensions)
	if _, err := s.db.Exec(vectorSchema); err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}

	return nil
}

// Close closes the underlying database
func (s *VecStore) Close() error {
	return s.db.Close()
}

// Search returns the entries nearest to vector, filtered and score-gated
func (s *VecStore) Search(ctx context.Context, vector []float32, opts VectorSearchOptions) ([]SearchResult, error) {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}

	embeddingJSON, err := json.Marshal(vector)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query vector: %w", err)
	}

	where, args := filterClauses(opts.Filters)
	args = append([]interface{}{string(embeddingJSON)}, args...)
	args = append(args, opts.TopK)

	query := `
		SELECT e.id, e.content, e.source, e.title, e.level, e.organization_id,
		       e.user_id, e.entry_type, e.created_at,
		       vec_distance_cosine(v.embedding, ?) AS distance
		FROM entry_vectors v
		JOIN entries e ON e.id = v.entry_id
		` + where + `
		ORDER BY distance ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run vector search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			r         SearchResult
			level     string
			createdAt int64
			distance  float64
		)
		if err := rows.Scan(&r.ID, &r.Content, &r.Source, &r.Title, &level,
			&r.OrganizationID, &r.UserID, &r.Type, &createdAt, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}

		// Cosine distance in [0, 2]; similarity = 1 - distance
		r.Score = 1.0 - distance
		if opts.MinScore > 0 && r.Score < opts.MinScore {
			continue
		}

		r.Level = Level(level)
		r.CreatedAt = time.Unix(createdAt, 0)
		results = append(results, r)
	}
	return results, rows.Err()
}

func filterClauses(f Filters) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if f.Level != "" {
		clauses = append(clauses, "e.level = ?")
		args = append(args, string(f.Level))
	}
	if f.OrganizationID != "" {
		clauses = append(clauses, "e.organization_id = ?")
		args = append(args, f.OrganizationID)
	}
	if f.UserID != "" {
		clauses = append(clauses, "e.user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Source != "" {
		clauses = append(clauses, "e.source = ?")
		args = append(args, f.Source)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// BatchUpsert writes entries and their vectors in one transaction
func (s *VecStore) BatchUpsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		if e.ID == "" {
			return fmt.Errorf("entry id is required")
		}
		if len(e.Embedding) != s.dimensions {
			return fmt.Errorf("entry %s: embedding has %d dimensions, want %d",
				e.ID, len(e.Embedding), s.dimensions)
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}

		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO entries (
				id, content, source, title, level, organization_id, user_id,
				entry_type, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Content, e.Source, e.Title, string(e.Level),
			e.OrganizationID, e.UserID, e.Type, e.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert entry %s: %w", e.ID, err)
		}

		embeddingJSON, err := json.Marshal(e.Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding for %s: %w", e.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM entry_vectors WHERE entry_id = ?", e.ID); err != nil {
			return fmt.Errorf("failed to replace vector for %s: %w", e.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO entry_vectors (entry_id, embedding) VALUES (?, ?)",
			e.ID, string(embeddingJSON)); err != nil {
			return fmt.Errorf("failed to insert vector for %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

// UpdateContent overwrites an entry's content and embedding
func (s *VecStore) UpdateContent(ctx context.Context, id, content string, embedding []float32) error {
	if len(embedding) != s.dimensions {
		return fmt.Errorf("embedding has %d dimensions, want %d", len(embedding), s.dimensions)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin update: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE entries SET content = ? WHERE id = ?", content, id)
	if err != nil {
		return fmt.Errorf("failed to update entry %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("entry %s not found", id)
	}

	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM entry_vectors WHERE entry_id = ?", id); err != nil {
		return fmt.Errorf("failed to replace vector for %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO entry_vectors (entry_id, embedding) VALUES (?, ?)",
		id, string(embeddingJSON)); err != nil {
		return fmt.Errorf("failed to insert vector for %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update: %w", err)
	}
	return nil
}

// UpdateMetadata applies a partial metadata patch to one entry
func (s *VecStore) UpdateMetadata(ctx context.Context, id string, patch MetadataPatch) error {
	var sets []string
	var args []interface{}

	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Level != nil {
		sets = append(sets, "level = ?")
		args = append(args, string(*patch.Level))
	}
	if patch.OrganizationID != nil {
		sets = append(sets, "organization_id = ?")
		args = append(args, *patch.OrganizationID)
	}
	if patch.UserID != nil {
		sets = append(sets, "user_id = ?")
		args = append(args, *patch.UserID)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE entries SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update metadata for %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("entry %s not found", id)
	}
	return nil
}

// ListIDsBySource returns the ids of all entries belonging to a source path
func (s *VecStore) ListIDsBySource(ctx context.Context, source string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM entries WHERE source = ?", source)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan entry id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteByFilter removes matching entries and their vectors, returning how
// many entries were removed
func (s *VecStore) DeleteByFilter(ctx context.Context, filters Filters) (int, error) {
	where, args := filterClauses(filters)
	if where == "" {
		return 0, fmt.Errorf("refusing to delete without a filter")
	}
	// filterClauses qualifies columns with the search alias
	where = strings.ReplaceAll(where, "e.", "")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM entry_vectors WHERE entry_id IN (SELECT id FROM entries "+where+")",
		args...); err != nil {
		return 0, fmt.Errorf("failed to delete vectors: %w", err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM entries "+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete entries: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}
	return int(deleted), nil
}

// Stats reports entry counts overall and per level
func (s *VecStore) Stats(ctx context.Context) (StoreStats, error) {
	stats := StoreStats{ByLevel: make(map[Level]int)}

	rows, err := s.db.QueryContext(ctx,
		"SELECT level, COUNT(*) FROM entries GROUP BY level")
	if err != nil {
		return stats, fmt.Errorf("failed to count entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var level string
		var count int
		if err := rows.Scan(&level, &count); err != nil {
			return stats, fmt.Errorf("failed to scan entry count: %w", err)
		}
		stats.ByLevel[Level(level)] = count
		stats.TotalEntries += count
	}
	return stats, rows.Err()
}
