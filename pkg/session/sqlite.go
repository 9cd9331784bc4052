package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLiteStore is a Store backed by a local sqlite database
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// SQLiteConfig holds sqlite store configuration
type SQLiteConfig struct {
	Path   string
	Logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) the database and initializes the schema
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.Path).Msg("Session store opened")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			goal TEXT NOT NULL,
			initial_goal TEXT NOT NULL,
			status TEXT NOT NULL,
			is_running INTEGER NOT NULL DEFAULT 0,
			agent_type TEXT NOT NULL DEFAULT '',
			auto_run INTEGER NOT NULL DEFAULT 0,
			depth INTEGER NOT NULL DEFAULT 0,
			parent_session_id TEXT,
			is_sub_agent INTEGER NOT NULL DEFAULT 0,
			last_compressed_step_id INTEGER NOT NULL DEFAULT 0,
			compressed_summary TEXT NOT NULL DEFAULT '',
			is_compressing INTEGER NOT NULL DEFAULT 0,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			result_summary TEXT,
			last_knowledge_extraction_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
		CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id);

		CREATE TABLE IF NOT EXISTS steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			step_number INTEGER NOT NULL,
			action TEXT NOT NULL,
			reasoning TEXT NOT NULL DEFAULT '',
			selected_tool TEXT NOT NULL DEFAULT '',
			parameters TEXT,
			result TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			discarded INTEGER NOT NULL DEFAULT 0,
			compressed_content TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);
		CREATE INDEX IF NOT EXISTS idx_steps_session ON steps(session_id);

		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			step_id INTEGER NOT NULL,
			goal TEXT NOT NULL,
			status TEXT NOT NULL,
			last_compressed_step_id INTEGER NOT NULL DEFAULT 0,
			compressed_summary TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session row
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	var parent sql.NullString
	if sess.ParentSessionID != nil {
		parent = sql.NullString{String: *sess.ParentSessionID, Valid: true}
	}
	var summary sql.NullString
	if sess.ResultSummary != nil {
		summary = sql.NullString{String: *sess.ResultSummary, Valid: true}
	}
	var extractedAt sql.NullInt64
	if sess.LastKnowledgeExtractionAt != nil {
		extractedAt = sql.NullInt64{Int64: sess.LastKnowledgeExtractionAt.Unix(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, goal, initial_goal, status, is_running, agent_type, auto_run,
			depth, parent_session_id, is_sub_agent, last_compressed_step_id,
			compressed_summary, is_compressing, is_deleted, result_summary,
			last_knowledge_extraction_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Goal, sess.InitialGoal, string(sess.Status), sess.IsRunning,
		sess.AgentType, sess.AutoRun, sess.Depth, parent, sess.IsSubAgent,
		sess.LastCompressedStepID, sess.CompressedSummary, sess.IsCompressing,
		sess.IsDeleted, summary, extractedAt, sess.CreatedAt.Unix(), sess.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, goal, initial_goal, status, is_running, agent_type,
	auto_run, depth, parent_session_id, is_sub_agent, last_compressed_step_id,
	compressed_summary, is_compressing, is_deleted, result_summary,
	last_knowledge_extraction_at, created_at, updated_at`

// GetSession loads a session by id
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess        Session
		status      string
		parent      sql.NullString
		summary     sql.NullString
		extractedAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(
		&sess.ID, &sess.Goal, &sess.InitialGoal, &status, &sess.IsRunning,
		&sess.AgentType, &sess.AutoRun, &sess.Depth, &parent, &sess.IsSubAgent,
		&sess.LastCompressedStepID, &sess.CompressedSummary, &sess.IsCompressing,
		&sess.IsDeleted, &summary, &extractedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.Status = Status(status)
	if parent.Valid {
		sess.ParentSessionID = &parent.String
	}
	if summary.Valid {
		sess.ResultSummary = &summary.String
	}
	if extractedAt.Valid {
		t := time.Unix(extractedAt.Int64, 0)
		sess.LastKnowledgeExtractionAt = &t
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)

	return &sess, nil
}

// UpdateSession applies a partial update; absent patch fields are untouched
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, patch Patch) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().Unix()}

	if patch.Goal != nil {
		sets = append(sets, "goal = ?")
		args = append(args, *patch.Goal)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.IsRunning != nil {
		sets = append(sets, "is_running = ?")
		args = append(args, *patch.IsRunning)
	}
	if patch.IsCompressing != nil {
		sets = append(sets, "is_compressing = ?")
		args = append(args, *patch.IsCompressing)
	}
	if patch.IsDeleted != nil {
		sets = append(sets, "is_deleted = ?")
		args = append(args, *patch.IsDeleted)
	}
	if patch.LastCompressedStepID != nil {
		sets = append(sets, "last_compressed_step_id = ?")
		args = append(args, *patch.LastCompressedStepID)
	}
	if patch.CompressedSummary != nil {
		sets = append(sets, "compressed_summary = ?")
		args = append(args, *patch.CompressedSummary)
	}
	if patch.ResultSummary != nil {
		sets = append(sets, "result_summary = ?")
		args = append(args, *patch.ResultSummary)
	}
	if patch.LastKnowledgeExtractionAt != nil {
		sets = append(sets, "last_knowledge_extraction_at = ?")
		args = append(args, patch.LastKnowledgeExtractionAt.Unix())
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions lists sessions matching the filter
func (s *SQLiteStore) ListSessions(ctx context.Context, filter ListSessionsFilter) ([]*Session, error) {
	where := []string{"1=1"}
	var args []interface{}

	if !filter.IncludeDeleted {
		where = append(where, "is_deleted = 0")
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ParentSessionID != nil {
		where = append(where, "parent_session_id = ?")
		args = append(args, *filter.ParentSessionID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// PurgeDeletedBefore hard-deletes soft-deleted sessions last updated before
// cutoff, along with their steps and checkpoints
func (s *SQLiteStore) PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge: %w", err)
	}
	defer tx.Rollback()

	const match = "SELECT id FROM sessions WHERE is_deleted = 1 AND updated_at < ?"
	ts := cutoff.Unix()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM steps WHERE session_id IN ("+match+")", ts); err != nil {
		return 0, fmt.Errorf("failed to purge steps: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM checkpoints WHERE session_id IN ("+match+")", ts); err != nil {
		return 0, fmt.Errorf("failed to purge checkpoints: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		"DELETE FROM sessions WHERE is_deleted = 1 AND updated_at < ?", ts)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return int(purged), nil
}

// CreateStep inserts a step and backfills its assigned id
func (s *SQLiteStore) CreateStep(ctx context.Context, step *Step) error {
	var params sql.NullString
	if step.Parameters != nil {
		data, err := json.Marshal(step.Parameters)
		if err != nil {
			return fmt.Errorf("failed to marshal step parameters: %w", err)
		}
		params = sql.NullString{String: string(data), Valid: true}
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO steps (
			session_id, step_number, action, reasoning, selected_tool,
			parameters, result, error_message, status, discarded,
			compressed_content, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.SessionID, step.StepNumber, step.Action, step.Reasoning,
		step.SelectedTool, params, step.Result, step.ErrorMessage, step.Status,
		step.Discarded, step.CompressedContent, step.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read step id: %w", err)
	}
	step.ID = id
	return nil
}

const stepColumns = `id, session_id, step_number, action, reasoning,
	selected_tool, parameters, result, error_message, status, discarded,
	compressed_content, created_at`

func scanStep(row rowScanner) (*Step, error) {
	var (
		step      Step
		params    sql.NullString
		createdAt int64
	)
	err := row.Scan(
		&step.ID, &step.SessionID, &step.StepNumber, &step.Action,
		&step.Reasoning, &step.SelectedTool, &params, &step.Result,
		&step.ErrorMessage, &step.Status, &step.Discarded,
		&step.CompressedContent, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if params.Valid {
		if err := json.Unmarshal([]byte(params.String), &step.Parameters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step parameters: %w", err)
		}
	}
	step.CreatedAt = time.Unix(createdAt, 0)

	return &step, nil
}

// ListSteps lists a session's steps in id order
func (s *SQLiteStore) ListSteps(ctx context.Context, sessionID string, opts ListStepsOptions) ([]*Step, error) {
	query := `SELECT ` + stepColumns + ` FROM steps WHERE session_id = ?`
	args := []interface{}{sessionID}

	if !opts.IncludeDiscarded {
		query += " AND discarded = 0"
	}
	query += " ORDER BY id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// GetLastStep returns the newest non-discarded step, or (nil, nil) if none
func (s *SQLiteStore) GetLastStep(ctx context.Context, sessionID string) (*Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps
		 WHERE session_id = ? AND discarded = 0
		 ORDER BY id DESC LIMIT 1`, sessionID)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last step: %w", err)
	}
	return step, nil
}

// MarkStepsDiscarded flags the given steps as discarded
func (s *SQLiteStore) MarkStepsDiscarded(ctx context.Context, sessionID string, stepIDs []int64) error {
	if len(stepIDs) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(stepIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, 0, len(stepIDs)+1)
	args = append(args, sessionID)
	for _, id := range stepIDs {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx,
		"UPDATE steps SET discarded = 1 WHERE session_id = ? AND id IN ("+placeholders+")",
		args...)
	if err != nil {
		return fmt.Errorf("failed to discard steps: %w", err)
	}
	return nil
}

// CreateCheckpoint inserts a checkpoint row
func (s *SQLiteStore) CreateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (
			id, session_id, name, step_id, goal, status,
			last_compressed_step_id, compressed_summary, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.Name, cp.StepID, cp.Goal, string(cp.Status),
		cp.LastCompressedStepID, cp.CompressedSummary, cp.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

const checkpointColumns = `id, session_id, name, step_id, goal, status,
	last_compressed_step_id, compressed_summary, created_at`

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		status    string
		createdAt int64
	)
	err := row.Scan(
		&cp.ID, &cp.SessionID, &cp.Name, &cp.StepID, &cp.Goal, &status,
		&cp.LastCompressedStepID, &cp.CompressedSummary, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	cp.Status = Status(status)
	cp.CreatedAt = time.Unix(createdAt, 0)
	return &cp, nil
}

// GetCheckpoint loads a checkpoint by id
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints lists a session's checkpoints oldest first
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE session_id = ? ORDER BY created_at`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// DeleteCheckpoint removes a checkpoint
func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return ErrCheckpointNotFound
	}
	return nil
}
