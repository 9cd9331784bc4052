package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/arlo-ai/arlo/internal/observability"
	"github.com/arlo-ai/arlo/internal/tracing"
)

// Config holds manager configuration
type Config struct {
	Store  Store
	Logger zerolog.Logger
}

// Manager owns the session state machine: creation, resume, status
// transitions, checkpoints, stop state, soft delete and compression
// bookkeeping. It never touches storage except through its Store.
type Manager struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager creates a session manager
func NewManager(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}

	m := &Manager{
		store:  cfg.Store,
		logger: cfg.Logger,
		now:    time.Now,
	}

	log.Info().Msg("Session manager initialized")
	return m, nil
}

// CreateOptions carries the optional fields of a new session
type CreateOptions struct {
	AgentType       string
	AutoRun         bool
	ParentSessionID *string
}

// CreateSession creates a new active session. Sub-agent sessions inherit
// depth from their parent; the parent must exist and not be deleted.
func (m *Manager) CreateSession(ctx context.Context, goal string, opts CreateOptions) (*Session, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"arlo.session",
		"session.create",
		attribute.String("agent_type", opts.AgentType),
	)
	defer span.End()

	if goal == "" {
		err := fmt.Errorf("session goal cannot be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	now := m.now()
	s := &Session{
		ID:          uuid.NewString(),
		Goal:        goal,
		InitialGoal: goal,
		Status:      StatusActive,
		IsRunning:   false,
		AgentType:   opts.AgentType,
		AutoRun:     opts.AutoRun,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if opts.ParentSessionID != nil {
		parent, err := m.getLive(ctx, *opts.ParentSessionID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("parent session %s: %w", *opts.ParentSessionID, err)
		}
		s.ParentSessionID = opts.ParentSessionID
		s.IsSubAgent = true
		s.Depth = parent.Depth + 1
	}

	if err := m.store.CreateSession(ctx, s); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	observability.RecordSessionTransition(string(StatusActive))
	m.updateActiveSessionsMetric(ctx)

	logger := tracing.LoggerFromContext(ctx, m.logger).With().Str("session_id", s.ID).Logger()
	logger.Info().
		Str("agent_type", s.AgentType).
		Int("depth", s.Depth).
		Bool("sub_agent", s.IsSubAgent).
		Msg("Session created")

	return s, nil
}

// ResumeOptions controls resume behavior
type ResumeOptions struct {
	// Validate rejects resumption of completed sessions
	Validate bool
	// ResetRunning clears the running flag on resume
	ResetRunning bool
}

// DefaultResumeOptions returns the standard resume behavior
func DefaultResumeOptions() ResumeOptions {
	return ResumeOptions{Validate: true, ResetRunning: true}
}

// ResumeSession brings a paused or stopped session back to active. Resuming
// a failed session is allowed but logged at warn level. Completed sessions
// cannot be resumed while validation is on.
func (m *Manager) ResumeSession(ctx context.Context, id string, opts ResumeOptions) (*Session, error) {
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(
		ctx,
		"arlo.session",
		"session.resume",
		attribute.String("session_id", id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger).With().Str("session_id", id).Logger()

	s, err := m.getLive(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if opts.Validate && s.Status == StatusCompleted {
		err := fmt.Errorf("session %s: %w", id, ErrAlreadyCompleted)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if s.Status == StatusFailed {
		logger.Warn().Msg("Resuming a failed session")
	}

	patch := Patch{}
	changed := false

	if opts.ResetRunning && s.IsRunning {
		running := false
		patch.IsRunning = &running
		s.IsRunning = false
		changed = true
	}

	if s.Status == StatusPaused || s.Status == StatusStopped {
		active := StatusActive
		patch.Status = &active
		s.Status = StatusActive
		changed = true
	}

	if !changed {
		return s, nil
	}

	if err := m.store.UpdateSession(ctx, id, patch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to resume session %s: %w", id, err)
	}

	observability.RecordSessionTransition(string(s.Status))
	logger.Info().Str("status", string(s.Status)).Msg("Session resumed")

	return s, nil
}

// MarkAsRunning flags the session as actively executing
func (m *Manager) MarkAsRunning(ctx context.Context, id string) error {
	return m.transition(ctx, id, StatusActive, true, nil)
}

// MarkAsPaused pauses the session
func (m *Manager) MarkAsPaused(ctx context.Context, id string) error {
	return m.transition(ctx, id, StatusPaused, false, nil)
}

// MarkAsStopped stops the session
func (m *Manager) MarkAsStopped(ctx context.Context, id string) error {
	return m.transition(ctx, id, StatusStopped, false, nil)
}

// MarkAsCompleted completes the session, optionally recording a result summary
func (m *Manager) MarkAsCompleted(ctx context.Context, id string, summary *string) error {
	return m.transition(ctx, id, StatusCompleted, false, summary)
}

// MarkAsFailed fails the session, optionally recording a result summary
func (m *Manager) MarkAsFailed(ctx context.Context, id string, summary *string) error {
	return m.transition(ctx, id, StatusFailed, false, summary)
}

func (m *Manager) transition(ctx context.Context, id string, status Status, running bool, summary *string) error {
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(
		ctx,
		"arlo.session",
		"session.transition",
		attribute.String("session_id", id),
		attribute.String("status", string(status)),
	)
	defer span.End()

	if _, err := m.getLive(ctx, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	patch := Patch{
		Status:    &status,
		IsRunning: &running,
	}
	if summary != nil {
		patch.ResultSummary = summary
	}

	if err := m.store.UpdateSession(ctx, id, patch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}

	observability.RecordSessionTransition(string(status))
	m.updateActiveSessionsMetric(ctx)

	logger := tracing.LoggerFromContext(ctx, m.logger).With().Str("session_id", id).Logger()
	logger.Debug().
		Str("status", string(status)).
		Bool("running", running).
		Msg("Session transitioned")

	return nil
}

// CanResume reports whether a session exists, is not deleted, and is in a
// resumable status. Missing or deleted sessions yield false, not an error.
func (m *Manager) CanResume(ctx context.Context, id string) (bool, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if s.IsDeleted {
		return false, nil
	}
	return s.Status.Resumable(), nil
}

// CreateCheckpoint snapshots the session's current fields plus the id of the
// last non-discarded step (0 if none)
func (m *Manager) CreateCheckpoint(ctx context.Context, sessionID, name string) (*Checkpoint, error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"arlo.session",
		"session.checkpoint_create",
		attribute.String("session_id", sessionID),
	)
	defer span.End()

	s, err := m.getLive(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var stepID int64
	last, err := m.store.GetLastStep(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to find last step of session %s: %w", sessionID, err)
	}
	if last != nil {
		stepID = last.ID
	}

	cp := &Checkpoint{
		ID:                   uuid.NewString(),
		SessionID:            sessionID,
		Name:                 name,
		StepID:               stepID,
		Goal:                 s.Goal,
		Status:               s.Status,
		LastCompressedStepID: s.LastCompressedStepID,
		CompressedSummary:    s.CompressedSummary,
		CreatedAt:            m.now(),
	}

	if err := m.store.CreateCheckpoint(ctx, cp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create checkpoint: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, m.logger).With().Str("session_id", sessionID).Logger()
	logger.Info().
		Str("checkpoint_id", cp.ID).
		Int64("step_id", cp.StepID).
		Msg("Checkpoint created")

	return cp, nil
}

// RestoreFromCheckpoint restores the snapshotted fields onto the session,
// forces status=active with running cleared, and discards every step whose
// id is greater than the checkpoint's cut-point.
func (m *Manager) RestoreFromCheckpoint(ctx context.Context, checkpointID string) (*Session, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"arlo.session",
		"session.checkpoint_restore",
		attribute.String("checkpoint_id", checkpointID),
	)
	defer span.End()

	cp, err := m.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if isNotFound(err) {
			return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, ErrCheckpointNotFound)
		}
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", checkpointID, err)
	}

	ctx = tracing.WithSessionID(ctx, cp.SessionID)

	if _, err := m.getLive(ctx, cp.SessionID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	active := StatusActive
	running := false
	patch := Patch{
		Goal:                 &cp.Goal,
		Status:               &active,
		IsRunning:            &running,
		LastCompressedStepID: &cp.LastCompressedStepID,
		CompressedSummary:    &cp.CompressedSummary,
	}
	if err := m.store.UpdateSession(ctx, cp.SessionID, patch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to restore session %s: %w", cp.SessionID, err)
	}

	// Discard set = every step past the cut-point, over all steps
	steps, err := m.store.ListSteps(ctx, cp.SessionID, ListStepsOptions{IncludeDiscarded: true})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list steps of session %s: %w", cp.SessionID, err)
	}

	var discard []int64
	for _, step := range steps {
		if step.ID > cp.StepID {
			discard = append(discard, step.ID)
		}
	}
	if len(discard) > 0 {
		if err := m.store.MarkStepsDiscarded(ctx, cp.SessionID, discard); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to discard steps of session %s: %w", cp.SessionID, err)
		}
	}

	observability.RecordCheckpointRestore()

	logger := tracing.LoggerFromContext(ctx, m.logger).With().Str("session_id", cp.SessionID).Logger()
	logger.Info().
		Str("checkpoint_id", checkpointID).
		Int64("step_id", cp.StepID).
		Int("discarded_steps", len(discard)).
		Msg("Session restored from checkpoint")

	return m.store.GetSession(ctx, cp.SessionID)
}

// SaveStopState stops the session and returns the derived stop state
func (m *Manager) SaveStopState(ctx context.Context, id string, partialResult *string) (*StopState, error) {
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(
		ctx,
		"arlo.session",
		"session.stop_state_save",
		attribute.String("session_id", id),
	)
	defer span.End()

	if _, err := m.getLive(ctx, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	steps, err := m.store.ListSteps(ctx, id, ListStepsOptions{IncludeDiscarded: true})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list steps of session %s: %w", id, err)
	}

	var lastStepID int64
	for _, step := range steps {
		if step.ID > lastStepID {
			lastStepID = step.ID
		}
	}

	stopped := StatusStopped
	running := false
	patch := Patch{Status: &stopped, IsRunning: &running}
	if partialResult != nil {
		patch.ResultSummary = partialResult
	}
	if err := m.store.UpdateSession(ctx, id, patch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to stop session %s: %w", id, err)
	}

	observability.RecordSessionTransition(string(StatusStopped))
	m.updateActiveSessionsMetric(ctx)

	return &StopState{
		SessionID:      id,
		CompletedSteps: len(steps),
		LastStepID:     lastStepID,
		PartialResult:  partialResult,
		CanResume:      true,
	}, nil
}

// GetStopState reconstructs the stop state of a stopped session, or returns
// (nil, nil) if the session is not stopped
func (m *Manager) GetStopState(ctx context.Context, id string) (*StopState, error) {
	s, err := m.getLive(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusStopped {
		return nil, nil
	}

	steps, err := m.store.ListSteps(ctx, id, ListStepsOptions{IncludeDiscarded: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list steps of session %s: %w", id, err)
	}

	var lastStepID int64
	for _, step := range steps {
		if step.ID > lastStepID {
			lastStepID = step.ID
		}
	}

	return &StopState{
		SessionID:      id,
		CompletedSteps: len(steps),
		LastStepID:     lastStepID,
		PartialResult:  s.ResultSummary,
		CanResume:      true,
	}, nil
}

// DeleteSession soft-deletes a session; steps and checkpoints stay until the
// retention janitor purges them
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(
		ctx,
		"arlo.session",
		"session.delete",
		attribute.String("session_id", id),
	)
	defer span.End()

	if _, err := m.getLive(ctx, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	deleted := true
	running := false
	if err := m.store.UpdateSession(ctx, id, Patch{IsDeleted: &deleted, IsRunning: &running}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}

	m.updateActiveSessionsMetric(ctx)

	logger := tracing.LoggerFromContext(ctx, m.logger).With().Str("session_id", id).Logger()
	logger.Info().Msg("Session deleted")

	return nil
}

// GetSession loads a session, failing fast on missing or deleted ids
func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	return m.getLive(ctx, id)
}

// AppendStep records an executor step with the next monotonic step number
func (m *Manager) AppendStep(ctx context.Context, sessionID string, step *Step) error {
	if _, err := m.getLive(ctx, sessionID); err != nil {
		return err
	}

	steps, err := m.store.ListSteps(ctx, sessionID, ListStepsOptions{IncludeDiscarded: true})
	if err != nil {
		return fmt.Errorf("failed to list steps of session %s: %w", sessionID, err)
	}

	step.SessionID = sessionID
	step.StepNumber = len(steps) + 1
	if step.CreatedAt.IsZero() {
		step.CreatedAt = m.now()
	}

	if err := m.store.CreateStep(ctx, step); err != nil {
		return fmt.Errorf("failed to create step: %w", err)
	}
	return nil
}

// ListSteps lists a session's steps, failing fast on missing or deleted ids
func (m *Manager) ListSteps(ctx context.Context, sessionID string, opts ListStepsOptions) ([]*Step, error) {
	if _, err := m.getLive(ctx, sessionID); err != nil {
		return nil, err
	}
	steps, err := m.store.ListSteps(ctx, sessionID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps of session %s: %w", sessionID, err)
	}
	return steps, nil
}

// MarkCompressing toggles the compression-in-progress flag
func (m *Manager) MarkCompressing(ctx context.Context, id string, compressing bool) error {
	if _, err := m.getLive(ctx, id); err != nil {
		return err
	}
	if err := m.store.UpdateSession(ctx, id, Patch{IsCompressing: &compressing}); err != nil {
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}
	return nil
}

// SetCompressedUpTo records the compression watermark and summary, clearing
// the compressing flag
func (m *Manager) SetCompressedUpTo(ctx context.Context, id string, stepID int64, summary string) error {
	if _, err := m.getLive(ctx, id); err != nil {
		return err
	}

	compressing := false
	patch := Patch{
		LastCompressedStepID: &stepID,
		CompressedSummary:    &summary,
		IsCompressing:        &compressing,
	}
	if err := m.store.UpdateSession(ctx, id, patch); err != nil {
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}

	logger := tracing.LoggerFromContext(ctx, m.logger).With().Str("session_id", id).Logger()
	logger.Debug().Int64("step_id", stepID).Msg("Compression watermark advanced")

	return nil
}

// MarkKnowledgeExtracted stamps the last knowledge extraction time
func (m *Manager) MarkKnowledgeExtracted(ctx context.Context, id string, at time.Time) error {
	if _, err := m.getLive(ctx, id); err != nil {
		return err
	}
	if err := m.store.UpdateSession(ctx, id, Patch{LastKnowledgeExtractionAt: &at}); err != nil {
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}
	return nil
}

// getLive loads a session and fails fast on missing or deleted ids
func (m *Manager) getLive(ctx context.Context, id string) (*Session, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if s.IsDeleted {
		return nil, fmt.Errorf("session %s: %w", id, ErrDeleted)
	}
	return s, nil
}

func (m *Manager) updateActiveSessionsMetric(ctx context.Context) {
	active := StatusActive
	sessions, err := m.store.ListSessions(ctx, ListSessionsFilter{Status: &active})
	if err != nil {
		return
	}
	observability.SetActiveSessions(len(sessions))
}
