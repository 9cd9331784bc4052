package session

import (
	"context"
	"time"
)

// Patch is a partial session update; nil fields are left untouched
type Patch struct {
	Goal                      *string
	Status                    *Status
	IsRunning                 *bool
	IsCompressing             *bool
	IsDeleted                 *bool
	LastCompressedStepID      *int64
	CompressedSummary         *string
	ResultSummary             *string
	LastKnowledgeExtractionAt *time.Time
}

// ListStepsOptions filters step listings
type ListStepsOptions struct {
	IncludeDiscarded bool
	Limit            int
}

// ListSessionsFilter filters session listings
type ListSessionsFilter struct {
	Status          *Status
	ParentSessionID *string
	IncludeDeleted  bool
}

// Store is the persistence surface for sessions, steps and checkpoints.
// Implementations must return ErrNotFound / ErrCheckpointNotFound (possibly
// wrapped) for missing ids.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, id string, patch Patch) error
	ListSessions(ctx context.Context, filter ListSessionsFilter) ([]*Session, error)
	// PurgeDeletedBefore hard-deletes soft-deleted sessions whose last update
	// predates cutoff, along with their steps and checkpoints.
	PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int, error)

	CreateStep(ctx context.Context, step *Step) error
	ListSteps(ctx context.Context, sessionID string, opts ListStepsOptions) ([]*Step, error)
	// GetLastStep returns the newest non-discarded step, or (nil, nil) if none
	GetLastStep(ctx context.Context, sessionID string) (*Step, error)
	MarkStepsDiscarded(ctx context.Context, sessionID string, stepIDs []int64) error

	CreateCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, id string) error
}
