package session

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a session
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further resume is possible
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// Resumable reports whether a session in this status can be resumed
func (s Status) Resumable() bool {
	switch s {
	case StatusPaused, StatusStopped, StatusFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusStopped, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

var (
	// ErrNotFound is returned when a session id resolves to nothing
	ErrNotFound = errors.New("session not found")
	// ErrDeleted is returned for operations on a soft-deleted session
	ErrDeleted = errors.New("session is deleted")
	// ErrAlreadyCompleted is returned when resuming a completed session
	ErrAlreadyCompleted = errors.New("session already completed")
	// ErrCheckpointNotFound is returned when a checkpoint id resolves to nothing
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrCheckpointNotFound)
}

// Session is the unit of agent execution. All mutations go through the
// Manager's transition methods; invariant: IsSubAgent == (ParentSessionID != nil).
type Session struct {
	ID                        string     `json:"id"`
	Goal                      string     `json:"goal"`
	InitialGoal               string     `json:"initial_goal"`
	Status                    Status     `json:"status"`
	IsRunning                 bool       `json:"is_running"`
	AgentType                 string     `json:"agent_type"`
	AutoRun                   bool       `json:"auto_run"`
	Depth                     int        `json:"depth"`
	ParentSessionID           *string    `json:"parent_session_id,omitempty"`
	IsSubAgent                bool       `json:"is_sub_agent"`
	LastCompressedStepID      int64      `json:"last_compressed_step_id"`
	CompressedSummary         string     `json:"compressed_summary,omitempty"`
	IsCompressing             bool       `json:"is_compressing"`
	IsDeleted                 bool       `json:"is_deleted"`
	ResultSummary             *string    `json:"result_summary,omitempty"`
	LastKnowledgeExtractionAt *time.Time `json:"last_knowledge_extraction_at,omitempty"`
	CreatedAt                 time.Time  `json:"created_at"`
	UpdatedAt                 time.Time  `json:"updated_at"`
}

// Step is one executor action within a session. The executor creates steps;
// discarding and compression bookkeeping is owned by the Manager.
type Step struct {
	ID                int64                  `json:"id"`
	SessionID         string                 `json:"session_id"`
	StepNumber        int                    `json:"step_number"`
	Action            string                 `json:"action"`
	Reasoning         string                 `json:"reasoning,omitempty"`
	SelectedTool      string                 `json:"selected_tool,omitempty"`
	Parameters        map[string]interface{} `json:"parameters,omitempty"`
	Result            string                 `json:"result,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	Status            string                 `json:"status"`
	Discarded         bool                   `json:"discarded"`
	CompressedContent string                 `json:"compressed_content,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

// Checkpoint is an immutable snapshot of session-level fields plus a step-id
// cut-point. Restoring discards every step with id > StepID.
type Checkpoint struct {
	ID                   string    `json:"id"`
	SessionID            string    `json:"session_id"`
	Name                 string    `json:"name,omitempty"`
	StepID               int64     `json:"step_id"`
	Goal                 string    `json:"goal"`
	Status               Status    `json:"status"`
	LastCompressedStepID int64     `json:"last_compressed_step_id"`
	CompressedSummary    string    `json:"compressed_summary,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// StopState is derived from Session plus step counts, never persisted directly
type StopState struct {
	SessionID      string  `json:"session_id"`
	CompletedSteps int     `json:"completed_steps"`
	LastStepID     int64   `json:"last_step_id"`
	PartialResult  *string `json:"partial_result,omitempty"`
	CanResume      bool    `json:"can_resume"`
}
