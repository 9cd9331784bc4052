package extractor

import (
	"errors"

	"github.com/arlo-ai/arlo/pkg/knowledge"
)

// ErrInvalidState is returned when extraction is attempted on a session that
// is neither completed nor paused
var ErrInvalidState = errors.New("session is not in an extractable state")

// Knowledge entity types
const (
	TypeMethodology   = "methodology"
	TypePreference    = "preference"
	TypeToolSelection = "tool_selection"
	TypeErrorLesson   = "error_lesson"
	TypeOther         = "other"
)

// ExtractedKnowledge is one knowledge item proposed by the model. It is
// transient; accepted items are persisted as vector-store entries.
type ExtractedKnowledge struct {
	Content         string          `json:"content"`
	ConfidenceScore float64         `json:"confidence"`
	Level           knowledge.Level `json:"level"`
	Type            string          `json:"type"`
	SessionID       string          `json:"session_id,omitempty"`
}

// Dedup arbitration actions
const (
	ActionNew      = "new"
	ActionExisting = "existing"
	ActionMerged   = "merged"
)

type arbitration struct {
	Action        string `json:"action"`
	TargetID      string `json:"target_id,omitempty"`
	MergedContent string `json:"merged_content,omitempty"`
}

// Stats aggregates one extraction run
type Stats struct {
	TotalExtracted        int `json:"total_extracted"`
	NewEntities           int `json:"new_entities"`
	MergedEntities        int `json:"merged_entities"`
	DuplicateEntities     int `json:"duplicate_entities"`
	LowConfidenceEntities int `json:"low_confidence_entities"`
}

// Options tunes one extraction run
type Options struct {
	MinConfidence       float64
	MaxEntities         int
	SkipDeduplication   bool
	SimilarityThreshold float64
}

// DefaultOptions returns the standard extraction tuning
func DefaultOptions() Options {
	return Options{
		MinConfidence:       0.6,
		MaxEntities:         10,
		SimilarityThreshold: 0.8,
	}
}
