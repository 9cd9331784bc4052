package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/arlo-ai/arlo/internal/observability"
	"github.com/arlo-ai/arlo/internal/tracing"
	"github.com/arlo-ai/arlo/pkg/knowledge"
	"github.com/arlo-ai/arlo/pkg/modelcall"
	"github.com/arlo-ai/arlo/pkg/session"
)

const entitySchema = `{
	"type": "object",
	"required": ["content", "confidence", "level", "type"],
	"properties": {
		"content": {"type": "string", "minLength": 1},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"level": {"enum": ["public", "organization", "individual"]},
		"type": {"enum": ["methodology", "preference", "tool_selection", "error_lesson", "other"]}
	}
}`

// ModelCaller is the slice of the resilient caller the extractor needs
type ModelCaller interface {
	Call(ctx context.Context, prompt string, opts modelcall.CallOptions) (*modelcall.Response, error)
}

// KnowledgeBase is the slice of the knowledge manager the extractor needs
type KnowledgeBase interface {
	Search(ctx context.Context, query string, opts knowledge.SearchOptions) ([]knowledge.SearchResult, error)
	StoreEntry(ctx context.Context, entry knowledge.Entry) (string, error)
	MergeEntry(ctx context.Context, id, content string) error
}

// Sessions is the slice of the session manager the extractor needs
type Sessions interface {
	GetSession(ctx context.Context, id string) (*session.Session, error)
	ListSteps(ctx context.Context, sessionID string, opts session.ListStepsOptions) ([]*session.Step, error)
	MarkKnowledgeExtracted(ctx context.Context, id string, at time.Time) error
}

// Config holds extractor configuration
type Config struct {
	Caller    ModelCaller
	Knowledge KnowledgeBase
	Sessions  Sessions
	Logger    zerolog.Logger
	// Owner scoping applied to organization- and individual-level entries
	OrganizationID string
	UserID         string
}

// Extractor mines durable knowledge from finished sessions: transcript →
// model proposal → confidence gate → similarity-based dedup → storage
type Extractor struct {
	caller       ModelCaller
	knowledge    KnowledgeBase
	sessions     Sessions
	logger       zerolog.Logger
	orgID        string
	userID       string
	entityLoader gojsonschema.JSONLoader
	now          func() time.Time
}

// New creates a knowledge extractor
func New(cfg Config) (*Extractor, error) {
	observability.EnsureRegistered()

	if cfg.Caller == nil {
		return nil, fmt.Errorf("model caller is required")
	}
	if cfg.Knowledge == nil {
		return nil, fmt.Errorf("knowledge base is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}

	e := &Extractor{
		caller:       cfg.Caller,
		knowledge:    cfg.Knowledge,
		sessions:     cfg.Sessions,
		logger:       cfg.Logger,
		orgID:        cfg.OrganizationID,
		userID:       cfg.UserID,
		entityLoader: gojsonschema.NewStringLoader(entitySchema),
		now:          time.Now,
	}

	log.Info().Msg("Knowledge extractor initialized")
	return e, nil
}

// ExtractFromSession runs the full pipeline against one session. Per-item
// failures are logged and skipped; the run prefers partial success with
// statistics over all-or-nothing failure.
func (e *Extractor) ExtractFromSession(ctx context.Context, sessionID string, opts Options) (*Stats, error) {
	extractionID, _ := gonanoid.New()
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx = tracing.WithExtractionID(ctx, extractionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"arlo.extractor",
		"extractor.extract",
		attribute.String("session_id", sessionID),
		attribute.String("extraction_id", extractionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger).With().Str("session_id", sessionID).Logger()

	if opts.MinConfidence <= 0 {
		opts.MinConfidence = DefaultOptions().MinConfidence
	}
	if opts.MaxEntities <= 0 {
		opts.MaxEntities = DefaultOptions().MaxEntities
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = DefaultOptions().SimilarityThreshold
	}

	sess, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordExtractionRun(false)
		return nil, err
	}
	if sess.Status != session.StatusCompleted && sess.Status != session.StatusPaused {
		err := fmt.Errorf("session %s has status %s: %w", sessionID, sess.Status, ErrInvalidState)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordExtractionRun(false)
		return nil, err
	}

	steps, err := e.sessions.ListSteps(ctx, sessionID, session.ListStepsOptions{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordExtractionRun(false)
		return nil, err
	}
	if len(steps) == 0 {
		logger.Debug().Msg("No steps to extract from")
		observability.RecordExtractionRun(true)
		return &Stats{}, nil
	}

	items := e.propose(ctx, sess, steps, opts.MaxEntities, logger)

	stats := &Stats{TotalExtracted: len(items)}
	for _, item := range items {
		if item.ConfidenceScore < opts.MinConfidence {
			stats.LowConfidenceEntities++
			observability.RecordExtractionEntity("low_confidence")
			continue
		}

		item.SessionID = sessionID
		outcome, err := e.storeItem(ctx, item, opts)
		if err != nil {
			logger.Warn().Err(err).Str("type", item.Type).Msg("Failed to store knowledge item, skipping")
			observability.RecordExtractionEntity("error")
			continue
		}

		switch outcome {
		case ActionNew:
			stats.NewEntities++
		case ActionMerged:
			stats.MergedEntities++
		case ActionExisting:
			stats.DuplicateEntities++
		}
		observability.RecordExtractionEntity(outcome)
	}

	if err := e.sessions.MarkKnowledgeExtracted(ctx, sessionID, e.now()); err != nil {
		logger.Warn().Err(err).Msg("Failed to stamp extraction time")
	}

	observability.RecordExtractionRun(true)
	logger.Info().
		Int("extracted", stats.TotalExtracted).
		Int("new", stats.NewEntities).
		Int("merged", stats.MergedEntities).
		Int("duplicate", stats.DuplicateEntities).
		Int("low_confidence", stats.LowConfidenceEntities).
		Msg("Knowledge extraction completed")

	return stats, nil
}

// propose asks the model for knowledge items; any parse failure yields zero
// items rather than an error
func (e *Extractor) propose(ctx context.Context, sess *session.Session, steps []*session.Step, maxEntities int, logger zerolog.Logger) []ExtractedKnowledge {
	transcript := renderTranscript(sess, steps)
	prompt := buildExtractionPrompt(transcript, maxEntities)

	resp, err := e.caller.Call(ctx, prompt, modelcall.CallOptions{Temperature: 0.2})
	if err != nil {
		logger.Warn().Err(err).Msg("Extraction model call failed")
		return nil
	}

	payload, err := modelcall.ExtractJSON(resp.Text)
	if err != nil {
		logger.Warn().Err(err).Msg("Extraction response had no parseable JSON")
		return nil
	}

	var doc struct {
		Entities []json.RawMessage `json:"entities"`
	}
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		logger.Warn().Err(err).Msg("Extraction response did not match the expected shape")
		return nil
	}

	var items []ExtractedKnowledge
	for _, raw := range doc.Entities {
		result, err := gojsonschema.Validate(e.entityLoader, gojsonschema.NewBytesLoader(raw))
		if err != nil || !result.Valid() {
			logger.Debug().Msg("Dropping knowledge item that failed schema validation")
			continue
		}
		var item ExtractedKnowledge
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		items = append(items, item)
		if len(items) == maxEntities {
			break
		}
	}
	return items
}

// storeItem persists one accepted item, deduplicating unless disabled
func (e *Extractor) storeItem(ctx context.Context, item ExtractedKnowledge, opts Options) (string, error) {
	if opts.SkipDeduplication {
		if _, err := e.knowledge.StoreEntry(ctx, e.toEntry(item)); err != nil {
			return "", err
		}
		return ActionNew, nil
	}

	filters := e.permissionFilter(item.Level)
	hits, err := e.knowledge.Search(ctx, item.Content, knowledge.SearchOptions{
		TopK:     5,
		MinScore: opts.SimilarityThreshold,
		Filters:  filters,
	})
	if err != nil {
		return "", fmt.Errorf("similarity search failed: %w", err)
	}

	if len(hits) == 0 {
		if _, err := e.knowledge.StoreEntry(ctx, e.toEntry(item)); err != nil {
			return "", err
		}
		return ActionNew, nil
	}

	decision := e.arbitrate(ctx, item.Content, hits)
	switch decision.Action {
	case ActionExisting:
		return ActionExisting, nil
	case ActionMerged:
		content := decision.MergedContent
		if content == "" {
			content = item.Content
		}
		if err := e.knowledge.MergeEntry(ctx, decision.TargetID, content); err != nil {
			return "", fmt.Errorf("merge failed: %w", err)
		}
		return ActionMerged, nil
	default:
		if _, err := e.knowledge.StoreEntry(ctx, e.toEntry(item)); err != nil {
			return "", err
		}
		return ActionNew, nil
	}
}

// arbitrate asks the model to choose among new/existing/merged. Any failure
// fails open to new: duplication beats silent knowledge loss.
func (e *Extractor) arbitrate(ctx context.Context, content string, candidates []knowledge.SearchResult) arbitration {
	failOpen := arbitration{Action: ActionNew}

	resp, err := e.caller.Call(ctx, buildArbitrationPrompt(content, candidates), modelcall.CallOptions{Temperature: 0})
	if err != nil {
		return failOpen
	}
	payload, err := modelcall.ExtractJSON(resp.Text)
	if err != nil {
		return failOpen
	}

	var decision arbitration
	if err := json.Unmarshal([]byte(payload), &decision); err != nil {
		return failOpen
	}

	switch decision.Action {
	case ActionExisting, ActionMerged:
		if decision.TargetID == "" {
			return failOpen
		}
		// The target must be one of the candidates shown
		for _, c := range candidates {
			if c.ID == decision.TargetID {
				return decision
			}
		}
		return failOpen
	case ActionNew:
		return decision
	default:
		return failOpen
	}
}

// permissionFilter builds the visibility filter for dedup search: always the
// level, plus owner scoping for non-public levels
func (e *Extractor) permissionFilter(level knowledge.Level) knowledge.Filters {
	filters := knowledge.Filters{Level: level}
	switch level {
	case knowledge.LevelOrganization:
		filters.OrganizationID = e.orgID
	case knowledge.LevelIndividual:
		filters.UserID = e.userID
	}
	return filters
}

func (e *Extractor) toEntry(item ExtractedKnowledge) knowledge.Entry {
	entry := knowledge.Entry{
		Content: item.Content,
		Source:  "session:" + item.SessionID,
		Level:   item.Level,
		Type:    item.Type,
	}
	switch item.Level {
	case knowledge.LevelOrganization:
		entry.OrganizationID = e.orgID
	case knowledge.LevelIndividual:
		entry.UserID = e.userID
	}
	return entry
}
