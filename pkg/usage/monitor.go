package usage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arlo-ai/arlo/internal/config"
	"github.com/arlo-ai/arlo/internal/observability"
	"github.com/arlo-ai/arlo/internal/tracing"
)

// Event types emitted to the registered handler
const (
	EventUsage   = "usage"
	EventSavings = "savings"
)

// Event describes one recorded usage or savings entry
type Event struct {
	Type             string    `json:"type"`
	SessionID        string    `json:"session_id"`
	StepID           string    `json:"step_id,omitempty"`
	Model            string    `json:"model,omitempty"`
	Source           string    `json:"source,omitempty"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	Cost             float64   `json:"cost,omitempty"`
	SavedTokens      int       `json:"saved_tokens,omitempty"`
	SavedCost        float64   `json:"saved_cost,omitempty"`
	SavingsPercent   float64   `json:"savings_percent,omitempty"`
	At               time.Time `json:"at"`
}

// Handler receives usage events as they are recorded
type Handler func(Event)

// Totals is the running per-session accumulation
type Totals struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
	SavedTokens      int     `json:"saved_tokens"`
	SavedCost        float64 `json:"saved_cost"`
	StepCount        int     `json:"step_count"`
}

// SavingsPercent reports how much of the would-be prompt volume was avoided
func (t Totals) SavingsPercent() float64 {
	would := t.PromptTokens + t.SavedTokens
	if would == 0 {
		return 0
	}
	return float64(t.SavedTokens) / float64(would) * 100
}

// Usage is one model call's consumption
type Usage struct {
	SessionID        string
	StepID           string
	Model            string
	PromptTokens     int
	CompletionTokens int
	// SavedTokens counts prompt tokens avoided on this call, e.g. through
	// context compression or cache reuse
	SavedTokens int
}

// Config holds monitor configuration
type Config struct {
	Pricing config.PricingConfig
	Logger  zerolog.Logger
}

// Monitor accumulates token usage and derived cost per session. Totals are
// kept in memory, keyed by session id, under a mutex.
type Monitor struct {
	pricing config.PricingConfig
	logger  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Totals
	handler  Handler

	now func() time.Time
}

// NewMonitor creates a usage monitor. An empty pricing table falls back to
// the built-in defaults.
func NewMonitor(cfg Config) (*Monitor, error) {
	observability.EnsureRegistered()

	if len(cfg.Pricing.Models) == 0 {
		cfg.Pricing = config.DefaultConfig().Pricing
	}
	if _, ok := cfg.Pricing.Models[cfg.Pricing.DefaultModel]; !ok {
		return nil, fmt.Errorf("pricing table has no rates for default model %q", cfg.Pricing.DefaultModel)
	}

	m := &Monitor{
		pricing:  cfg.Pricing,
		logger:   cfg.Logger,
		sessions: make(map[string]*Totals),
		now:      time.Now,
	}

	log.Info().Int("models", len(cfg.Pricing.Models)).Msg("Usage monitor initialized")
	return m, nil
}

// OnEvent registers the handler that receives usage and savings events.
// Only one handler is kept; registering again replaces it.
func (m *Monitor) OnEvent(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// RecordUsage accumulates one call's tokens and cost into the session totals
// and emits a usage event. It returns a snapshot of the updated totals.
func (m *Monitor) RecordUsage(ctx context.Context, u Usage) Totals {
	logger := tracing.LoggerFromContext(ctx, m.logger)

	rates := m.rates(u.Model, logger)
	cost := float64(u.PromptTokens)/1e6*rates.InputPerMillion +
		float64(u.CompletionTokens)/1e6*rates.OutputPerMillion
	savedCost := float64(u.SavedTokens) / 1e6 * rates.InputPerMillion

	m.mu.Lock()
	t := m.totalsLocked(u.SessionID)
	t.PromptTokens += u.PromptTokens
	t.CompletionTokens += u.CompletionTokens
	t.Cost += cost
	t.SavedTokens += u.SavedTokens
	t.SavedCost += savedCost
	t.StepCount++
	snapshot := *t
	handler := m.handler
	m.mu.Unlock()

	observability.RecordTokens(u.PromptTokens, u.CompletionTokens)
	observability.RecordCost(cost)
	observability.RecordSavings(savedCost)

	logger.Debug().
		Str("session_id", u.SessionID).
		Str("model", u.Model).
		Int("prompt_tokens", u.PromptTokens).
		Int("completion_tokens", u.CompletionTokens).
		Float64("cost", cost).
		Msg("Recorded usage")

	if handler != nil {
		handler(Event{
			Type:             EventUsage,
			SessionID:        u.SessionID,
			StepID:           u.StepID,
			Model:            u.Model,
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			Cost:             cost,
			SavedTokens:      u.SavedTokens,
			SavedCost:        savedCost,
			SavingsPercent:   snapshot.SavingsPercent(),
			At:               m.now(),
		})
	}
	return snapshot
}

// RecordSavings accumulates tokens avoided outside a model call, e.g. a step
// served entirely from cache, and emits a savings event. The saved cost is
// priced at the default model's input rate since no model was invoked.
func (m *Monitor) RecordSavings(ctx context.Context, sessionID, stepID, source string, savedTokens int) Totals {
	logger := tracing.LoggerFromContext(ctx, m.logger)

	rates := m.pricing.Models[m.pricing.DefaultModel]
	savedCost := float64(savedTokens) / 1e6 * rates.InputPerMillion

	m.mu.Lock()
	t := m.totalsLocked(sessionID)
	t.SavedTokens += savedTokens
	t.SavedCost += savedCost
	snapshot := *t
	handler := m.handler
	m.mu.Unlock()

	observability.RecordSavings(savedCost)

	logger.Debug().
		Str("session_id", sessionID).
		Str("source", source).
		Int("saved_tokens", savedTokens).
		Float64("savings_percent", snapshot.SavingsPercent()).
		Msg("Recorded savings")

	if handler != nil {
		handler(Event{
			Type:           EventSavings,
			SessionID:      sessionID,
			StepID:         stepID,
			Source:         source,
			SavedTokens:    savedTokens,
			SavedCost:      savedCost,
			SavingsPercent: snapshot.SavingsPercent(),
			At:             m.now(),
		})
	}
	return snapshot
}

// Totals returns a snapshot of the session's accumulated usage. The second
// return reports whether anything was recorded for the session.
func (m *Monitor) Totals(sessionID string) (Totals, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.sessions[sessionID]
	if !ok {
		return Totals{}, false
	}
	return *t, true
}

// Reset drops the accumulated totals for one session
func (m *Monitor) Reset(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

func (m *Monitor) totalsLocked(sessionID string) *Totals {
	t, ok := m.sessions[sessionID]
	if !ok {
		t = &Totals{}
		m.sessions[sessionID] = t
	}
	return t
}

// rates resolves pricing for a model: exact match, then the longest table
// key contained in the model name, then the default model with a warning
func (m *Monitor) rates(model string, logger zerolog.Logger) config.ModelRates {
	if r, ok := m.pricing.Models[model]; ok {
		return r
	}

	best := ""
	for key := range m.pricing.Models {
		if strings.Contains(model, key) && len(key) > len(best) {
			best = key
		}
	}
	if best != "" {
		return m.pricing.Models[best]
	}

	logger.Warn().
		Str("model", model).
		Str("fallback", m.pricing.DefaultModel).
		Msg("No pricing for model, using default rates")
	return m.pricing.Models[m.pricing.DefaultModel]
}
