package modelcall

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/arlo-ai/arlo/internal/observability"
	"github.com/arlo-ai/arlo/internal/tracing"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Options configures caller behavior
type Options struct {
	ValidateResponse     bool
	MaxRetriesPerModel   int
	TimeoutPerModel      time.Duration
	AutoExtractJSON      bool
	IntelligentSelection bool
	Logger               zerolog.Logger
}

// DefaultOptions returns the default caller configuration
func DefaultOptions() Options {
	return Options{
		ValidateResponse:     true,
		MaxRetriesPerModel:   DefaultMaxRetriesPerModel,
		TimeoutPerModel:      DefaultTimeoutPerModel,
		AutoExtractJSON:      false,
		IntelligentSelection: true,
	}
}

// Caller tries an ordered list of backends for one logical request, with
// per-backend retry and fallback to the next backend.
type Caller struct {
	entries []Entry
	opts    Options
	logger  zerolog.Logger

	// sleep is replaceable in tests to avoid real backoff waits
	sleep func(ctx context.Context, d time.Duration) error
}

// selectionTimeout bounds the short classification call used for backend selection
const selectionTimeout = 15 * time.Second

var errNoStreamingBackend = errors.New("no backend supports streaming")

// New creates a caller over an ordered backend list. At least one entry is
// required; entry order defines the fallback order.
func New(entries []Entry, opts Options) (*Caller, error) {
	observability.EnsureRegistered()

	if len(entries) == 0 {
		return nil, fmt.Errorf("at least one backend entry is required")
	}
	for i, e := range entries {
		if e.Backend == nil {
			return nil, fmt.Errorf("backend entry %d is nil", i)
		}
	}
	if opts.MaxRetriesPerModel < 0 {
		return nil, fmt.Errorf("max retries per model cannot be negative")
	}
	if opts.TimeoutPerModel <= 0 {
		opts.TimeoutPerModel = DefaultTimeoutPerModel
	}

	return &Caller{
		entries: entries,
		opts:    opts,
		logger:  opts.Logger,
		sleep:   sleepWithContext,
	}, nil
}

// AggregateError is raised when every backend is exhausted without a valid
// response. It enumerates each backend's terminal cause.
type AggregateError struct {
	Results []AttemptResult
}

func (e *AggregateError) Error() string {
	parts := make([]string, 0, len(e.Results))
	for _, r := range e.Results {
		parts = append(parts, fmt.Sprintf("backend[%d] %s: %v", r.BackendIndex, r.BackendName, r.Err))
	}
	return "all model backends failed: " + strings.Join(parts, "; ")
}

// Call makes one logical single-prompt request
func (c *Caller) Call(ctx context.Context, prompt string, opts CallOptions) (*Response, error) {
	return c.execute(ctx, []Message{{Role: "user", Content: prompt}}, opts, false, nil)
}

// CallWithMessages makes one logical multi-turn request
func (c *Caller) CallWithMessages(ctx context.Context, messages []Message, opts CallOptions) (*Response, error) {
	return c.execute(ctx, messages, opts, false, nil)
}

// CallWithStream makes one logical streaming request. Backends without
// streaming support are skipped during the streaming pass; if none support
// it, the whole operation falls back to a non-streaming call.
func (c *Caller) CallWithStream(ctx context.Context, messages []Message, opts CallOptions, onChunk StreamHandler) (*Response, error) {
	resp, err := c.execute(ctx, messages, opts, true, onChunk)
	if errors.Is(err, errNoStreamingBackend) {
		logger := tracing.LoggerFromContext(ctx, c.logger)
		logger.Warn().Msg("No streaming-capable backend, falling back to non-streaming call")
		return c.execute(ctx, messages, opts, false, nil)
	}
	return resp, err
}

func (c *Caller) execute(ctx context.Context, messages []Message, opts CallOptions, streaming bool, onChunk StreamHandler) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"arlo.modelcall",
		"modelcall.call",
		attribute.String("model", opts.Model),
		attribute.Bool("streaming", streaming),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	selected := c.selectBackend(ctx, messages)
	n := len(c.entries)

	var results []AttemptResult
	attempted := false

	for i := 0; i < n; i++ {
		idx := (selected + i) % n
		entry := c.entries[idx]
		name := entry.Backend.Name()

		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("model call cancelled: %w", err)
		}

		if streaming {
			if _, ok := entry.Backend.(StreamingBackend); !ok || !entry.Backend.Capabilities().Streaming {
				logger.Debug().Str("backend", name).Msg("Backend lacks streaming support, skipping")
				continue
			}
		}
		attempted = true

		resp, retries, err := c.tryBackend(ctx, entry.Backend, messages, opts, streaming, onChunk)
		if err == nil {
			if c.opts.AutoExtractJSON {
				if extracted, xerr := ExtractJSON(resp.Text); xerr == nil {
					resp.Text = extracted
				}
			}
			logger.Debug().
				Str("backend", name).
				Int("retries", retries).
				Msg("Model call succeeded")
			return resp, nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, fmt.Errorf("model call cancelled: %w", err)
			}
		}

		results = append(results, AttemptResult{
			BackendIndex: idx,
			BackendName:  name,
			Category:     Classify(err).Category,
			RetriesUsed:  retries,
			Err:          err,
		})
		observability.RecordModelFallback(name)
		logger.Warn().
			Str("backend", name).
			Int("retries", retries).
			Err(err).
			Msg("Backend exhausted, falling back")
	}

	if streaming && !attempted {
		return nil, errNoStreamingBackend
	}

	aggErr := &AggregateError{Results: results}
	span.RecordError(aggErr)
	span.SetStatus(codes.Error, aggErr.Error())
	logger.Error().Int("backends", len(results)).Msg("All model backends failed")
	return nil, aggErr
}

// tryBackend attempts one backend up to MaxRetriesPerModel+1 times. It
// returns the retries used alongside the outcome; a non-retryable error or a
// response that fails validation ends the backend immediately.
func (c *Caller) tryBackend(ctx context.Context, b Backend, messages []Message, opts CallOptions, streaming bool, onChunk StreamHandler) (*Response, int, error) {
	logger := tracing.LoggerFromContext(ctx, c.logger)
	bo := newRetryBackOff()
	maxAttempts := c.opts.MaxRetriesPerModel + 1

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.TimeoutPerModel)
		start := time.Now()
		var resp *Response
		var err error
		if streaming {
			resp, err = b.(StreamingBackend).CallStream(attemptCtx, messages, opts, onChunk)
		} else {
			resp, err = b.CallWithMessages(attemptCtx, messages, opts)
		}
		cancel()
		observability.RecordModelCall(b.Name(), time.Since(start), err == nil)

		if err == nil {
			if c.opts.ValidateResponse {
				if verr := validateResponse(resp); verr != nil {
					logger.Warn().Str("backend", b.Name()).Err(verr).Msg("Response failed validation")
					return nil, attempt, verr
				}
			}
			return resp, attempt, nil
		}

		lastErr = err
		cls := Classify(err)
		if !cls.Retryable {
			logger.Warn().
				Str("backend", b.Name()).
				Str("category", string(cls.Category)).
				Err(err).
				Msg("Non-retryable error, abandoning backend")
			return nil, attempt, err
		}

		if attempt == maxAttempts-1 {
			break
		}

		observability.RecordModelRetry(b.Name(), string(cls.Category))
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		logger.Debug().
			Str("backend", b.Name()).
			Str("category", string(cls.Category)).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after transient error")

		if err := c.sleep(ctx, delay); err != nil {
			return nil, attempt, err
		}
	}

	return nil, maxAttempts - 1, lastErr
}

// selectBackend decides which backend to try first. With intelligent
// selection enabled and at least two instructed backends, one short
// classification call against the primary backend picks among them; any
// failure falls back to index 0.
func (c *Caller) selectBackend(ctx context.Context, messages []Message) int {
	if !c.opts.IntelligentSelection {
		return 0
	}

	var instructed []int
	for i, e := range c.entries {
		if e.Instruction != "" {
			instructed = append(instructed, i)
		}
	}
	if len(instructed) == 0 {
		return 0
	}
	if len(instructed) == 1 {
		return instructed[0]
	}

	logger := tracing.LoggerFromContext(ctx, c.logger)
	prompt := c.buildSelectionPrompt(messages, instructed)

	sctx, cancel := context.WithTimeout(ctx, selectionTimeout)
	defer cancel()

	resp, err := c.entries[0].Backend.Call(sctx, prompt, CallOptions{MaxTokens: 8})
	if err != nil {
		logger.Debug().Err(err).Msg("Backend selection call failed, using primary")
		return 0
	}

	choice, err := parseSelection(resp.Text)
	if err != nil {
		logger.Debug().Err(err).Msg("Backend selection unparseable, using primary")
		return 0
	}
	for _, idx := range instructed {
		if idx == choice {
			logger.Debug().Int("backend", choice).Msg("Backend selected by instruction match")
			return choice
		}
	}

	logger.Debug().Int("backend", choice).Msg("Backend selection out of range, using primary")
	return 0
}

func (c *Caller) buildSelectionPrompt(messages []Message, instructed []int) string {
	var sb strings.Builder
	sb.WriteString("Pick the best model backend for the request below. Backends:\n")
	for _, idx := range instructed {
		fmt.Fprintf(&sb, "%d: %s\n", idx, c.entries[idx].Instruction)
	}
	sb.WriteString("\nRequest:\n")
	if len(messages) > 0 {
		sb.WriteString(messages[len(messages)-1].Content)
	}
	sb.WriteString("\n\nReply with only the backend number.")
	return sb.String()
}

var selectionNumberRe = regexp.MustCompile(`\d+`)

func parseSelection(text string) (int, error) {
	m := selectionNumberRe.FindString(text)
	if m == "" {
		return 0, fmt.Errorf("no backend number in selection response %q", text)
	}
	return strconv.Atoi(m)
}

// validateResponse rejects responses that are structurally unusable
func validateResponse(resp *Response) error {
	if resp == nil {
		return fmt.Errorf("invalid response: nil")
	}
	if strings.TrimSpace(resp.Text) == "" {
		return fmt.Errorf("invalid response: empty text")
	}
	if resp.TokensUsed.Total <= 0 {
		return fmt.Errorf("invalid response: non-positive token count %d", resp.TokensUsed.Total)
	}
	if resp.FinishReason == "error" {
		return fmt.Errorf("invalid response: finish reason is error")
	}
	return nil
}

// newRetryBackOff builds the deterministic retry schedule: 1s doubling per
// retry, capped at 10s.
func newRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 10 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
