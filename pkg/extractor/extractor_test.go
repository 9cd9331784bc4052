package extractor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arlo-ai/arlo/pkg/knowledge"
	"github.com/arlo-ai/arlo/pkg/modelcall"
	"github.com/arlo-ai/arlo/pkg/session"
)

// fakeCaller answers extraction and arbitration prompts separately
type fakeCaller struct {
	extractText string
	extractErr  error
	arbText     string
	arbErr      error

	extractCalls int
	arbCalls     int
}

func (f *fakeCaller) Call(ctx context.Context, prompt string, opts modelcall.CallOptions) (*modelcall.Response, error) {
	resp := func(text string) *modelcall.Response {
		return &modelcall.Response{
			Text:         text,
			TokensUsed:   modelcall.TokenUsage{Prompt: 100, Completion: 50, Total: 150},
			FinishReason: "stop",
		}
	}
	if strings.Contains(prompt, "Existing entries:") {
		f.arbCalls++
		if f.arbErr != nil {
			return nil, f.arbErr
		}
		return resp(f.arbText), nil
	}
	f.extractCalls++
	if f.extractErr != nil {
		return nil, f.extractErr
	}
	return resp(f.extractText), nil
}

// fakeKB records stores and merges and serves canned search hits
type fakeKB struct {
	hits        []knowledge.SearchResult
	searchErr   error
	storeErr    error
	storeErrFor string

	stored      []knowledge.Entry
	merged      map[string]string
	lastFilters knowledge.Filters
	lastSearch  knowledge.SearchOptions
}

func newFakeKB() *fakeKB {
	return &fakeKB{merged: make(map[string]string)}
}

func (f *fakeKB) Search(ctx context.Context, query string, opts knowledge.SearchOptions) ([]knowledge.SearchResult, error) {
	f.lastFilters = opts.Filters
	f.lastSearch = opts
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.hits, nil
}

func (f *fakeKB) StoreEntry(ctx context.Context, entry knowledge.Entry) (string, error) {
	if f.storeErr != nil && (f.storeErrFor == "" || strings.Contains(entry.Content, f.storeErrFor)) {
		return "", f.storeErr
	}
	f.stored = append(f.stored, entry)
	return fmt.Sprintf("id-%d", len(f.stored)), nil
}

func (f *fakeKB) MergeEntry(ctx context.Context, id, content string) error {
	f.merged[id] = content
	return nil
}

// fakeSessions serves one session with scripted steps
type fakeSessions struct {
	session     *session.Session
	steps       []*session.Step
	getErr      error
	extractedAt *time.Time
}

func (f *fakeSessions) GetSession(ctx context.Context, id string) (*session.Session, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.session, nil
}

func (f *fakeSessions) ListSteps(ctx context.Context, sessionID string, opts session.ListStepsOptions) ([]*session.Step, error) {
	return f.steps, nil
}

func (f *fakeSessions) MarkKnowledgeExtracted(ctx context.Context, id string, at time.Time) error {
	f.extractedAt = &at
	return nil
}

func completedSession() *session.Session {
	return &session.Session{
		ID:        "sess-1",
		Goal:      "refactor the parser",
		AgentType: "coder",
		Status:    session.StatusCompleted,
	}
}

func oneStep() []*session.Step {
	return []*session.Step{{
		ID: 1, SessionID: "sess-1", StepNumber: 1,
		Action: "edit file", Reasoning: "the lexer was duplicated",
		SelectedTool: "editor", Result: "done", Status: "done",
	}}
}

func entityJSON(items ...string) string {
	return fmt.Sprintf(`<output>{"entities": [%s]}</output>`, strings.Join(items, ","))
}

func entity(content string, confidence float64, level, typ string) string {
	return fmt.Sprintf(`{"content": %q, "confidence": %g, "level": %q, "type": %q}`,
		content, confidence, level, typ)
}

func newTestExtractor(t *testing.T, caller *fakeCaller, kb *fakeKB, sessions *fakeSessions) *Extractor {
	t.Helper()
	e, err := New(Config{
		Caller:         caller,
		Knowledge:      kb,
		Sessions:       sessions,
		Logger:         zerolog.Nop(),
		OrganizationID: "org-1",
		UserID:         "user-1",
	})
	require.NoError(t, err)
	return e
}

func TestExtract_InvalidState(t *testing.T) {
	for _, status := range []session.Status{
		session.StatusActive, session.StatusStopped, session.StatusFailed,
	} {
		t.Run(string(status), func(t *testing.T) {
			sess := completedSession()
			sess.Status = status
			e := newTestExtractor(t, &fakeCaller{}, newFakeKB(), &fakeSessions{session: sess, steps: oneStep()})

			_, err := e.ExtractFromSession(context.Background(), "sess-1", DefaultOptions())
			assert.ErrorIs(t, err, ErrInvalidState)
		})
	}
}

func TestExtract_PausedSessionAllowed(t *testing.T) {
	sess := completedSession()
	sess.Status = session.StatusPaused
	caller := &fakeCaller{extractText: entityJSON(entity("x", 0.9, "public", "other"))}
	kb := newFakeKB()
	e := newTestExtractor(t, caller, kb, &fakeSessions{session: sess, steps: oneStep()})

	stats, err := e.ExtractFromSession(context.Background(), "sess-1", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NewEntities)
}

func TestExtract_NoSteps(t *testing.T) {
	caller := &fakeCaller{}
	e := newTestExtractor(t, caller, newFakeKB(), &fakeSessions{session: completedSession()})

	stats, err := e.ExtractFromSession(context.Background(), "sess-1", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, &Stats{}, stats)
	assert.Equal(t, 0, caller.extractCalls, "empty sessions never hit the model")
}

func TestExtract_LowConfidenceDropped(t *testing.T) {
	caller := &fakeCaller{extractText: entityJSON(entity("weak insight", 0.3, "public", "other"))}
	kb := newFakeKB()
	sessions := &fakeSessions{session: completedSession(), steps: oneStep()}
	e := newTestExtractor(t, caller, kb, sessions)

	stats, err := e.ExtractFromSession(context.Background(), "sess-1", DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.TotalExtracted)
	assert.Equal(t, 1, stats.LowConfidenceEntities)
	assert.Equal(t, 0, stats.NewEntities)
	assert.Empty(t, kb.stored)
}

func TestExtract_MixedConfidence(t *testing.T) {
	caller := &fakeCaller{extractText: entityJSON(
		entity("weak", 0.3, "public", "other"),
		entity("prefer table-driven tests", 0.9, "public", "methodology"),
	)}
	kb := newFakeKB()
	e := newTestExtractor(t, caller, kb, &fakeSessions{session: completedSession(), steps: oneStep()})

	stats, err := e.ExtractFromSession(context.Background(), "sess-1", DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.TotalExtracted)
	assert.Equal(t, 1, stats.NewEntities)
	assert.Equal(t, 1, stats.LowConfidenceEntities)
	require.Len(t, kb.stored, 1)
	assert.Equal(t, "prefer table-driven tests", kb.stored[0].Content)
}

func TestExtract_ParseFailureIsZeroItems(t *testing.T) {
	caller := &fakeCaller{extractText: "I could not find anything structured to say."}
	sessions := &fakeSessions{session: completedSession(), steps: oneStep()}
	e := newTestExtractor(t, caller, newFakeKB(), sessions)

	stats, err := e.ExtractFromSession(context.Background(), "sess-1", DefaultOptions())
	require.NoError(t, err, "parse failure is not a hard failure")
	assert.Equal(t, &Stats{}, stats)
	assert.NotNil(t, sessions.extractedAt, "extraction time is stamped even on empty runs")
}

func TestExtract_ModelFailureIsZeroItems(t *testing.T) {
	caller := &fakeCaller{extractErr: fmt.Errorf("all model backends failed")}
	e := newTestExtractor(t, caller, newFakeKB(), &fakeSessions{session: completedSession(), steps: oneStep()})

	stats, err := e.ExtractFromSession(context.Background(), "sess-1", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, &Stats{}, stats)
}

func TestExtract_SchemaInvalidItemsDropped(t *testing.T) {
	caller := &fakeCaller{extractText: entityJSON(
		`{"content": "no confidence", "level": "public", "type": "other"}`,
		entity("bad level", 0.9, "cosmic", "other"),
		entity("confidence out of range", 1.7, "public", "other"),
		entity("valid item", 0.9, "public", "other"),
	)}
	kb := newFakeKB()
	e := newTestExtractor(t, caller, kb, &fakeSessions{session: completedSession(), steps: oneStep()})

	stats, err := e.ExtractFromSession(context.Background(), "sess-1", DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.TotalExtracted, "invalid items are dropped before counting")
	assert.Equal(t, 1, stats.NewEntities)
	require.Len(t, kb.stored, 1)
	assert.Equal(t, "valid item", kb.stored[0].Content)
}

func TestExtract_DedupExisting(t *testing.T) {
	caller := &fakeCaller{
		extractText: entityJSON(entity("use WAL mode", 0.9, "public", "methodology")),
		arbText:     `<output>{"action": "existing", "target_id": "k-1"}</output>`,
	}
	kb := newFakeKB()
	kb.hits = []knowledge.SearchResult{{Entry: knowledge.Entry{ID: "k-1", Content: "enable WAL mode"}, Score: 0.92}}
	e := newTestExtractor(t, caller, kb, &fakeSessions{session: completedSession(), steps: oneStep()})

	stats, err := e.ExtractFromSession(context.Background(), "sess-1", DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.DuplicateEntities)
	assert.Equal(t, 0, stats.NewEntities)
	assert.Empty(t, kb.stored)
	assert.Equal(t, 1, caller.arbCalls)
}

func TestExtract_DedupMerged(t *testing.T) {
	caller := &fakeCaller{
		extractText: entityJSON(entity("use WAL mode for sqlite", 0.9, "public", "methodology")),
		arbText:     `<output>{"action": "merged", "target_id": "k-1", "merged_content": "enable WAL mode for sqlite under concurrency"}</output>`,
	}
	kb := newFakeKB()
	kb.hits = []knowledge.SearchResult{{Entry: knowledge.Entry{ID: "k-1", Content: "enable WAL mode"}, Score: 0.95}}
	e := newTestExtractor(t, caller, kb, &fakeSessions{session: completedSession(), steps: oneStep()})

	stats, err := e.ExtractFromSession(context.Background(), "sess-1", DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.MergedEntities)
	assert.Equal(t, "enable WAL mode for sqlite under concurrency", kb.merged["k-1"])
	assert.Empty(t, kb.stored)
}

func TestExtract_ArbitrationFailsOpenToNew(t *testing.T) {
	tests := []struct {
		name   string
		caller *fakeCaller
	}{
		{"arbitration error", &fakeCaller{arbErr: fmt.Errorf("timeout")}},
		{"unparseable arbitration", &fakeCaller{arbText: "shrug"}},
		{"unknown action", &fakeCaller{arbText: `<output>{"action": "destroy"}</output>`}},
		{"target not among candidates", &fakeCaller{arbText: `<output>{"action": "existing", "target_id": "elsewhere"}</output>`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.caller.extractText = entityJSON(entity("knowledge survives", 0.9, "public", "other"))
			kb := newFakeKB()
			kb.hits = []knowledge.SearchResult{{Entry: knowledge.Entry{ID: "k-1", Content: "similar"}, Score: 0.9}}
			e := newTestExtractor(t, tt.caller, kb, &fakeSessions{session: completedSession(), steps: oneStep()})

			stats, err := e.ExtractFromSession(context.Background(), "sess-1", DefaultOptions())
			require.NoError(t, err)

			assert.Equal(t, 1, stats.NewEntities, "arbitration failure must not drop knowledge")
			require.Len(t, kb.stored, 1)
		})
	}
}

func TestExtract_SkipDeduplication(t *testing.T) {
	caller := &fakeCaller{extractText: entityJSON(entity("direct store", 0.9, "public", "other"))}
	kb := newFakeKB()
	kb.hits = []knowledge.SearchResult{{Entry: knowledge.Entry{ID: "k-1"}, Score: 0.99}}
	e := newTestExtractor(t, caller, kb, &fakeSessions{session: completedSession(), steps: oneStep()})

	opts := DefaultOptions()
	opts.SkipDeduplication = true
	stats, err := e.ExtractFromSession(context.Background(), "sess-1", opts)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.NewEntities)
	assert.Equal(t, 0, caller.arbCalls, "dedup is bypassed entirely")
}

func TestExtract_PermissionFilters(t *testing.T) {
	tests := []struct {
		level   string
		filters knowledge.Filters
	}{
		{"public", knowledge.Filters{Level: knowledge.LevelPublic}},
		{"organization", knowledge.Filters{Level: knowledge.LevelOrganization, OrganizationID: "org-1"}},
		{"individual", knowledge.Filters{Level: knowledge.LevelIndividual, UserID: "user-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			caller := &fakeCaller{extractText: entityJSON(entity("scoped", 0.9, tt.level, "other"))}
			kb := newFakeKB()
			e := newTestExtractor(t, caller, kb, &fakeSessions{session: completedSession(), steps: oneStep()})

			_, err := e.ExtractFromSession(context.Background(), "sess-1", DefaultOptions())
			require.NoError(t, err)

			assert.Equal(t, tt.filters, kb.lastFilters)
			assert.Equal(t, 5, kb.lastSearch.TopK)
			assert.Equal(t, 0.8, kb.lastSearch.MinScore)
		})
	}
}

func TestExtract_PerItemStorageErrorsSkipped(t *testing.T) {
	caller := &fakeCaller{extractText: entityJSON(
		entity("poisoned item", 0.9, "public", "other"),
		entity("healthy item", 0.9, "public", "other"),
	)}
	kb := newFakeKB()
	kb.storeErr = fmt.Errorf("disk full")
	kb.storeErrFor = "poisoned"
	e := newTestExtractor(t, caller, kb, &fakeSessions{session: completedSession(), steps: oneStep()})

	stats, err := e.ExtractFromSession(context.Background(), "sess-1", DefaultOptions())
	require.NoError(t, err, "per-item storage errors never abort the run")

	assert.Equal(t, 2, stats.TotalExtracted)
	assert.Equal(t, 1, stats.NewEntities)
	require.Len(t, kb.stored, 1)
	assert.Equal(t, "healthy item", kb.stored[0].Content)
}

func TestExtract_StampsExtractionTime(t *testing.T) {
	caller := &fakeCaller{extractText: entityJSON(entity("x", 0.9, "public", "other"))}
	sessions := &fakeSessions{session: completedSession(), steps: oneStep()}
	e := newTestExtractor(t, caller, newFakeKB(), sessions)

	before := time.Now()
	_, err := e.ExtractFromSession(context.Background(), "sess-1", DefaultOptions())
	require.NoError(t, err)

	require.NotNil(t, sessions.extractedAt)
	assert.False(t, sessions.extractedAt.Before(before))
}

func TestRenderTranscript_SkipsDiscardedSteps(t *testing.T) {
	sess := completedSession()
	steps := []*session.Step{
		{ID: 1, StepNumber: 1, Action: "keep me", Result: "ok"},
		{ID: 2, StepNumber: 2, Action: "discard me", Discarded: true},
		{ID: 3, StepNumber: 3, Action: "errored", ErrorMessage: "boom"},
	}

	transcript := renderTranscript(sess, steps)
	assert.Contains(t, transcript, "refactor the parser")
	assert.Contains(t, transcript, "keep me")
	assert.NotContains(t, transcript, "discard me")
	assert.Contains(t, transcript, "Error: boom")
}

func TestBuildExtractionPrompt(t *testing.T) {
	prompt := buildExtractionPrompt("Session goal: ship it", 7)

	assert.Contains(t, prompt, "up to 7 reusable knowledge items")
	assert.Contains(t, prompt, `"entities"`)
	assert.Contains(t, prompt, "- level: who should see it, one of public, organization, or individual")
	assert.Contains(t, prompt, "Session goal: ship it")
}
