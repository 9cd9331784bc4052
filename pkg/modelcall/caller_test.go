package modelcall

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validResponse(text string) *Response {
	return &Response{
		Text:         text,
		TokensUsed:   TokenUsage{Prompt: 10, Completion: 5, Total: 15},
		Model:        "test-model",
		FinishReason: "stop",
	}
}

// fakeBackend scripts per-attempt outcomes and counts calls
type fakeBackend struct {
	name          string
	messageCalls  int
	promptCalls   int
	selectionText string
	selectionErr  error
	fn            func(call int) (*Response, error)
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Capabilities() Capabilities { return Capabilities{} }

func (f *fakeBackend) Call(ctx context.Context, prompt string, opts CallOptions) (*Response, error) {
	f.promptCalls++
	if f.selectionErr != nil {
		return nil, f.selectionErr
	}
	if f.selectionText != "" {
		return validResponse(f.selectionText), nil
	}
	return f.CallWithMessages(ctx, []Message{{Role: "user", Content: prompt}}, opts)
}

func (f *fakeBackend) CallWithMessages(ctx context.Context, messages []Message, opts CallOptions) (*Response, error) {
	f.messageCalls++
	return f.fn(f.messageCalls)
}

// fakeStreamBackend adds streaming support on top of fakeBackend
type fakeStreamBackend struct {
	fakeBackend
	streamCalls int
	chunks      []string
}

func (f *fakeStreamBackend) Capabilities() Capabilities {
	return Capabilities{Streaming: true}
}

func (f *fakeStreamBackend) CallStream(ctx context.Context, messages []Message, opts CallOptions, onChunk StreamHandler) (*Response, error) {
	f.streamCalls++
	resp, err := f.fn(f.streamCalls)
	if err != nil {
		return nil, err
	}
	for _, c := range f.chunks {
		onChunk(c)
	}
	return resp, nil
}

func alwaysSucceed(text string) func(int) (*Response, error) {
	return func(int) (*Response, error) { return validResponse(text), nil }
}

func alwaysFail(msg string) func(int) (*Response, error) {
	return func(int) (*Response, error) { return nil, errors.New(msg) }
}

func newTestCaller(t *testing.T, entries []Entry, opts Options) (*Caller, *[]time.Duration) {
	t.Helper()
	c, err := New(entries, opts)
	require.NoError(t, err)

	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return c, &delays
}

func noSelection() Options {
	opts := DefaultOptions()
	opts.IntelligentSelection = false
	return opts
}

func TestNew_RequiresBackend(t *testing.T) {
	_, err := New(nil, DefaultOptions())
	assert.Error(t, err)

	_, err = New([]Entry{{}}, DefaultOptions())
	assert.Error(t, err)
}

func TestCaller_FirstBackendSucceeds(t *testing.T) {
	primary := &fakeBackend{name: "primary", fn: alwaysSucceed("hello")}
	backup := &fakeBackend{name: "backup", fn: alwaysSucceed("unused")}

	c, _ := newTestCaller(t, []Entry{Plain(primary), Plain(backup)}, noSelection())

	resp, err := c.Call(context.Background(), "hi", CallOptions{Model: "test-model"})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, 1, primary.messageCalls)
	assert.Equal(t, 0, backup.messageCalls)
}

func TestCaller_AllBackendsFail_AttemptAccounting(t *testing.T) {
	// Retryable failures everywhere: each of the 3 backends gets
	// maxRetriesPerModel+1 = 3 attempts.
	b0 := &fakeBackend{name: "b0", fn: alwaysFail("rate limit")}
	b1 := &fakeBackend{name: "b1", fn: alwaysFail("timeout")}
	b2 := &fakeBackend{name: "b2", fn: alwaysFail("server error")}

	opts := noSelection()
	opts.MaxRetriesPerModel = 2
	c, _ := newTestCaller(t, []Entry{Plain(b0), Plain(b1), Plain(b2)}, opts)

	_, err := c.CallWithMessages(context.Background(), []Message{{Role: "user", Content: "x"}}, CallOptions{})
	require.Error(t, err)

	assert.Equal(t, 3, b0.messageCalls)
	assert.Equal(t, 3, b1.messageCalls)
	assert.Equal(t, 3, b2.messageCalls)

	var aggErr *AggregateError
	require.ErrorAs(t, err, &aggErr)
	require.Len(t, aggErr.Results, 3)
	assert.Equal(t, CategoryRateLimit, aggErr.Results[0].Category)
	assert.Equal(t, CategoryTimeout, aggErr.Results[1].Category)
	assert.Equal(t, CategoryServerError, aggErr.Results[2].Category)
	assert.Contains(t, err.Error(), "backend[0] b0")
	assert.Contains(t, err.Error(), "backend[2] b2")
}

func TestCaller_NonRetryableShortCircuits(t *testing.T) {
	b0 := &fakeBackend{name: "b0", fn: alwaysFail("invalid api key")}
	b1 := &fakeBackend{name: "b1", fn: alwaysSucceed("recovered")}

	c, delays := newTestCaller(t, []Entry{Plain(b0), Plain(b1)}, noSelection())

	resp, err := c.Call(context.Background(), "x", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
	assert.Equal(t, 1, b0.messageCalls, "auth errors must not be retried")
	assert.Empty(t, *delays)
}

func TestCaller_BackoffSequence(t *testing.T) {
	b0 := &fakeBackend{name: "b0", fn: alwaysFail("429")}

	opts := noSelection()
	opts.MaxRetriesPerModel = 2
	c, delays := newTestCaller(t, []Entry{Plain(b0)}, opts)

	_, err := c.Call(context.Background(), "x", CallOptions{})
	require.Error(t, err)

	// delay(retry) = min(1000 * 2^retry, 10000) ms
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)
}

func TestRetryBackOffSchedule(t *testing.T) {
	bo := newRetryBackOff()
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		got := bo.NextBackOff()
		require.NotEqual(t, backoff.Stop, got)
		assert.Equal(t, w, got, "retry %d", i)
	}
}

func TestCaller_RecoversAfterRetry(t *testing.T) {
	b0 := &fakeBackend{name: "b0", fn: func(call int) (*Response, error) {
		if call < 3 {
			return nil, errors.New("503 service unavailable")
		}
		return validResponse("third time lucky"), nil
	}}

	opts := noSelection()
	opts.MaxRetriesPerModel = 2
	c, delays := newTestCaller(t, []Entry{Plain(b0)}, opts)

	resp, err := c.Call(context.Background(), "x", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", resp.Text)
	assert.Equal(t, 3, b0.messageCalls)
	assert.Len(t, *delays, 2)
}

func TestCaller_ValidationRejectsAndFallsBack(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
	}{
		{"empty text", &Response{Text: "  ", TokensUsed: TokenUsage{Total: 10}, FinishReason: "stop"}},
		{"zero tokens", &Response{Text: "ok", TokensUsed: TokenUsage{Total: 0}, FinishReason: "stop"}},
		{"error finish", &Response{Text: "ok", TokensUsed: TokenUsage{Total: 10}, FinishReason: "error"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b0 := &fakeBackend{name: "b0", fn: func(int) (*Response, error) { return tt.resp, nil }}
			b1 := &fakeBackend{name: "b1", fn: alwaysSucceed("good")}

			c, _ := newTestCaller(t, []Entry{Plain(b0), Plain(b1)}, noSelection())

			resp, err := c.Call(context.Background(), "x", CallOptions{})
			require.NoError(t, err)
			assert.Equal(t, "good", resp.Text)
			assert.Equal(t, 1, b0.messageCalls, "validation failures are not retried on the same backend")
		})
	}
}

func TestCaller_ValidationDisabled(t *testing.T) {
	empty := &Response{Text: "", TokensUsed: TokenUsage{Total: 0}}
	b0 := &fakeBackend{name: "b0", fn: func(int) (*Response, error) { return empty, nil }}

	opts := noSelection()
	opts.ValidateResponse = false
	c, _ := newTestCaller(t, []Entry{Plain(b0)}, opts)

	resp, err := c.Call(context.Background(), "x", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "", resp.Text)
}

func TestCaller_AutoExtractJSON(t *testing.T) {
	b0 := &fakeBackend{name: "b0", fn: alwaysSucceed("result: ```json\n{\"v\": 1}\n```")}

	opts := noSelection()
	opts.AutoExtractJSON = true
	c, _ := newTestCaller(t, []Entry{Plain(b0)}, opts)

	resp, err := c.Call(context.Background(), "x", CallOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v": 1}`, resp.Text)
}

func TestCaller_AutoExtractJSON_NoPayloadLeavesText(t *testing.T) {
	b0 := &fakeBackend{name: "b0", fn: alwaysSucceed("plain prose answer")}

	opts := noSelection()
	opts.AutoExtractJSON = true
	c, _ := newTestCaller(t, []Entry{Plain(b0)}, opts)

	resp, err := c.Call(context.Background(), "x", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "plain prose answer", resp.Text)
}

func TestCaller_IntelligentSelectionRotation(t *testing.T) {
	// The primary answers the classification call with "2", so the rotation
	// starts at backend 2 and wraps: 2, 0, 1.
	b0 := &fakeBackend{name: "b0", selectionText: "2", fn: alwaysFail("500")}
	b1 := &fakeBackend{name: "b1", fn: alwaysSucceed("from b1")}
	b2 := &fakeBackend{name: "b2", fn: alwaysSucceed("from b2")}

	opts := DefaultOptions()
	opts.MaxRetriesPerModel = 0
	c, _ := newTestCaller(t, []Entry{
		Plain(b0),
		WithInstruction(b1, "coding questions"),
		WithInstruction(b2, "creative writing"),
	}, opts)

	resp, err := c.CallWithMessages(context.Background(), []Message{{Role: "user", Content: "write a poem"}}, CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "from b2", resp.Text)
	assert.Equal(t, 1, b0.promptCalls, "selection call goes to the primary backend")
	assert.Equal(t, 0, b0.messageCalls)
	assert.Equal(t, 0, b1.messageCalls)
	assert.Equal(t, 1, b2.messageCalls)
}

func TestCaller_SelectionFailureDefaultsToPrimary(t *testing.T) {
	b0 := &fakeBackend{name: "b0", selectionErr: errors.New("boom"), fn: alwaysSucceed("primary wins")}
	b1 := &fakeBackend{name: "b1", fn: alwaysSucceed("unused")}
	b2 := &fakeBackend{name: "b2", fn: alwaysSucceed("unused")}

	c, _ := newTestCaller(t, []Entry{
		Plain(b0),
		WithInstruction(b1, "a"),
		WithInstruction(b2, "b"),
	}, DefaultOptions())

	resp, err := c.CallWithMessages(context.Background(), []Message{{Role: "user", Content: "x"}}, CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "primary wins", resp.Text)
}

func TestCaller_SelectionOutOfRangeDefaultsToPrimary(t *testing.T) {
	b0 := &fakeBackend{name: "b0", selectionText: "7", fn: alwaysSucceed("primary wins")}
	b1 := &fakeBackend{name: "b1", fn: alwaysSucceed("unused")}
	b2 := &fakeBackend{name: "b2", fn: alwaysSucceed("unused")}

	c, _ := newTestCaller(t, []Entry{
		Plain(b0),
		WithInstruction(b1, "a"),
		WithInstruction(b2, "b"),
	}, DefaultOptions())

	resp, err := c.CallWithMessages(context.Background(), []Message{{Role: "user", Content: "x"}}, CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "primary wins", resp.Text)
}

func TestCaller_SingleInstructedBackendPreferred(t *testing.T) {
	b0 := &fakeBackend{name: "b0", fn: alwaysSucceed("unused")}
	b1 := &fakeBackend{name: "b1", fn: alwaysSucceed("instructed")}

	c, _ := newTestCaller(t, []Entry{Plain(b0), WithInstruction(b1, "always prefer")}, DefaultOptions())

	resp, err := c.Call(context.Background(), "x", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "instructed", resp.Text)
	assert.Equal(t, 0, b0.promptCalls, "no classification call with a single instructed backend")
}

func TestCaller_StreamingSkipsNonStreamingBackends(t *testing.T) {
	plain := &fakeBackend{name: "plain", fn: alwaysSucceed("unused")}
	streamer := &fakeStreamBackend{
		fakeBackend: fakeBackend{name: "streamer", fn: alwaysSucceed("streamed")},
		chunks:      []string{"str", "eamed"},
	}

	c, _ := newTestCaller(t, []Entry{Plain(plain), Plain(streamer)}, noSelection())

	var got []string
	resp, err := c.CallWithStream(context.Background(), []Message{{Role: "user", Content: "x"}}, CallOptions{}, func(chunk string) {
		got = append(got, chunk)
	})
	require.NoError(t, err)
	assert.Equal(t, "streamed", resp.Text)
	assert.Equal(t, []string{"str", "eamed"}, got)
	assert.Equal(t, 0, plain.messageCalls, "non-streaming backend skipped during streaming pass")
	assert.Equal(t, 1, streamer.streamCalls)
}

func TestCaller_StreamingFallsBackWhenUnsupported(t *testing.T) {
	plain := &fakeBackend{name: "plain", fn: alwaysSucceed("non-streamed")}

	c, _ := newTestCaller(t, []Entry{Plain(plain)}, noSelection())

	resp, err := c.CallWithStream(context.Background(), []Message{{Role: "user", Content: "x"}}, CallOptions{}, func(string) {})
	require.NoError(t, err)
	assert.Equal(t, "non-streamed", resp.Text)
	assert.Equal(t, 1, plain.messageCalls)
}

func TestCaller_ContextCancelled(t *testing.T) {
	b0 := &fakeBackend{name: "b0", fn: alwaysSucceed("unused")}

	c, _ := newTestCaller(t, []Entry{Plain(b0)}, noSelection())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Call(ctx, "x", CallOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b0.messageCalls)
}

func TestAggregateError_Message(t *testing.T) {
	err := &AggregateError{Results: []AttemptResult{
		{BackendIndex: 0, BackendName: "anthropic", Err: fmt.Errorf("rate limit"), Category: CategoryRateLimit, RetriesUsed: 2},
		{BackendIndex: 1, BackendName: "openai", Err: fmt.Errorf("401"), Category: CategoryAuth},
	}}

	msg := err.Error()
	assert.Contains(t, msg, "backend[0] anthropic: rate limit")
	assert.Contains(t, msg, "backend[1] openai: 401")
}
