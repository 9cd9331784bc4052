package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropagateToSubSession(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithSessionID(ctx, "parent")

	child := PropagateToSubSession(ctx, "child")

	assert.Equal(t, "trace-1", GetTraceID(child))
	assert.Equal(t, "child", GetSessionID(child))
}

func TestPropagateToSubSession_GeneratesTraceID(t *testing.T) {
	child := PropagateToSubSession(context.Background(), "child")
	assert.NotEmpty(t, GetTraceID(child))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "trace-abc")
	ctx = WithSessionID(ctx, "sess-1")

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	require.Contains(t, out, "trace-abc")
	require.Contains(t, out, "sess-1")
}

func TestFromContext_Empty(t *testing.T) {
	tc := FromContext(context.Background())
	assert.Empty(t, tc.TraceID)
	assert.Empty(t, tc.SessionID)
	assert.Empty(t, tc.ExtractionID)
}
