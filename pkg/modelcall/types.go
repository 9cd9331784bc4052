package modelcall

import (
	"context"
	"time"
)

// Message represents a single conversation turn sent to a backend
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenUsage tracks token consumption for one response
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Response contains a backend's reply to one request
type Response struct {
	Text           string     `json:"text"`
	TokensUsed     TokenUsage `json:"tokens_used"`
	Model          string     `json:"model"`
	ResponseTimeMs int64      `json:"response_time_ms"`
	FinishReason   string     `json:"finish_reason"`
}

// CallOptions configures a single logical model request
type CallOptions struct {
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
}

// Capabilities describes what a backend supports
type Capabilities struct {
	Streaming        bool `json:"streaming"`
	MaxContextTokens int  `json:"max_context_tokens,omitempty"`
}

// Backend is one model provider integration
type Backend interface {
	// Name returns the backend name for logging and metrics
	Name() string

	// Call makes a single-prompt request
	Call(ctx context.Context, prompt string, opts CallOptions) (*Response, error)

	// CallWithMessages makes a multi-turn request
	CallWithMessages(ctx context.Context, messages []Message, opts CallOptions) (*Response, error)

	// Capabilities returns the backend capability descriptor
	Capabilities() Capabilities
}

// StreamHandler receives response text chunks as they arrive
type StreamHandler func(chunk string)

// StreamingBackend is a backend that can stream partial responses
type StreamingBackend interface {
	Backend

	// CallStream makes a multi-turn request, delivering text through onChunk.
	// The returned response carries the full accumulated text.
	CallStream(ctx context.Context, messages []Message, opts CallOptions, onChunk StreamHandler) (*Response, error)
}

// Entry is a backend with an optional natural-language instruction describing
// when it should be preferred. Entries are the normalized backend shape: the
// caller resolves its inputs into a []Entry once at construction and never
// sniffs shapes at call time.
type Entry struct {
	Backend     Backend
	Instruction string
}

// Plain wraps a backend without a selection instruction
func Plain(b Backend) Entry {
	return Entry{Backend: b}
}

// WithInstruction wraps a backend with a selection instruction
func WithInstruction(b Backend, instruction string) Entry {
	return Entry{Backend: b, Instruction: instruction}
}

// AttemptResult records the terminal outcome for one backend during a call
type AttemptResult struct {
	BackendIndex int      `json:"backend_index"`
	BackendName  string   `json:"backend_name"`
	Category     Category `json:"category"`
	RetriesUsed  int      `json:"retries_used"`
	Err          error    `json:"-"`
}

// Default caller configuration values
const (
	DefaultMaxRetriesPerModel = 2
	DefaultTimeoutPerModel    = 120 * time.Second
)
