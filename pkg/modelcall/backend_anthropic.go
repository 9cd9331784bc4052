package modelcall

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicBackend implements Backend for Anthropic Claude
type AnthropicBackend struct {
	client anthropic.Client
}

// NewAnthropicBackend creates a new Anthropic backend
func NewAnthropicBackend(apiKey string) *AnthropicBackend {
	return &AnthropicBackend{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the backend name
func (b *AnthropicBackend) Name() string {
	return "anthropic"
}

// Capabilities returns the backend capability descriptor
func (b *AnthropicBackend) Capabilities() Capabilities {
	return Capabilities{
		Streaming:        true,
		MaxContextTokens: 200000,
	}
}

// Call makes a single-prompt API call
func (b *AnthropicBackend) Call(ctx context.Context, prompt string, opts CallOptions) (*Response, error) {
	return b.CallWithMessages(ctx, []Message{{Role: "user", Content: prompt}}, opts)
}

// CallWithMessages makes a multi-turn API call to Anthropic Claude
func (b *AnthropicBackend) CallWithMessages(ctx context.Context, messages []Message, opts CallOptions) (*Response, error) {
	params := b.buildParams(messages, opts)

	start := time.Now()
	response, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	content := ""
	for _, block := range response.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += text.Text
		}
	}

	prompt := int(response.Usage.InputTokens)
	completion := int(response.Usage.OutputTokens)

	return &Response{
		Text: content,
		TokensUsed: TokenUsage{
			Prompt:     prompt,
			Completion: completion,
			Total:      prompt + completion,
		},
		Model:          string(response.Model),
		ResponseTimeMs: time.Since(start).Milliseconds(),
		FinishReason:   string(response.StopReason),
	}, nil
}

// CallStream makes a streaming API call, delivering text through onChunk
func (b *AnthropicBackend) CallStream(ctx context.Context, messages []Message, opts CallOptions, onChunk StreamHandler) (*Response, error) {
	params := b.buildParams(messages, opts)

	start := time.Now()
	stream := b.client.Messages.NewStreaming(ctx, params)

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, err
		}

		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta.Delta.Text != "" && onChunk != nil {
				onChunk(delta.Delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	content := ""
	for _, block := range message.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += text.Text
		}
	}

	prompt := int(message.Usage.InputTokens)
	completion := int(message.Usage.OutputTokens)

	return &Response{
		Text: content,
		TokensUsed: TokenUsage{
			Prompt:     prompt,
			Completion: completion,
			Total:      prompt + completion,
		},
		Model:          string(message.Model),
		ResponseTimeMs: time.Since(start).Milliseconds(),
		FinishReason:   string(message.StopReason),
	}, nil
}

func (b *AnthropicBackend) buildParams(messages []Message, opts CallOptions) anthropic.MessageNewParams {
	anthropicMessages := []anthropic.MessageParam{}

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			// System messages handled separately below
		case "assistant":
			anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})
		default:
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(opts.Model),
		Messages:  anthropicMessages,
		MaxTokens: int64(maxTokens),
	}

	systemPrompt := opts.SystemPrompt
	for _, msg := range messages {
		if msg.Role == "system" && systemPrompt == "" {
			systemPrompt = msg.Content
		}
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

	return params
}
