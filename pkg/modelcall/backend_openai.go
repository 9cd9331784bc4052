package modelcall

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIBackend implements Backend for OpenAI
type OpenAIBackend struct {
	client openai.Client
}

// NewOpenAIBackend creates a new OpenAI backend
func NewOpenAIBackend(apiKey string) *OpenAIBackend {
	return &OpenAIBackend{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the backend name
func (b *OpenAIBackend) Name() string {
	return "openai"
}

// Capabilities returns the backend capability descriptor
func (b *OpenAIBackend) Capabilities() Capabilities {
	return Capabilities{
		Streaming:        true,
		MaxContextTokens: 128000,
	}
}

// Call makes a single-prompt API call
func (b *OpenAIBackend) Call(ctx context.Context, prompt string, opts CallOptions) (*Response, error) {
	return b.CallWithMessages(ctx, []Message{{Role: "user", Content: prompt}}, opts)
}

// CallWithMessages makes a multi-turn API call to OpenAI
func (b *OpenAIBackend) CallWithMessages(ctx context.Context, messages []Message, opts CallOptions) (*Response, error) {
	params := b.buildParams(messages, opts)

	start := time.Now()
	response, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}

	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]

	return &Response{
		Text: choice.Message.Content,
		TokensUsed: TokenUsage{
			Prompt:     int(response.Usage.PromptTokens),
			Completion: int(response.Usage.CompletionTokens),
			Total:      int(response.Usage.TotalTokens),
		},
		Model:          response.Model,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		FinishReason:   choice.FinishReason,
	}, nil
}

// CallStream makes a streaming API call, delivering text through onChunk
func (b *OpenAIBackend) CallStream(ctx context.Context, messages []Message, opts CallOptions, onChunk StreamHandler) (*Response, error) {
	params := b.buildParams(messages, opts)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	start := time.Now()
	stream := b.client.Chat.Completions.NewStreaming(ctx, params)

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" && onChunk != nil {
			onChunk(chunk.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	if len(acc.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	return &Response{
		Text: acc.Choices[0].Message.Content,
		TokensUsed: TokenUsage{
			Prompt:     int(acc.Usage.PromptTokens),
			Completion: int(acc.Usage.CompletionTokens),
			Total:      int(acc.Usage.TotalTokens),
		},
		Model:          acc.Model,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		FinishReason:   acc.Choices[0].FinishReason,
	}, nil
}

func (b *OpenAIBackend) buildParams(messages []Message, opts CallOptions) openai.ChatCompletionNewParams {
	openaiMessages := []openai.ChatCompletionMessageParamUnion{}

	if opts.SystemPrompt != "" {
		openaiMessages = append(openaiMessages, openai.SystemMessage(opts.SystemPrompt))
	}

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if opts.SystemPrompt == "" {
				openaiMessages = append(openaiMessages, openai.SystemMessage(msg.Content))
			}
		case "assistant":
			openaiMessages = append(openaiMessages, openai.AssistantMessage(msg.Content))
		default:
			openaiMessages = append(openaiMessages, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(opts.Model),
		Messages: openaiMessages,
	}

	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}

	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}

	return params
}
