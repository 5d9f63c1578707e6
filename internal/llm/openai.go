package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/secretariat-ai/secretariat/internal/observability"
	"github.com/secretariat-ai/secretariat/internal/retry"
)

// OpenAIProvider implements Provider over the OpenAI chat completion API.
// Safe for concurrent use.
type OpenAIProvider struct {
	client  *openai.Client
	retry   retry.Config
	metrics *observability.Metrics
}

// NewOpenAIProvider creates an OpenAI provider. baseURL overrides the API
// host for compatible gateways; empty means api.openai.com.
func NewOpenAIProvider(apiKey, baseURL string, metrics *observability.Metrics) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(cfg),
		retry:   retry.DefaultConfig(),
		metrics: metrics,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Complete runs one non-streaming chat completion. Rate limits and server
// errors are retried with backoff; other API errors are terminal.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages, req.System),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	for _, tool := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		})
	}

	start := time.Now()
	resp, err := retry.DoWithValue(ctx, p.retry, func() (openai.ChatCompletionResponse, error) {
		resp, err := p.client.CreateChatCompletion(ctx, chatReq)
		if err != nil && !isRetryableOpenAI(err) {
			return resp, retry.Permanent(err)
		}
		return resp, err
	})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		p.metrics.RecordLLMRequest(p.Name(), req.Model, "error", elapsed, 0, 0)
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		p.metrics.RecordLLMRequest(p.Name(), req.Model, "empty", elapsed, resp.Usage.PromptTokens, 0)
		return nil, errors.New("openai completion: empty choices")
	}

	choice := resp.Choices[0]
	completion := &Completion{
		Content:    choice.Message.Content,
		StopReason: stopReasonFromOpenAI(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		completion.ToolCalls = append(completion.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}

	p.metrics.RecordLLMRequest(p.Name(), req.Model, "ok", elapsed,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return completion, nil
}

func toOpenAIMessages(messages []ChatMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		out := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		result = append(result, out)
	}
	return result
}

func stopReasonFromOpenAI(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonToolCalls:
		return "tool_calls"
	case openai.FinishReasonLength:
		return "length"
	default:
		return "stop"
	}
}

// isRetryableOpenAI reports whether the API error is transient: rate limits
// and server-side failures.
func isRetryableOpenAI(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	// Transport-level errors (connection reset, timeout) have no status.
	return true
}
