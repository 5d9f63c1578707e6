package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/secretariat-ai/secretariat/internal/observability"
	"github.com/secretariat-ai/secretariat/internal/retry"
)

// anthropicDefaultMaxTokens applies when the request leaves MaxTokens unset;
// the Anthropic API requires an explicit budget.
const anthropicDefaultMaxTokens = 4096

// AnthropicProvider implements Provider over the Anthropic Messages API.
// Safe for concurrent use.
type AnthropicProvider struct {
	client  anthropic.Client
	retry   retry.Config
	metrics *observability.Metrics
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(apiKey string, metrics *observability.Metrics) *AnthropicProvider {
	return &AnthropicProvider{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		retry:   retry.DefaultConfig(),
		metrics: metrics,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete runs one non-streaming message call.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}

	messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}
	params.Messages = messages

	tools, err := toAnthropicTools(req.Tools)
	if err != nil {
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}
	params.Tools = tools

	start := time.Now()
	msg, err := retry.DoWithValue(ctx, p.retry, func() (*anthropic.Message, error) {
		msg, err := p.client.Messages.New(ctx, params)
		if err != nil && !isRetryableAnthropic(err) {
			return msg, retry.Permanent(err)
		}
		return msg, err
	})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		p.metrics.RecordLLMRequest(p.Name(), req.Model, "error", elapsed, 0, 0)
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}

	completion := &Completion{
		StopReason: stopReasonFromAnthropic(msg.StopReason),
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			completion.Content += block.Text
		case "tool_use":
			completion.ToolCalls = append(completion.ToolCalls, ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: json.RawMessage(block.Input),
			})
		}
	}

	p.metrics.RecordLLMRequest(p.Name(), req.Model, "ok", elapsed,
		completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
	return completion, nil
}

// toAnthropicMessages maps chat turns onto Anthropic's content-block format.
// Tool results become user messages carrying tool_result blocks; consecutive
// role repeats are legal for the API so no merging is done.
func toAnthropicMessages(messages []ChatMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == ChatRoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Role == ChatRoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		} else if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Args, &input); err != nil {
				return nil, fmt.Errorf("tool call %s input: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == ChatRoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func toAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("tool %s: invalid definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func stopReasonFromAnthropic(reason anthropic.StopReason) string {
	switch reason {
	case anthropic.StopReasonToolUse:
		return "tool_calls"
	case anthropic.StopReasonMaxTokens:
		return "length"
	default:
		return "stop"
	}
}

func isRetryableAnthropic(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return true
}
