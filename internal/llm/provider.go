// Package llm wraps the chat-completion providers behind one non-streaming
// contract. The agent graph drives the tool loop itself, so providers return
// whole completions: accumulated text plus any tool calls the model issued.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Chat roles on the provider wire.
const (
	ChatRoleSystem    = "system"
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
	ChatRoleTool      = "tool"
)

// ToolCall is one tool invocation the model requested.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ChatMessage is one turn of provider-facing conversation. Tool results set
// Role=tool and ToolCallID; assistant turns that requested tools carry
// ToolCalls.
type ChatMessage struct {
	Role       string
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolSpec declares one callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage // JSON Schema for the arguments object
}

// Request is one completion call.
type Request struct {
	Model       string
	System      string
	Messages    []ChatMessage
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float32
}

// Usage is the token accounting a provider reports.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Completion is one full model turn.
type Completion struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string // "stop", "tool_calls", "length"
	Usage      Usage
}

// HasToolCalls reports whether the model requested tool execution.
func (c *Completion) HasToolCalls() bool { return len(c.ToolCalls) > 0 }

// Provider is a chat-completion backend.
type Provider interface {
	// Name identifies the provider in logs and metrics ("openai",
	// "anthropic").
	Name() string
	// Complete runs one completion. Transient provider failures are retried
	// internally; the returned error is terminal for this call.
	Complete(ctx context.Context, req *Request) (*Completion, error)
}

// ErrProviderUnknown is returned by Registry.Get for unconfigured providers.
var ErrProviderUnknown = errors.New("unknown llm provider")

// Registry holds the configured providers keyed by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get resolves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderUnknown, name)
	}
	return p, nil
}

// ForModel routes a model id to its provider: claude-* models go to
// anthropic, everything else to openai.
func (r *Registry) ForModel(model string) (Provider, error) {
	if strings.HasPrefix(strings.ToLower(model), "claude") {
		return r.Get("anthropic")
	}
	return r.Get("openai")
}
