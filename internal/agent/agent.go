package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/secretariat-ai/secretariat/internal/llm"
	"github.com/secretariat-ai/secretariat/internal/observability"
	"github.com/secretariat-ai/secretariat/internal/tools"
	"github.com/secretariat-ai/secretariat/pkg/models"
)

// loopOverhead pads the wall-clock cap beyond the per-step budget, covering
// tool execution between model steps.
const loopOverhead = 30 * time.Second

// ProcessingError is a failure inside the agent graph. The run is tainted but
// the finalizer still executes, so the initial message ends up marked errored
// instead of stuck pending.
type ProcessingError struct {
	Stage string
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("agent %s: %v", e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Config assembles one agent instance.
type Config struct {
	Assistant *models.Assistant
	UserID    int64
	Tools     []tools.Tool

	Provider llm.Provider
	Store    MessageStore
	Memories MemorySearcher

	HistoryLimit          int
	ContextSize           int // 0 selects the model's default window
	SummaryThreshold      float64
	KeepTail              int
	MemorySearchLimit     int
	MemorySearchThreshold float64
	SummaryPrompt         string
	StepTimeout           time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Agent is one compiled persona bound to one user. Runs are serialized by an
// in-memory lock, preserving history causality per (user, assistant) pair.
type Agent struct {
	mu sync.Mutex

	assistant   *models.Assistant
	userID      int64
	tools       []tools.Tool
	toolSpecs   []llm.ToolSpec
	provider    llm.Provider
	store       MessageStore
	contextSize int
	stepTimeout time.Duration

	graph []Middleware

	logger  *observability.Logger
	metrics *observability.Metrics

	loadedAt time.Time
}

// New compiles the middleware graph for one (assistant, user) pair.
func New(cfg Config) *Agent {
	contextSize := cfg.ContextSize
	if contextSize <= 0 {
		contextSize = llm.ContextWindow(cfg.Assistant.Model)
	}
	stepTimeout := cfg.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = 60 * time.Second
	}

	a := &Agent{
		assistant:   cfg.Assistant,
		userID:      cfg.UserID,
		tools:       cfg.Tools,
		provider:    cfg.Provider,
		store:       cfg.Store,
		contextSize: contextSize,
		stepTimeout: stepTimeout,
		logger:      cfg.Logger.With("assistant", cfg.Assistant.Name, "user_id", cfg.UserID),
		metrics:     cfg.Metrics,
		loadedAt:    time.Now().UTC(),
	}
	for _, t := range cfg.Tools {
		a.toolSpecs = append(a.toolSpecs, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}

	a.graph = []Middleware{
		&contextLoader{store: cfg.Store, limit: cfg.HistoryLimit, logger: a.logger},
		&messageSaver{store: cfg.Store},
		&memoryRetrieval{
			rag:       cfg.Memories,
			limit:     cfg.MemorySearchLimit,
			threshold: cfg.MemorySearchThreshold,
			logger:    a.logger,
		},
		&dynamicPrompt{instructions: cfg.Assistant.Instructions, logger: a.logger},
		&summarizer{
			store:        cfg.Store,
			provider:     cfg.Provider,
			model:        cfg.Assistant.Model,
			instructions: cfg.Assistant.Instructions,
			prompt:       cfg.SummaryPrompt,
			threshold:    cfg.SummaryThreshold,
			keepTail:     cfg.KeepTail,
			logger:       a.logger,
		},
		&responseSaver{store: cfg.Store, logger: a.logger},
		&finalizer{store: cfg.Store, logger: a.logger},
	}
	return a
}

// AssistantID returns the persona this instance was built from.
func (a *Agent) AssistantID() uuid.UUID { return a.assistant.ID }

// LoadedAt is when this instance's config snapshot was taken; the factory
// compares it against the assistant's updated_at to decide eviction.
func (a *Agent) LoadedAt() time.Time { return a.loadedAt }

// ProcessMessage runs one full agent invocation and returns the final
// assistant reply. Concurrent calls for the same instance serialize.
func (a *Agent) ProcessMessage(ctx context.Context, text string, trigger *models.TriggerEvent) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := &State{
		UserID:      a.userID,
		AssistantID: a.assistant.ID,
		ContextSize: a.contextSize,
		Trigger:     trigger,
	}
	if text != "" {
		st.InitialMessage = text
		st.Messages = append(st.Messages, Entry{
			ChatMessage: llm.ChatMessage{Role: llm.ChatRoleUser, Content: text},
		})
	}

	wallCap := 3*a.stepTimeout + loopOverhead
	runCtx, cancel := context.WithTimeout(ctx, wallCap)
	defer cancel()

	reply, err := a.run(runCtx, st)
	for _, mw := range a.graph {
		if hook, ok := mw.(afterAgent); ok {
			// Finalization must proceed even when the run deadline fired.
			hook.AfterAgent(context.WithoutCancel(runCtx), st, err)
		}
	}
	if err != nil {
		return "", err
	}
	return reply, nil
}

func (a *Agent) run(ctx context.Context, st *State) (string, error) {
	for _, mw := range a.graph {
		if hook, ok := mw.(beforeAgent); ok {
			if err := hook.BeforeAgent(ctx, st); err != nil {
				st.ErrorOccurred = true
				return "", &ProcessingError{Stage: mw.Name(), Err: err}
			}
		}
	}

	for {
		completion, err := a.modelStep(ctx, st)
		if err != nil {
			st.ErrorOccurred = true
			return "", err
		}

		if !completion.HasToolCalls() {
			return completion.Content, nil
		}
		a.executeToolCalls(ctx, st, completion.ToolCalls)
	}
}

// modelStep runs one bounded model call plus its surrounding hooks.
func (a *Agent) modelStep(ctx context.Context, st *State) (*llm.Completion, error) {
	for _, mw := range a.graph {
		if hook, ok := mw.(beforeModel); ok {
			if err := hook.BeforeModel(ctx, st); err != nil {
				return nil, &ProcessingError{Stage: mw.Name(), Err: err}
			}
		}
	}

	req := &llm.Request{
		Model:    a.assistant.Model,
		Messages: chatMessages(st.Messages),
		Tools:    a.toolSpecs,
	}
	for _, mw := range a.graph {
		if hook, ok := mw.(wrapModelCall); ok {
			if err := hook.WrapModelCall(ctx, st, req); err != nil {
				return nil, &ProcessingError{Stage: mw.Name(), Err: err}
			}
		}
	}

	stepCtx, cancel := context.WithTimeout(ctx, a.stepTimeout)
	completion, err := a.provider.Complete(stepCtx, req)
	cancel()
	if err != nil {
		return nil, &ProcessingError{Stage: "model", Err: err}
	}
	a.logger.Event(ctx, observability.EventLLMCall, "model step",
		"model", a.assistant.Model, "stop_reason", completion.StopReason,
		"tool_calls", len(completion.ToolCalls))

	st.Messages = append(st.Messages, Entry{
		ChatMessage: llm.ChatMessage{
			Role:      llm.ChatRoleAssistant,
			Content:   completion.Content,
			ToolCalls: completion.ToolCalls,
		},
	})

	for _, mw := range a.graph {
		if hook, ok := mw.(afterModel); ok {
			if err := hook.AfterModel(ctx, st); err != nil {
				return nil, &ProcessingError{Stage: mw.Name(), Err: err}
			}
		}
	}
	return completion, nil
}

// executeToolCalls runs the model's requested tools in declaration order.
// Failures become tool messages so the model can recover on the next step.
func (a *Agent) executeToolCalls(ctx context.Context, st *State, calls []llm.ToolCall) {
	for _, call := range calls {
		content := a.invokeTool(ctx, &call)
		st.Messages = append(st.Messages, Entry{
			ChatMessage: llm.ChatMessage{
				Role:       llm.ChatRoleTool,
				Content:    content,
				ToolCallID: call.ID,
			},
		})
	}
}

func (a *Agent) invokeTool(ctx context.Context, call *llm.ToolCall) string {
	for _, t := range a.tools {
		if t.Name() != call.Name {
			continue
		}
		result, err := t.Invoke(ctx, call.Args)
		if err != nil {
			a.logger.Warn(ctx, "tool failed", "tool", call.Name, "error", err)
			return fmt.Sprintf("Error executing tool: %v", err)
		}
		return result
	}
	a.logger.Warn(ctx, "model requested unknown tool", "tool", call.Name)
	return fmt.Sprintf("Error executing tool: no tool named %q", call.Name)
}
