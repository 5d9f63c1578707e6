package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	schemavalid "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/secretariat-ai/secretariat/internal/observability"
	"github.com/secretariat-ai/secretariat/pkg/models"
)

// Deps are the shared backends tool handlers call into. SubAssistants may be
// nil when the factory builds tools for a sub-assistant itself.
type Deps struct {
	Reminders     ReminderAPI
	Calendar      CalendarAPI
	Memories      MemoryAPI
	Search        *TavilyClient
	SubAssistants SubAssistantRunner

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// Factory instantiates tool handlers from stored definitions.
type Factory struct {
	deps Deps
}

// NewFactory creates the tool factory.
func NewFactory(deps Deps) *Factory {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Factory{deps: deps}
}

// Binding identifies who a tool acts for.
type Binding struct {
	UserID      int64
	AssistantID uuid.UUID
	Timezone    string // user's IANA timezone for local-time translation
}

// Build instantiates the handler for one tool definition, bound to the given
// user and assistant. The stored definition's name and description override
// the handler's defaults, and a stored input_schema is enforced on every
// invocation.
func (f *Factory) Build(def *models.ToolDefinition, binding Binding) (Tool, error) {
	var tool Tool
	switch def.ToolType {
	case models.ToolTime:
		tool = NewTimeTool(f.deps.Now)
	case models.ToolReminderCreate:
		tool = NewReminderCreateTool(f.deps.Reminders, binding.UserID, binding.AssistantID, binding.Timezone, f.deps.Now)
	case models.ToolReminderList:
		tool = NewReminderListTool(f.deps.Reminders, binding.UserID)
	case models.ToolReminderDelete:
		tool = NewReminderDeleteTool(f.deps.Reminders, binding.UserID)
	case models.ToolCalendar:
		tool = NewCalendarTool(f.deps.Calendar, binding.UserID, f.deps.Now)
	case models.ToolWebSearch:
		if f.deps.Search == nil {
			return nil, fmt.Errorf("tool %s: web search is not configured", def.Name)
		}
		tool = NewWebSearchTool(f.deps.Search)
	case models.ToolMemorySave:
		tool = NewMemorySaveTool(f.deps.Memories, binding.UserID, binding.AssistantID)
	case models.ToolMemorySearch:
		tool = NewMemorySearchTool(f.deps.Memories, binding.UserID)
	case models.ToolSubAssistant:
		if def.SubAssistantID == nil {
			return nil, fmt.Errorf("tool %s: sub_assistant_id is required", def.Name)
		}
		if f.deps.SubAssistants == nil {
			return nil, fmt.Errorf("tool %s: sub-assistant delegation is not available here", def.Name)
		}
		tool = NewSubAssistantTool(f.deps.SubAssistants, def.Name, def.Description,
			binding.UserID, binding.AssistantID, *def.SubAssistantID)
	default:
		return nil, fmt.Errorf("unknown tool type %q", def.ToolType)
	}

	return f.wrap(def, tool)
}

// BuildAll instantiates handlers for a definition list, skipping inactive
// definitions.
func (f *Factory) BuildAll(defs []models.ToolDefinition, binding Binding) ([]Tool, error) {
	built := make([]Tool, 0, len(defs))
	for i := range defs {
		if !defs[i].IsActive {
			continue
		}
		tool, err := f.Build(&defs[i], binding)
		if err != nil {
			return nil, err
		}
		built = append(built, tool)
	}
	return built, nil
}

func (f *Factory) wrap(def *models.ToolDefinition, tool Tool) (Tool, error) {
	bound := &boundTool{
		Tool:        tool,
		name:        def.Name,
		description: def.Description,
		logger:      f.deps.Logger,
		metrics:     f.deps.Metrics,
		now:         f.deps.Now,
	}
	if len(def.InputSchema) > 0 {
		compiled, err := compileSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: stored input_schema: %w", def.Name, err)
		}
		bound.schemaOverride = def.InputSchema
		bound.validator = compiled
	}
	return bound, nil
}

// boundTool applies the stored definition's overrides and instruments every
// invocation.
type boundTool struct {
	Tool
	name           string
	description    string
	schemaOverride json.RawMessage
	validator      *schemavalid.Schema
	logger         *observability.Logger
	metrics        *observability.Metrics
	now            func() time.Time
}

func (b *boundTool) Name() string {
	if b.name != "" {
		return b.name
	}
	return b.Tool.Name()
}

func (b *boundTool) Description() string {
	if b.description != "" {
		return b.description
	}
	return b.Tool.Description()
}

func (b *boundTool) Schema() json.RawMessage {
	if len(b.schemaOverride) > 0 {
		return b.schemaOverride
	}
	return b.Tool.Schema()
}

func (b *boundTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	if b.validator != nil {
		if err := validateArgs(b.validator, args); err != nil {
			b.metrics.RecordToolExecution(b.Name(), "invalid_args", 0)
			return "", err
		}
	}

	start := b.now()
	result, err := b.Tool.Invoke(ctx, args)
	elapsed := b.now().Sub(start).Seconds()

	status := "ok"
	if err != nil {
		status = "error"
	}
	b.metrics.RecordToolExecution(b.Name(), status, elapsed)
	b.logger.Event(ctx, observability.EventToolCall, "tool executed",
		"tool", b.Name(), "status", status, "duration_ms", int(elapsed*1000))
	return result, err
}
