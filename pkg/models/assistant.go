package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AssistantType distinguishes user-facing secretaries from special-purpose
// sub-assistants that are only reachable through the sub_assistant tool.
type AssistantType string

const (
	AssistantSecretary AssistantType = "secretary"
	AssistantSub       AssistantType = "sub_assistant"
)

// Assistant is a configured agent persona owned by the REST data plane.
type Assistant struct {
	ID            uuid.UUID     `json:"id"`
	Name          string        `json:"name"`
	AssistantType AssistantType `json:"assistant_type"`
	Model         string        `json:"model"`
	Instructions  string        `json:"instructions"` // may contain {summary_previous} and {memories}
	IsActive      bool          `json:"is_active"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ToolType enumerates the sealed set of tool implementations.
type ToolType string

const (
	ToolTime           ToolType = "time"
	ToolReminderCreate ToolType = "reminder_create"
	ToolReminderList   ToolType = "reminder_list"
	ToolReminderDelete ToolType = "reminder_delete"
	ToolCalendar       ToolType = "calendar"
	ToolWebSearch      ToolType = "web_search"
	ToolMemorySave     ToolType = "memory_save"
	ToolMemorySearch   ToolType = "memory_search"
	ToolSubAssistant   ToolType = "sub_assistant"
)

// ToolDefinition describes one tool attached to an assistant. InputSchema,
// when present, overrides the handler's derived schema and is enforced on
// incoming arguments.
type ToolDefinition struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	ToolType    ToolType        `json:"tool_type"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	// SubAssistantID targets the assistant invoked by a sub_assistant tool.
	SubAssistantID *uuid.UUID `json:"sub_assistant_id,omitempty"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AssistantToolLink is the m:n association row between assistants and tools.
type AssistantToolLink struct {
	AssistantID uuid.UUID `json:"assistant_id"`
	ToolID      uuid.UUID `json:"tool_id"`
	Position    int       `json:"position"`
	CreatedAt   time.Time `json:"created_at"`
}
