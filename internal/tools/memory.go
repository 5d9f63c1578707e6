package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/secretariat-ai/secretariat/internal/dataplane"
	"github.com/secretariat-ai/secretariat/pkg/models"
)

// MemoryAPI is the slice of the RAG service the memory tools need.
// *dataplane.RAG satisfies it.
type MemoryAPI interface {
	CreateMemory(ctx context.Context, req dataplane.CreateMemoryRequest) (*models.Memory, error)
	SearchMemories(ctx context.Context, req dataplane.SearchMemoriesRequest) ([]models.MemoryMatch, error)
}

// MemorySaveTool stores a long-term memory for the current user.
type MemorySaveTool struct {
	api         MemoryAPI
	userID      int64
	assistantID uuid.UUID
}

// NewMemorySaveTool binds the save tool to a (user, assistant) pair.
func NewMemorySaveTool(api MemoryAPI, userID int64, assistantID uuid.UUID) *MemorySaveTool {
	return &MemorySaveTool{api: api, userID: userID, assistantID: assistantID}
}

func (t *MemorySaveTool) Name() string { return "memory_save" }

func (t *MemorySaveTool) Description() string {
	return "Save a long-term memory about the user: a fact, preference or important event."
}

type memorySaveInput struct {
	Text       string `json:"text" jsonschema:"required" jsonschema_description:"The fact to remember, phrased in third person."`
	MemoryType string `json:"memory_type,omitempty" jsonschema:"enum=user_fact,enum=preference,enum=event,enum=conversation_insight,enum=extracted_knowledge"`
	Importance int    `json:"importance,omitempty" jsonschema_description:"1 (trivial) to 10 (critical), default 5."`
}

func (t *MemorySaveTool) Schema() json.RawMessage {
	return deriveSchema("memory_save", &memorySaveInput{})
}

func (t *MemorySaveTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var input memorySaveInput
	if err := decodeArgs(args, &input); err != nil {
		return "", err
	}
	if strings.TrimSpace(input.Text) == "" {
		return "", Errorf(ErrCodeInvalidArgs, "text is required")
	}
	if input.Importance == 0 {
		input.Importance = 5
	}

	assistantID := t.assistantID
	memory, err := t.api.CreateMemory(ctx, dataplane.CreateMemoryRequest{
		UserID:      t.userID,
		AssistantID: &assistantID,
		MemoryType:  models.MemoryType(input.MemoryType),
		Text:        input.Text,
		Importance:  input.Importance,
	})
	if err != nil {
		return "", Errorf(ErrCodeUpstream, "save memory: %v", err)
	}
	return fmt.Sprintf("Memory saved (%s): %s", memory.MemoryType, input.Text), nil
}

// MemorySearchTool runs a semantic search over the user's memories.
type MemorySearchTool struct {
	api    MemoryAPI
	userID int64
}

// NewMemorySearchTool binds the search tool to a user.
func NewMemorySearchTool(api MemoryAPI, userID int64) *MemorySearchTool {
	return &MemorySearchTool{api: api, userID: userID}
}

func (t *MemorySearchTool) Name() string { return "memory_search" }

func (t *MemorySearchTool) Description() string {
	return "Search the user's long-term memories semantically."
}

type memorySearchInput struct {
	Query string `json:"query" jsonschema:"required" jsonschema_description:"What to look for."`
	Limit int    `json:"limit,omitempty" jsonschema_description:"Max results, default 5."`
}

func (t *MemorySearchTool) Schema() json.RawMessage {
	return deriveSchema("memory_search", &memorySearchInput{})
}

func (t *MemorySearchTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var input memorySearchInput
	if err := decodeArgs(args, &input); err != nil {
		return "", err
	}
	if strings.TrimSpace(input.Query) == "" {
		return "", Errorf(ErrCodeInvalidArgs, "query is required")
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 5
	}

	matches, err := t.api.SearchMemories(ctx, dataplane.SearchMemoriesRequest{
		Query:  input.Query,
		UserID: t.userID,
		Limit:  limit,
	})
	if err != nil {
		return "", Errorf(ErrCodeUpstream, "search memories: %v", err)
	}
	if len(matches) == 0 {
		return "No matching memories found.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Memories matching %q:\n", input.Query)
	for _, m := range matches {
		fmt.Fprintf(&b, "- (%s, score %.2f) %s\n", m.MemoryType, m.Score, m.Text)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
