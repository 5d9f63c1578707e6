package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// SubAssistantRunner dispatches a message to another assistant on behalf of
// the current one. The agent factory satisfies it; the indirection keeps
// this package from depending on the factory that builds it.
type SubAssistantRunner interface {
	RunSubAssistant(ctx context.Context, assistantID uuid.UUID, userID int64, text string) (string, error)
}

// SubAssistantTool delegates a task to a special-purpose sub-assistant and
// returns its reply.
type SubAssistantTool struct {
	runner      SubAssistantRunner
	name        string
	description string
	userID      int64
	parentID    uuid.UUID
	targetID    uuid.UUID
}

// NewSubAssistantTool binds a delegation tool to its target. parentID is the
// owning assistant; delegation back into it is refused to keep the agent
// graph acyclic.
func NewSubAssistantTool(runner SubAssistantRunner, name, description string, userID int64, parentID, targetID uuid.UUID) *SubAssistantTool {
	if description == "" {
		description = "Delegate a task to the " + name + " assistant and return its answer."
	}
	return &SubAssistantTool{
		runner:      runner,
		name:        name,
		description: description,
		userID:      userID,
		parentID:    parentID,
		targetID:    targetID,
	}
}

func (t *SubAssistantTool) Name() string { return t.name }

func (t *SubAssistantTool) Description() string { return t.description }

type subAssistantInput struct {
	Message string `json:"message" jsonschema:"required" jsonschema_description:"The task or question to hand to the sub-assistant."`
}

func (t *SubAssistantTool) Schema() json.RawMessage {
	return deriveSchema("sub_assistant", &subAssistantInput{})
}

func (t *SubAssistantTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var input subAssistantInput
	if err := decodeArgs(args, &input); err != nil {
		return "", err
	}
	if strings.TrimSpace(input.Message) == "" {
		return "", Errorf(ErrCodeInvalidArgs, "message is required")
	}
	if t.targetID == t.parentID {
		return "", Errorf(ErrCodeUnsupported, "assistant cannot delegate to itself")
	}

	reply, err := t.runner.RunSubAssistant(ctx, t.targetID, t.userID, input.Message)
	if err != nil {
		return "", Errorf(ErrCodeUpstream, "sub-assistant %s: %v", t.name, err)
	}
	return reply, nil
}
