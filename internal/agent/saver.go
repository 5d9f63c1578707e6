package agent

import (
	"context"
	"fmt"

	"github.com/secretariat-ai/secretariat/internal/dataplane"
	"github.com/secretariat-ai/secretariat/internal/llm"
	"github.com/secretariat-ai/secretariat/internal/observability"
	"github.com/secretariat-ai/secretariat/pkg/models"
)

// responseSaver persists every assistant and tool message the model loop
// appended since the last step. Assistant turns that requested tools keep the
// call list in meta_data; their content may legitimately be empty.
type responseSaver struct {
	store  MessageStore
	logger *observability.Logger
}

func (m *responseSaver) Name() string { return "response_saver" }

func (m *responseSaver) AfterModel(ctx context.Context, st *State) error {
	for i := range st.Messages {
		e := &st.Messages[i]
		if e.DBID != 0 {
			continue
		}
		if e.Role != llm.ChatRoleAssistant && e.Role != llm.ChatRoleTool {
			continue
		}

		req := dataplane.CreateMessageRequest{
			UserID:      st.UserID,
			AssistantID: st.AssistantID,
			Role:        recordRole(e.Role),
			Content:     e.Content,
			ToolCallID:  e.ToolCallID,
			Status:      models.MessageProcessed,
		}
		if len(e.ToolCalls) > 0 {
			meta := &models.MessageMeta{}
			for _, tc := range e.ToolCalls {
				meta.ToolCalls = append(meta.ToolCalls, models.ToolCallRecord{
					Name: tc.Name,
					ID:   tc.ID,
					Args: tc.Args,
				})
			}
			req.Meta = meta
		}

		saved, err := m.store.CreateMessage(ctx, req)
		if err != nil {
			return fmt.Errorf("save %s message: %w", e.Role, err)
		}
		e.DBID = saved.ID
	}
	return nil
}
