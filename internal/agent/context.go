package agent

import (
	"context"
	"fmt"

	"github.com/secretariat-ai/secretariat/internal/dataplane"
	"github.com/secretariat-ai/secretariat/internal/llm"
	"github.com/secretariat-ai/secretariat/internal/observability"
	"github.com/secretariat-ai/secretariat/pkg/models"
)

// contextLoader prepends recent processed history and the latest rolling
// summary to the window. Summarized rows carry a different status and stay
// out of the live window by construction.
type contextLoader struct {
	store  MessageStore
	limit  int
	logger *observability.Logger
}

func (m *contextLoader) Name() string { return "context_loader" }

func (m *contextLoader) BeforeAgent(ctx context.Context, st *State) error {
	history, err := m.store.ListMessages(ctx, dataplane.MessageQuery{
		UserID:      st.UserID,
		AssistantID: st.AssistantID,
		Status:      models.MessageProcessed,
		Limit:       m.limit,
		SortBy:      "id",
		SortOrder:   "desc",
	})
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	// Newest-first from the query; the window wants ascending.
	entries := make([]Entry, 0, len(history)+len(st.Messages))
	for i := len(history) - 1; i >= 0; i-- {
		entries = append(entries, entryFromRecord(&history[i]))
	}
	st.Messages = append(entries, st.Messages...)

	summary, err := m.store.LatestSummary(ctx, st.UserID, st.AssistantID)
	switch {
	case err == nil:
		st.SummaryText = summary.SummaryText
	case dataplane.IsNotFound(err):
		// First conversation, nothing to fold in.
	default:
		m.logger.Warn(ctx, "latest summary fetch failed", "error", err)
	}
	return nil
}

// messageSaver persists the incoming message before the model runs, so a
// crash mid-run still leaves a pending row behind for the retry policy.
type messageSaver struct {
	store MessageStore
}

func (m *messageSaver) Name() string { return "message_saver" }

func (m *messageSaver) BeforeAgent(ctx context.Context, st *State) error {
	if st.InitialMessage == "" {
		return nil
	}
	saved, err := m.store.CreateMessage(ctx, dataplane.CreateMessageRequest{
		UserID:      st.UserID,
		AssistantID: st.AssistantID,
		Role:        models.RoleHuman,
		Content:     st.InitialMessage,
		Status:      models.MessagePending,
	})
	if err != nil {
		return fmt.Errorf("save incoming message: %w", err)
	}
	st.InitialMessageID = saved.ID

	// Attach the id to the pending entry so later passes can address it.
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if st.Messages[i].Role == llm.ChatRoleUser && st.Messages[i].DBID == 0 {
			st.Messages[i].DBID = saved.ID
			break
		}
	}
	return nil
}

// memoryRetrieval pulls the memories relevant to the latest user message into
// the state for the prompt to render. Retrieval failures degrade to an empty
// list rather than failing the run.
type memoryRetrieval struct {
	rag       MemorySearcher
	limit     int
	threshold float64
	logger    *observability.Logger
}

func (m *memoryRetrieval) Name() string { return "memory_retrieval" }

func (m *memoryRetrieval) BeforeModel(ctx context.Context, st *State) error {
	query := st.LastUserText()
	if query == "" {
		st.Memories = nil
		return nil
	}
	matches, err := m.rag.SearchMemories(ctx, dataplane.SearchMemoriesRequest{
		Query:     query,
		UserID:    st.UserID,
		Limit:     m.limit,
		Threshold: m.threshold,
	})
	if err != nil {
		m.logger.Warn(ctx, "memory retrieval failed", "error", err)
		st.Memories = nil
		return nil
	}
	st.Memories = matches
	return nil
}

// finalizer stamps the terminal status on the incoming message. Runs are
// tainted by any middleware or model error.
type finalizer struct {
	store  MessageStore
	logger *observability.Logger
}

func (m *finalizer) Name() string { return "finalizer" }

func (m *finalizer) AfterAgent(ctx context.Context, st *State, runErr error) {
	if st.InitialMessageID == 0 {
		return
	}
	status := models.MessageProcessed
	if runErr != nil || st.ErrorOccurred {
		status = models.MessageError
	}
	if err := m.store.UpdateMessage(ctx, st.InitialMessageID, dataplane.MessagePatch{Status: status}); err != nil {
		m.logger.Error(ctx, "finalize message status failed",
			"message_id", st.InitialMessageID, "status", status, "error", err)
	}
}
