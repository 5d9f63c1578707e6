package agent

import (
	"context"

	"github.com/google/uuid"

	"github.com/secretariat-ai/secretariat/internal/dataplane"
	"github.com/secretariat-ai/secretariat/internal/llm"
	"github.com/secretariat-ai/secretariat/pkg/models"
)

// MessageStore is the slice of the data plane the graph persists through.
// *dataplane.REST satisfies it.
type MessageStore interface {
	ListMessages(ctx context.Context, query dataplane.MessageQuery) ([]models.Message, error)
	CreateMessage(ctx context.Context, req dataplane.CreateMessageRequest) (*models.Message, error)
	UpdateMessage(ctx context.Context, id int64, patch dataplane.MessagePatch) error
	CreateSummary(ctx context.Context, req dataplane.CreateSummaryRequest) (*models.UserSummary, error)
	LatestSummary(ctx context.Context, userID int64, assistantID uuid.UUID) (*models.UserSummary, error)
}

// MemorySearcher is the slice of the RAG service the graph reads memories
// through. *dataplane.RAG satisfies it.
type MemorySearcher interface {
	SearchMemories(ctx context.Context, req dataplane.SearchMemoriesRequest) ([]models.MemoryMatch, error)
}

// Middleware is one node of the graph. Implementations opt into hooks by
// satisfying the narrower interfaces below; the graph runs each hook across
// all middlewares in declaration order.
type Middleware interface {
	Name() string
}

// beforeAgent hooks run once per invocation, before the model loop starts.
type beforeAgent interface {
	BeforeAgent(ctx context.Context, st *State) error
}

// beforeModel hooks run before every model step.
type beforeModel interface {
	BeforeModel(ctx context.Context, st *State) error
}

// wrapModelCall hooks may rewrite the outgoing request of every model step.
type wrapModelCall interface {
	WrapModelCall(ctx context.Context, st *State, req *llm.Request) error
}

// afterModel hooks run after every model step, once the reply is appended to
// the window.
type afterModel interface {
	AfterModel(ctx context.Context, st *State) error
}

// afterAgent hooks always run at the end of an invocation, even when the run
// failed. runErr is the error that terminated the run, or nil.
type afterAgent interface {
	AfterAgent(ctx context.Context, st *State, runErr error)
}
