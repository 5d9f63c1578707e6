package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/secretariat-ai/secretariat/internal/dataplane"
	"github.com/secretariat-ai/secretariat/internal/llm"
	"github.com/secretariat-ai/secretariat/internal/observability"
	"github.com/secretariat-ai/secretariat/internal/tools"
	"github.com/secretariat-ai/secretariat/pkg/models"
)

type fakeStore struct {
	history   []models.Message // newest first, as the desc query returns
	summary   *models.UserSummary
	nextID    int64
	created   []dataplane.CreateMessageRequest
	patched   map[int64]dataplane.MessagePatch
	summaries []dataplane.CreateSummaryRequest
	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{nextID: 100, patched: map[int64]dataplane.MessagePatch{}}
}

func (f *fakeStore) ListMessages(ctx context.Context, query dataplane.MessageQuery) ([]models.Message, error) {
	return f.history, nil
}

func (f *fakeStore) CreateMessage(ctx context.Context, req dataplane.CreateMessageRequest) (*models.Message, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	f.created = append(f.created, req)
	return &models.Message{ID: f.nextID, Role: req.Role, Content: req.Content}, nil
}

func (f *fakeStore) UpdateMessage(ctx context.Context, id int64, patch dataplane.MessagePatch) error {
	f.patched[id] = patch
	return nil
}

func (f *fakeStore) CreateSummary(ctx context.Context, req dataplane.CreateSummaryRequest) (*models.UserSummary, error) {
	f.summaries = append(f.summaries, req)
	return &models.UserSummary{ID: int64(len(f.summaries)), SummaryText: req.SummaryText, LastMessageID: req.LastMessageID}, nil
}

func (f *fakeStore) LatestSummary(ctx context.Context, userID int64, assistantID uuid.UUID) (*models.UserSummary, error) {
	if f.summary == nil {
		return nil, &dataplane.ServiceResponseError{Service: "rest", Status: 404, Detail: "no summary"}
	}
	return f.summary, nil
}

type fakeRAG struct {
	matches []models.MemoryMatch
	queries []string
}

func (f *fakeRAG) SearchMemories(ctx context.Context, req dataplane.SearchMemoriesRequest) ([]models.MemoryMatch, error) {
	f.queries = append(f.queries, req.Query)
	return f.matches, nil
}

type scriptedProvider struct {
	replies  []llm.Completion
	requests []llm.Request
	err      error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
	p.requests = append(p.requests, *req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.replies) == 0 {
		return nil, errors.New("scripted provider exhausted")
	}
	reply := p.replies[0]
	p.replies = p.replies[1:]
	return &reply, nil
}

type echoTool struct {
	name string
	fail bool
}

func (t *echoTool) Name() string                 { return t.name }
func (t *echoTool) Description() string          { return "echoes" }
func (t *echoTool) Schema() json.RawMessage      { return json.RawMessage(`{"type":"object"}`) }
func (t *echoTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	if t.fail {
		return "", errors.New("boom")
	}
	return "echo:" + string(args), nil
}

func testAgent(t *testing.T, store *fakeStore, rag *fakeRAG, provider llm.Provider, extra ...Config) *Agent {
	t.Helper()
	assistant := &models.Assistant{
		ID:           uuid.New(),
		Name:         "secretary",
		Model:        "gpt-4o",
		Instructions: "You are helpful.\nSummary: {summary_previous}\nKnown: {memories}",
	}
	cfg := Config{
		Assistant:             assistant,
		UserID:                7,
		Provider:              provider,
		Store:                 store,
		Memories:              rag,
		HistoryLimit:          50,
		SummaryThreshold:      0.6,
		KeepTail:              5,
		MemorySearchLimit:     5,
		MemorySearchThreshold: 0.6,
		SummaryPrompt:         "Previous: {current_summary}\nMessages: {json}",
		StepTimeout:           time.Second,
		Logger:                observability.NewLogger(observability.LogConfig{Output: io.Discard}),
		Metrics:               observability.NewMetrics(prometheus.NewRegistry()),
	}
	if len(extra) > 0 {
		if extra[0].Tools != nil {
			cfg.Tools = extra[0].Tools
		}
		if extra[0].ContextSize != 0 {
			cfg.ContextSize = extra[0].ContextSize
		}
		if extra[0].KeepTail != 0 {
			cfg.KeepTail = extra[0].KeepTail
		}
	}
	return New(cfg)
}

func TestProcessMessageSavesAndFinalizes(t *testing.T) {
	store := newFakeStore()
	store.history = []models.Message{
		{ID: 2, Role: models.RoleAssistant, Content: "hi there"},
		{ID: 1, Role: models.RoleHuman, Content: "hi"},
	}
	provider := &scriptedProvider{replies: []llm.Completion{{Content: "All set.", StopReason: "stop"}}}
	agent := testAgent(t, store, &fakeRAG{}, provider)

	reply, err := agent.ProcessMessage(context.Background(), "book a table", nil)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if reply != "All set." {
		t.Errorf("reply = %q", reply)
	}

	// Incoming message saved pending, then finalized processed; reply saved.
	if len(store.created) != 2 {
		t.Fatalf("created %d messages, want incoming + reply", len(store.created))
	}
	if store.created[0].Role != models.RoleHuman || store.created[0].Status != models.MessagePending {
		t.Errorf("incoming save = %+v", store.created[0])
	}
	if store.created[1].Role != models.RoleAssistant || store.created[1].Content != "All set." {
		t.Errorf("reply save = %+v", store.created[1])
	}
	patch, ok := store.patched[101]
	if !ok || patch.Status != models.MessageProcessed {
		t.Errorf("initial message finalized as %+v", patch)
	}

	// History arrived ascending ahead of the new message.
	req := provider.requests[0]
	if len(req.Messages) != 3 || req.Messages[0].Content != "hi" || req.Messages[2].Content != "book a table" {
		t.Errorf("window = %+v", req.Messages)
	}
}

func TestToolLoopRecoversFromToolFailure(t *testing.T) {
	store := newFakeStore()
	call := llm.ToolCall{ID: "call_1", Name: "echo", Args: json.RawMessage(`{"x":1}`)}
	provider := &scriptedProvider{replies: []llm.Completion{
		{ToolCalls: []llm.ToolCall{call}, StopReason: "tool_calls"},
		{Content: "done", StopReason: "stop"},
	}}
	agent := testAgent(t, store, &fakeRAG{}, provider, Config{Tools: []tools.Tool{&echoTool{name: "echo", fail: true}}})

	reply, err := agent.ProcessMessage(context.Background(), "use the tool", nil)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if reply != "done" {
		t.Errorf("reply = %q", reply)
	}

	// Second model step saw the tool error message.
	second := provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != llm.ChatRoleTool || last.ToolCallID != "call_1" ||
		!strings.HasPrefix(last.Content, "Error executing tool:") {
		t.Errorf("tool message = %+v", last)
	}

	// Assistant tool-call turn persisted with meta, tool result persisted too.
	var sawToolCallMeta, sawToolRow bool
	for _, c := range store.created {
		if c.Role == models.RoleAssistant && c.Meta != nil && len(c.Meta.ToolCalls) == 1 {
			sawToolCallMeta = true
		}
		if c.Role == models.RoleTool && c.ToolCallID == "call_1" {
			sawToolRow = true
		}
	}
	if !sawToolCallMeta || !sawToolRow {
		t.Errorf("tool turn persistence: meta=%v row=%v", sawToolCallMeta, sawToolRow)
	}
}

func TestModelFailureMarksInitialMessageError(t *testing.T) {
	store := newFakeStore()
	provider := &scriptedProvider{err: errors.New("upstream down")}
	agent := testAgent(t, store, &fakeRAG{}, provider)

	_, err := agent.ProcessMessage(context.Background(), "hello", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	var perr *ProcessingError
	if !errors.As(err, &perr) || perr.Stage != "model" {
		t.Errorf("err = %v, want ProcessingError at model stage", err)
	}
	patch, ok := store.patched[101]
	if !ok || patch.Status != models.MessageError {
		t.Errorf("initial message patch = %+v, want error status", patch)
	}
}

func TestRenderInstructions(t *testing.T) {
	memories := []models.MemoryMatch{}
	rendered, unknown := renderInstructions("Hi {summary_previous} / {memories} / {bogus}", "", memories)
	if !strings.Contains(rendered, noSummaryPlaceholder) || !strings.Contains(rendered, noMemoriesPlaceholder) {
		t.Errorf("placeholders missing: %q", rendered)
	}
	if !strings.Contains(rendered, "{bogus}") {
		t.Errorf("unknown key was not passed through: %q", rendered)
	}
	if len(unknown) != 1 || unknown[0] != "bogus" {
		t.Errorf("unknown = %v", unknown)
	}

	rendered, _ = renderInstructions("{memories}", "prior", []models.MemoryMatch{
		{Memory: models.Memory{Text: "likes tea"}},
		{Memory: models.Memory{Text: "lives in Berlin"}},
	})
	if !strings.Contains(rendered, "- likes tea") || !strings.Contains(rendered, "- lives in Berlin") {
		t.Errorf("memory bullets missing: %q", rendered)
	}
}

func TestSummarizerFoldsOldestMessages(t *testing.T) {
	store := newFakeStore()
	// Ten processed rows of history, newest first.
	for id := int64(10); id >= 1; id-- {
		role := models.RoleHuman
		if id%2 == 0 {
			role = models.RoleAssistant
		}
		store.history = append(store.history, models.Message{
			ID: id, Role: role,
			Content: strings.Repeat("long conversation text ", 40),
		})
	}
	provider := &scriptedProvider{replies: []llm.Completion{
		{Content: "They discussed logistics at length.", StopReason: "stop"}, // summarizer call
		{Content: "final answer", StopReason: "stop"},
	}}
	// Tiny window forces the threshold on the first step.
	agent := testAgent(t, store, &fakeRAG{}, provider, Config{ContextSize: 500, KeepTail: 3})

	reply, err := agent.ProcessMessage(context.Background(), "and now?", nil)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if reply != "final answer" {
		t.Errorf("reply = %q", reply)
	}

	if len(store.summaries) != 1 {
		t.Fatalf("summaries = %d, want 1", len(store.summaries))
	}
	sum := store.summaries[0]
	if sum.SummaryText != "They discussed logistics at length." {
		t.Errorf("summary text = %q", sum.SummaryText)
	}
	// 11 window entries (10 history + pending), keep tail 3 → history ids
	// 1..8 folded; the pending message stays in the tail.
	if sum.LastMessageID != 8 {
		t.Errorf("last_message_id_covered = %d, want 8", sum.LastMessageID)
	}
	for id := int64(1); id <= 8; id++ {
		patch, ok := store.patched[id]
		if !ok || patch.Status != models.MessageSummarized || patch.SummaryID == nil {
			t.Errorf("message %d not marked summarized: %+v", id, patch)
		}
	}

	// The final model step ran on the trimmed window.
	final := provider.requests[len(provider.requests)-1]
	if len(final.Messages) != 3 {
		t.Errorf("post-summary window = %d messages, want keep tail 3", len(final.Messages))
	}
	if !strings.Contains(final.System, "They discussed logistics at length.") {
		t.Errorf("system prompt does not carry the new summary")
	}
}

func TestMemoryRetrievalFeedsPrompt(t *testing.T) {
	store := newFakeStore()
	rag := &fakeRAG{matches: []models.MemoryMatch{{Memory: models.Memory{Text: "allergic to peanuts"}}}}
	provider := &scriptedProvider{replies: []llm.Completion{{Content: "noted", StopReason: "stop"}}}
	agent := testAgent(t, store, rag, provider)

	if _, err := agent.ProcessMessage(context.Background(), "plan dinner", nil); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if len(rag.queries) == 0 || rag.queries[0] != "plan dinner" {
		t.Errorf("memory query = %v", rag.queries)
	}
	if !strings.Contains(provider.requests[0].System, "allergic to peanuts") {
		t.Errorf("memories missing from system prompt: %q", provider.requests[0].System)
	}
}
