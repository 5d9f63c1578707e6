package factory

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/secretariat-ai/secretariat/internal/agent"
	"github.com/secretariat-ai/secretariat/internal/config"
	"github.com/secretariat-ai/secretariat/internal/dataplane"
	"github.com/secretariat-ai/secretariat/internal/llm"
	"github.com/secretariat-ai/secretariat/internal/observability"
	"github.com/secretariat-ai/secretariat/internal/tools"
	"github.com/secretariat-ai/secretariat/pkg/models"
)

type fakeDirectory struct {
	users         map[int64]*models.User
	assistants    map[uuid.UUID]*models.Assistant
	toolDefs      map[uuid.UUID][]models.ToolDefinition
	assignments   map[int64]*models.UserSecretaryAssignment
	activeList    []models.UserSecretaryAssignment
	assistantGets int
	secretaryGets int
}

func (f *fakeDirectory) GetUser(ctx context.Context, id int64) (*models.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, &dataplane.ServiceResponseError{Service: "rest", Status: 404, Detail: "no user"}
}

func (f *fakeDirectory) GetAssistant(ctx context.Context, id uuid.UUID) (*models.Assistant, error) {
	f.assistantGets++
	if a, ok := f.assistants[id]; ok {
		return a, nil
	}
	return nil, &dataplane.ServiceResponseError{Service: "rest", Status: 404, Detail: "no assistant"}
}

func (f *fakeDirectory) GetAssistantTools(ctx context.Context, id uuid.UUID) ([]models.ToolDefinition, error) {
	return f.toolDefs[id], nil
}

func (f *fakeDirectory) GetUserSecretary(ctx context.Context, userID int64) (*models.UserSecretaryAssignment, error) {
	f.secretaryGets++
	if a, ok := f.assignments[userID]; ok {
		return a, nil
	}
	return nil, &dataplane.ServiceResponseError{Service: "rest", Status: 404, Detail: "no assignment"}
}

func (f *fakeDirectory) ListActiveAssignments(ctx context.Context) ([]models.UserSecretaryAssignment, error) {
	return f.activeList, nil
}

type fakeStore struct{ nextID int64 }

func (f *fakeStore) ListMessages(ctx context.Context, query dataplane.MessageQuery) ([]models.Message, error) {
	return nil, nil
}

func (f *fakeStore) CreateMessage(ctx context.Context, req dataplane.CreateMessageRequest) (*models.Message, error) {
	f.nextID++
	return &models.Message{ID: f.nextID}, nil
}

func (f *fakeStore) UpdateMessage(ctx context.Context, id int64, patch dataplane.MessagePatch) error {
	return nil
}

func (f *fakeStore) CreateSummary(ctx context.Context, req dataplane.CreateSummaryRequest) (*models.UserSummary, error) {
	return &models.UserSummary{ID: 1}, nil
}

func (f *fakeStore) LatestSummary(ctx context.Context, userID int64, assistantID uuid.UUID) (*models.UserSummary, error) {
	return nil, &dataplane.ServiceResponseError{Service: "rest", Status: 404, Detail: "no summary"}
}

type fakeRAG struct{}

func (fakeRAG) SearchMemories(ctx context.Context, req dataplane.SearchMemoriesRequest) ([]models.MemoryMatch, error) {
	return nil, nil
}

type staticProvider struct {
	name  string
	reply string
}

func (p *staticProvider) Name() string { return p.name }

func (p *staticProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
	if p.reply == "" {
		return nil, errors.New("no reply configured")
	}
	return &llm.Completion{Content: p.reply, StopReason: "stop"}, nil
}

func testSetup(reply string) (*fakeDirectory, *Factory) {
	dir := &fakeDirectory{
		users:       map[int64]*models.User{},
		assistants:  map[uuid.UUID]*models.Assistant{},
		toolDefs:    map[uuid.UUID][]models.ToolDefinition{},
		assignments: map[int64]*models.UserSecretaryAssignment{},
	}
	registry := llm.NewRegistry(&staticProvider{name: "openai", reply: reply})
	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	f := New(dir, &fakeStore{}, fakeRAG{}, registry,
		tools.Deps{Logger: logger, Metrics: metrics},
		config.AgentSettings{HistoryLimit: 50, SummaryThreshold: 0.6, KeepTail: 5, SummaryPrompt: "{current_summary} {json}"},
		config.LLMSettings{StepTimeout: time.Second},
		logger, metrics)
	return dir, f
}

func addAssistant(dir *fakeDirectory, kind models.AssistantType) uuid.UUID {
	id := uuid.New()
	dir.assistants[id] = &models.Assistant{
		ID:            id,
		Name:          "persona-" + id.String()[:8],
		AssistantType: kind,
		Model:         "gpt-4o",
		Instructions:  "Help. {summary_previous} {memories}",
		IsActive:      true,
		UpdatedAt:     time.Now().UTC().Add(-time.Hour),
	}
	return id
}

func TestGetUserSecretaryPointLookupAndCache(t *testing.T) {
	dir, f := testSetup("hello")
	secretaryID := addAssistant(dir, models.AssistantSecretary)
	dir.users[7] = &models.User{ID: 7, TelegramID: 77, Timezone: "UTC", IsActive: true}
	dir.assignments[7] = &models.UserSecretaryAssignment{
		UserID: 7, SecretaryID: secretaryID, IsActive: true, UpdatedAt: time.Now().UTC(),
	}

	first, err := f.GetUserSecretary(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetUserSecretary: %v", err)
	}
	second, err := f.GetUserSecretary(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetUserSecretary (cached): %v", err)
	}
	if first != second {
		t.Errorf("instance was rebuilt instead of cached")
	}
	if dir.secretaryGets != 1 {
		t.Errorf("secretary point lookups = %d, want 1 (second hit serves from cache)", dir.secretaryGets)
	}
	if f.InstanceCount() != 1 {
		t.Errorf("instance count = %d", f.InstanceCount())
	}
}

func TestGetUserSecretaryNoAssignment(t *testing.T) {
	_, f := testSetup("hello")
	_, err := f.GetUserSecretary(context.Background(), 99)
	if !errors.Is(err, ErrNoSecretaryAssigned) {
		t.Fatalf("err = %v, want ErrNoSecretaryAssigned", err)
	}
}

func TestInactiveAssistantIsRejected(t *testing.T) {
	dir, f := testSetup("hello")
	id := addAssistant(dir, models.AssistantSecretary)
	dir.assistants[id].IsActive = false
	dir.users[7] = &models.User{ID: 7, IsActive: true}

	_, err := f.GetByID(context.Background(), id, 7)
	if !errors.Is(err, ErrAssistantInactive) {
		t.Fatalf("err = %v, want ErrAssistantInactive", err)
	}
}

func TestUnknownAssistantTypeIsRejected(t *testing.T) {
	dir, f := testSetup("hello")
	id := addAssistant(dir, models.AssistantType("committee"))
	dir.users[7] = &models.User{ID: 7, IsActive: true}

	_, err := f.GetByID(context.Background(), id, 7)
	if !errors.Is(err, ErrAssistantTypeUnsupported) {
		t.Fatalf("err = %v, want ErrAssistantTypeUnsupported", err)
	}
}

func TestRefreshEvictsUpdatedInstances(t *testing.T) {
	dir, f := testSetup("hello")
	id := addAssistant(dir, models.AssistantSecretary)
	dir.users[7] = &models.User{ID: 7, IsActive: true}

	if _, err := f.GetByID(context.Background(), id, 7); err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if f.InstanceCount() != 1 {
		t.Fatalf("instance count = %d", f.InstanceCount())
	}

	// Unchanged config survives a refresh.
	f.RefreshOnce(context.Background())
	if f.InstanceCount() != 1 {
		t.Errorf("instance evicted without a config change")
	}

	dir.assistants[id].UpdatedAt = time.Now().UTC().Add(time.Hour)
	f.RefreshOnce(context.Background())
	if f.InstanceCount() != 0 {
		t.Errorf("stale instance survived refresh")
	}
}

func TestRefreshReconcilesAssignments(t *testing.T) {
	dir, f := testSetup("hello")
	secretaryID := addAssistant(dir, models.AssistantSecretary)
	dir.users[7] = &models.User{ID: 7, IsActive: true}
	dir.activeList = []models.UserSecretaryAssignment{
		{UserID: 7, SecretaryID: secretaryID, IsActive: true, UpdatedAt: time.Now().UTC()},
	}

	if err := f.Warm(context.Background()); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if _, err := f.GetUserSecretary(context.Background(), 7); err != nil {
		t.Fatalf("GetUserSecretary after warm: %v", err)
	}
	if dir.secretaryGets != 0 {
		t.Errorf("warm cache should have avoided the point lookup")
	}

	// Assignment revoked upstream: the next refresh drops it and lookups
	// fall through to the (now empty) point endpoint.
	dir.activeList = nil
	f.RefreshOnce(context.Background())
	_, err := f.GetUserSecretary(context.Background(), 8)
	if !errors.Is(err, ErrNoSecretaryAssigned) {
		t.Fatalf("err = %v, want ErrNoSecretaryAssigned", err)
	}
}

func TestRunSubAssistantDelegates(t *testing.T) {
	dir, f := testSetup("sub answer")
	subID := addAssistant(dir, models.AssistantSub)
	dir.users[7] = &models.User{ID: 7, IsActive: true}

	reply, err := f.RunSubAssistant(context.Background(), subID, 7, "dig into this")
	if err != nil {
		t.Fatalf("RunSubAssistant: %v", err)
	}
	if reply != "sub answer" {
		t.Errorf("reply = %q", reply)
	}
	if f.InstanceCount() != 1 {
		t.Errorf("sub-assistant instance not cached")
	}
}

var _ agent.MessageStore = (*fakeStore)(nil)
