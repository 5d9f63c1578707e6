package extractor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/secretariat-ai/secretariat/internal/config"
	"github.com/secretariat-ai/secretariat/internal/dataplane"
	"github.com/secretariat-ai/secretariat/internal/llm"
	"github.com/secretariat-ai/secretariat/internal/observability"
	"github.com/secretariat-ai/secretariat/pkg/models"
)

type fakeDataPlane struct {
	settings    models.GlobalSettings
	openJobs    []models.BatchJob
	convos      []models.Conversation
	createdJobs []models.BatchJob
	patches     map[uuid.UUID]dataplane.BatchJobPatch
	executions  []models.JobExecution
}

func newFakeDataPlane() *fakeDataPlane {
	return &fakeDataPlane{patches: map[uuid.UUID]dataplane.BatchJobPatch{}}
}

func (f *fakeDataPlane) GetGlobalSettings(ctx context.Context) (*models.GlobalSettings, error) {
	s := f.settings
	return &s, nil
}

func (f *fakeDataPlane) ListBatchJobs(ctx context.Context, statuses ...models.BatchState) ([]models.BatchJob, error) {
	return f.openJobs, nil
}

func (f *fakeDataPlane) CreateBatchJob(ctx context.Context, job models.BatchJob) (*models.BatchJob, error) {
	job.ID = uuid.New()
	f.createdJobs = append(f.createdJobs, job)
	return &job, nil
}

func (f *fakeDataPlane) UpdateBatchJob(ctx context.Context, id uuid.UUID, patch dataplane.BatchJobPatch) error {
	f.patches[id] = patch
	return nil
}

func (f *fakeDataPlane) RecentConversations(ctx context.Context, since time.Time, minMessages, limit int) ([]models.Conversation, error) {
	return f.convos, nil
}

func (f *fakeDataPlane) AppendJobExecution(ctx context.Context, rec models.JobExecution) {
	f.executions = append(f.executions, rec)
}

type fakeMemoryBank struct {
	existing []models.MemoryMatch // returned for preamble queries (threshold 0)
	dupes    map[string]bool      // text → already stored
	created  []dataplane.CreateMemoryRequest
}

func (f *fakeMemoryBank) CreateMemory(ctx context.Context, req dataplane.CreateMemoryRequest) (*models.Memory, error) {
	f.created = append(f.created, req)
	return &models.Memory{ID: uuid.New(), Text: req.Text}, nil
}

func (f *fakeMemoryBank) SearchMemories(ctx context.Context, req dataplane.SearchMemoriesRequest) ([]models.MemoryMatch, error) {
	if req.Threshold == 0 {
		return f.existing, nil
	}
	if f.dupes[req.Query] {
		return []models.MemoryMatch{{Memory: models.Memory{Text: req.Query}, Score: 0.95}}, nil
	}
	return nil, nil
}

type fakeBatchProvider struct {
	submitted [][]llm.BatchRequest
	statuses  map[string]*llm.BatchHandle
	results   map[string][]llm.BatchResult
}

func (f *fakeBatchProvider) Name() string { return "openai" }

func (f *fakeBatchProvider) SubmitBatch(ctx context.Context, reqs []llm.BatchRequest) (*llm.BatchHandle, error) {
	f.submitted = append(f.submitted, reqs)
	id := fmt.Sprintf("batch_%d", len(f.submitted))
	return &llm.BatchHandle{ProviderBatchID: id, State: models.BatchProcessing}, nil
}

func (f *fakeBatchProvider) BatchStatus(ctx context.Context, providerBatchID string) (*llm.BatchHandle, error) {
	return f.statuses[providerBatchID], nil
}

func (f *fakeBatchProvider) BatchResults(ctx context.Context, handle *llm.BatchHandle) ([]llm.BatchResult, error) {
	return f.results[handle.ProviderBatchID], nil
}

func enabledSettings() models.GlobalSettings {
	return models.GlobalSettings{
		MemoryExtractionEnabled: true,
		ExtractionProvider:      "openai",
		ExtractionModel:         "gpt-4o-mini",
		MemoryDedupThreshold:    0.85,
		MinMessages:             2,
		ConversationFetchLimit:  50,
	}
}

func testExtractor(rest *fakeDataPlane, bank *fakeMemoryBank, provider *fakeBatchProvider) *Extractor {
	return New(rest, bank, []llm.BatchProvider{provider},
		config.ExtractorSettings{
			Schedule:         "@every 24h",
			Lookback:         24 * time.Hour,
			ExtractionPrompt: config.DefaultExtractionPrompt,
		},
		observability.NewLogger(observability.LogConfig{Output: io.Discard}),
		observability.NewMetrics(prometheus.NewRegistry()))
}

func TestRunOnceDisabledDoesNothing(t *testing.T) {
	rest := newFakeDataPlane()
	rest.settings = models.GlobalSettings{MemoryExtractionEnabled: false}
	provider := &fakeBatchProvider{}
	e := testExtractor(rest, &fakeMemoryBank{}, provider)

	if err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(provider.submitted) != 0 {
		t.Errorf("batch submitted while extraction is disabled")
	}
	if len(rest.executions) != 1 || rest.executions[0].Status != "succeeded" {
		t.Errorf("executions = %+v", rest.executions)
	}
}

func TestRunOnceSubmitsBatchForRecentConversations(t *testing.T) {
	rest := newFakeDataPlane()
	rest.settings = enabledSettings()
	assistantID := uuid.New()
	rest.convos = []models.Conversation{
		{
			UserID: 7, AssistantID: assistantID,
			Messages: []models.Message{
				{ID: 2, Role: models.RoleAssistant, Content: "Sure, noted."},
				{ID: 1, Role: models.RoleHuman, Content: "I moved to Madrid last month."},
			},
		},
	}
	bank := &fakeMemoryBank{existing: []models.MemoryMatch{{Memory: models.Memory{Text: "works at Acme"}}}}
	provider := &fakeBatchProvider{}
	e := testExtractor(rest, bank, provider)

	if err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(provider.submitted) != 1 || len(provider.submitted[0]) != 1 {
		t.Fatalf("submitted = %+v", provider.submitted)
	}
	req := provider.submitted[0][0]
	if req.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", req.Model)
	}
	if !strings.Contains(req.System, "- works at Acme") {
		t.Errorf("preamble missing from system prompt: %q", req.System)
	}
	if strings.Contains(req.System, "{existing_memories}") {
		t.Errorf("template key left unsubstituted")
	}
	// Transcript is chronological.
	if !strings.Contains(req.UserText, "human: I moved to Madrid") ||
		strings.Index(req.UserText, "human:") > strings.Index(req.UserText, "assistant:") {
		t.Errorf("transcript = %q", req.UserText)
	}

	if len(rest.createdJobs) != 1 {
		t.Fatalf("batch jobs = %+v", rest.createdJobs)
	}
	job := rest.createdJobs[0]
	if job.ProviderBatchID != "batch_1" || job.Status != models.BatchProcessing {
		t.Errorf("batch job = %+v", job)
	}
	if job.UserID != 7 || job.Model != "gpt-4o-mini" || job.MessagesProcessed != 2 {
		t.Errorf("batch job identity = user %d model %q messages %d",
			job.UserID, job.Model, job.MessagesProcessed)
	}
}

func TestRunOnceSubmitsOneBatchPerUser(t *testing.T) {
	rest := newFakeDataPlane()
	rest.settings = enabledSettings()
	assistantID := uuid.New()
	rest.convos = []models.Conversation{
		{UserID: 9, AssistantID: assistantID, Messages: []models.Message{
			{ID: 1, Role: models.RoleHuman, Content: "my cat is called Miso"},
			{ID: 2, Role: models.RoleAssistant, Content: "Noted!"},
		}},
		{UserID: 3, AssistantID: assistantID, Messages: []models.Message{
			{ID: 3, Role: models.RoleHuman, Content: "I start a new job monday"},
			{ID: 4, Role: models.RoleAssistant, Content: "Congratulations."},
		}},
		{UserID: 9, AssistantID: assistantID, Messages: []models.Message{
			{ID: 5, Role: models.RoleHuman, Content: "remind me to buy cat food"},
			{ID: 6, Role: models.RoleAssistant, Content: "Will do."},
		}},
	}
	provider := &fakeBatchProvider{}
	e := testExtractor(rest, &fakeMemoryBank{}, provider)

	if err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	// Two users, two batches: user 3 first, then user 9 with both
	// conversations under one submission.
	if len(provider.submitted) != 2 {
		t.Fatalf("submitted %d batches, want 2", len(provider.submitted))
	}
	if len(provider.submitted[0]) != 1 || len(provider.submitted[1]) != 2 {
		t.Errorf("batch sizes = %d and %d, want 1 and 2",
			len(provider.submitted[0]), len(provider.submitted[1]))
	}

	if len(rest.createdJobs) != 2 {
		t.Fatalf("batch jobs = %+v", rest.createdJobs)
	}
	first, second := rest.createdJobs[0], rest.createdJobs[1]
	if first.UserID != 3 || first.MessagesProcessed != 2 {
		t.Errorf("first job = %+v", first)
	}
	if second.UserID != 9 || second.MessagesProcessed != 4 {
		t.Errorf("second job = %+v", second)
	}
	if first.ProviderBatchID == second.ProviderBatchID {
		t.Errorf("jobs share provider batch id %q", first.ProviderBatchID)
	}
}

func TestResumeSettlesCompletedBatch(t *testing.T) {
	rest := newFakeDataPlane()
	rest.settings = enabledSettings()
	jobID := uuid.New()
	assistantID := uuid.New()
	rest.openJobs = []models.BatchJob{{
		ID: jobID, Provider: "openai", ProviderBatchID: "batch_9",
		Status: models.BatchProcessing,
	}}

	provider := &fakeBatchProvider{
		statuses: map[string]*llm.BatchHandle{
			"batch_9": {ProviderBatchID: "batch_9", State: models.BatchCompleted, OutputFileID: "file_1"},
		},
		results: map[string][]llm.BatchResult{
			"batch_9": {
				{
					CustomID: "7:" + assistantID.String() + ":0",
					Content: "```json\n[" +
						`{"text":"likes tea","memory_type":"preference","importance":4},` +
						`{"text":"born in 1990","memory_type":"nonsense","importance":99},` +
						`"not an object"` +
						"]\n```",
				},
				{CustomID: "broken", Err: "status 500"},
			},
		},
	}
	bank := &fakeMemoryBank{dupes: map[string]bool{"likes tea": true}}
	e := testExtractor(rest, bank, provider)

	if err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	// "likes tea" deduplicated; "born in 1990" stored with clamped
	// importance and defaulted type.
	if len(bank.created) != 1 {
		t.Fatalf("created memories = %+v", bank.created)
	}
	mem := bank.created[0]
	if mem.Text != "born in 1990" || mem.UserID != 7 {
		t.Errorf("memory = %+v", mem)
	}
	if mem.MemoryType != models.MemoryUserFact {
		t.Errorf("memory type = %q, want defaulted user_fact", mem.MemoryType)
	}
	if mem.Importance != 10 {
		t.Errorf("importance = %d, want clamped 10", mem.Importance)
	}
	if mem.AssistantID == nil || *mem.AssistantID != assistantID {
		t.Errorf("assistant id = %v", mem.AssistantID)
	}

	patch, ok := rest.patches[jobID]
	if !ok || patch.Status != models.BatchCompleted || patch.FactsExtracted != 1 {
		t.Errorf("job patch = %+v", patch)
	}
	if patch.CompletedAt == nil {
		t.Errorf("completed_at not set")
	}
}

func TestResumeMarksFailedBatch(t *testing.T) {
	rest := newFakeDataPlane()
	rest.settings = enabledSettings()
	jobID := uuid.New()
	rest.openJobs = []models.BatchJob{{
		ID: jobID, Provider: "openai", ProviderBatchID: "batch_x",
		Status: models.BatchPending,
	}}
	provider := &fakeBatchProvider{
		statuses: map[string]*llm.BatchHandle{
			"batch_x": {ProviderBatchID: "batch_x", State: models.BatchFailed, Error: "batch failed"},
		},
	}
	e := testExtractor(rest, &fakeMemoryBank{}, provider)

	if err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	patch, ok := rest.patches[jobID]
	if !ok || patch.Status != models.BatchFailed || patch.Error == "" {
		t.Errorf("job patch = %+v", patch)
	}
}

func TestParseCandidates(t *testing.T) {
	got := parseCandidates(`[{"text":"a","memory_type":"event","importance":3},{"importance":5},{"text":"  "},42]`)
	if len(got) != 1 {
		t.Fatalf("candidates = %+v", got)
	}
	if got[0].Text != "a" || got[0].MemoryType != "event" || got[0].Importance != 3 {
		t.Errorf("candidate = %+v", got[0])
	}

	if got := parseCandidates("not json at all"); got != nil {
		t.Errorf("expected nil for junk, got %+v", got)
	}
	if got := parseCandidates("```json\n[]\n```"); len(got) != 0 {
		t.Errorf("expected empty for fenced empty array")
	}
}
