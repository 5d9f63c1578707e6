// Package extractor is the background memory pipeline: it periodically folds
// recent conversations through a provider batch API, extracting durable facts
// and storing the non-duplicate ones as long-term memories.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/secretariat-ai/secretariat/internal/config"
	"github.com/secretariat-ai/secretariat/internal/dataplane"
	"github.com/secretariat-ai/secretariat/internal/llm"
	"github.com/secretariat-ai/secretariat/internal/observability"
	"github.com/secretariat-ai/secretariat/pkg/models"
)

const (
	defaultMinMessages    = 2
	defaultFetchLimit     = 50
	defaultDedupThreshold = 0.85
	preambleFetchLimit    = 50
	maxTranscriptMessages = 100
)

// DataPlane is the slice of the REST service the extractor uses.
// *dataplane.REST satisfies it.
type DataPlane interface {
	GetGlobalSettings(ctx context.Context) (*models.GlobalSettings, error)
	ListBatchJobs(ctx context.Context, statuses ...models.BatchState) ([]models.BatchJob, error)
	CreateBatchJob(ctx context.Context, job models.BatchJob) (*models.BatchJob, error)
	UpdateBatchJob(ctx context.Context, id uuid.UUID, patch dataplane.BatchJobPatch) error
	RecentConversations(ctx context.Context, since time.Time, minMessages, limit int) ([]models.Conversation, error)
	AppendJobExecution(ctx context.Context, rec models.JobExecution)
}

// MemoryBank is the slice of the RAG service the extractor reads and writes.
// *dataplane.RAG satisfies it.
type MemoryBank interface {
	CreateMemory(ctx context.Context, req dataplane.CreateMemoryRequest) (*models.Memory, error)
	SearchMemories(ctx context.Context, req dataplane.SearchMemoriesRequest) ([]models.MemoryMatch, error)
}

// Extractor drives the extraction runs.
type Extractor struct {
	rest      DataPlane
	memories  MemoryBank
	providers map[string]llm.BatchProvider
	cfg       config.ExtractorSettings
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	lastRun   time.Time
}

// Option configures optional extractor behavior.
type Option func(*Extractor)

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Extractor) { e.now = now }
}

// New assembles the extractor over the given batch providers.
func New(rest DataPlane, memories MemoryBank, providers []llm.BatchProvider,
	cfg config.ExtractorSettings, logger *observability.Logger, metrics *observability.Metrics,
	opts ...Option) *Extractor {

	e := &Extractor{
		rest:      rest,
		memories:  memories,
		providers: make(map[string]llm.BatchProvider, len(providers)),
		cfg:       cfg,
		logger:    logger.With("component", "extractor"),
		metrics:   metrics,
		now:       time.Now,
	}
	for _, p := range providers {
		e.providers[p.Name()] = p
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes once immediately, then on the configured cron schedule, until
// ctx is cancelled.
func (e *Extractor) Run(ctx context.Context) error {
	if err := e.RunOnce(ctx); err != nil {
		e.logger.Error(ctx, "extraction run failed", "error", err)
	}

	c := cron.New()
	if _, err := c.AddFunc(e.cfg.Schedule, func() {
		if err := e.RunOnce(ctx); err != nil {
			e.logger.Error(ctx, "extraction run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("bad extraction schedule %q: %w", e.cfg.Schedule, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// RunOnce performs one full extraction pass: resume open batches, then
// submit per-user batches for conversations with activity since the last run.
func (e *Extractor) RunOnce(ctx context.Context) error {
	start := e.now()
	e.logger.Event(ctx, observability.EventJobStart, "extraction run starting")

	err := e.runOnce(ctx)

	status := "succeeded"
	detail := ""
	if err != nil {
		status = "failed"
		detail = err.Error()
	}
	e.metrics.RecordJob("memory_extraction", status, e.now().Sub(start).Seconds())
	e.rest.AppendJobExecution(ctx, models.JobExecution{
		JobName:    "memory_extraction",
		Status:     status,
		Detail:     detail,
		StartedAt:  start.UTC(),
		FinishedAt: e.now().UTC(),
	})
	e.logger.Event(ctx, observability.EventJobEnd, "extraction run finished", "status", status)
	return err
}

func (e *Extractor) runOnce(ctx context.Context) error {
	settings, err := e.rest.GetGlobalSettings(ctx)
	if err != nil {
		return fmt.Errorf("read global settings: %w", err)
	}
	if !settings.MemoryExtractionEnabled {
		e.logger.Info(ctx, "memory extraction disabled, skipping run")
		return nil
	}

	provider, err := e.providerFor(settings)
	if err != nil {
		return err
	}

	if err := e.resumeOpenJobs(ctx, provider, settings); err != nil {
		// Resume failures should not block submitting new work.
		e.logger.Warn(ctx, "resuming open batch jobs failed", "error", err)
	}

	return e.submitNewBatches(ctx, provider, settings)
}

func (e *Extractor) providerFor(settings *models.GlobalSettings) (llm.BatchProvider, error) {
	name := settings.ExtractionProvider
	if name == "" {
		name = "openai"
	}
	provider, ok := e.providers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("no batch provider %q configured", name)
	}
	return provider, nil
}

// resumeOpenJobs polls every open batch job and settles the finished ones.
func (e *Extractor) resumeOpenJobs(ctx context.Context, provider llm.BatchProvider, settings *models.GlobalSettings) error {
	jobs, err := e.rest.ListBatchJobs(ctx, models.BatchPending, models.BatchProcessing)
	if err != nil {
		return fmt.Errorf("list open batch jobs: %w", err)
	}

	for i := range jobs {
		job := &jobs[i]
		handle, err := provider.BatchStatus(ctx, job.ProviderBatchID)
		if err != nil {
			e.logger.Warn(ctx, "batch status poll failed",
				"batch_id", job.ProviderBatchID, "error", err)
			continue
		}

		switch handle.State {
		case models.BatchCompleted:
			if err := e.settleCompletedJob(ctx, provider, job, handle, settings); err != nil {
				e.logger.Warn(ctx, "batch settlement failed",
					"batch_id", job.ProviderBatchID, "error", err)
			}
		case models.BatchFailed, models.BatchExpired, models.BatchCancelled:
			now := e.now().UTC()
			if err := e.rest.UpdateBatchJob(ctx, job.ID, dataplane.BatchJobPatch{
				Status:      handle.State,
				Error:       handle.Error,
				CompletedAt: &now,
			}); err != nil {
				e.logger.Warn(ctx, "batch job update failed", "job_id", job.ID, "error", err)
			}
			e.logger.Warn(ctx, "batch ended without results",
				"batch_id", job.ProviderBatchID, "state", handle.State)
		default:
			// Still running, poll again next cycle.
		}
	}
	return nil
}

func (e *Extractor) settleCompletedJob(ctx context.Context, provider llm.BatchProvider,
	job *models.BatchJob, handle *llm.BatchHandle, settings *models.GlobalSettings) error {

	results, err := provider.BatchResults(ctx, handle)
	if err != nil {
		return err
	}
	facts := e.processResults(ctx, results, settings)

	now := e.now().UTC()
	if err := e.rest.UpdateBatchJob(ctx, job.ID, dataplane.BatchJobPatch{
		Status:         models.BatchCompleted,
		FactsExtracted: facts,
		CompletedAt:    &now,
	}); err != nil {
		return fmt.Errorf("mark batch completed: %w", err)
	}
	e.logger.Info(ctx, "batch settled",
		"batch_id", job.ProviderBatchID, "facts_extracted", facts)
	return nil
}

// submitNewBatches groups recent conversations by user and submits one
// provider batch per user, each tracked by its own batch job.
func (e *Extractor) submitNewBatches(ctx context.Context, provider llm.BatchProvider, settings *models.GlobalSettings) error {
	now := e.now()
	since := e.lastRun
	if since.IsZero() {
		since = now.Add(-e.cfg.Lookback)
	}

	minMessages := settings.MinMessages
	if minMessages < defaultMinMessages {
		minMessages = defaultMinMessages
	}
	limit := settings.ConversationFetchLimit
	if limit <= 0 {
		limit = defaultFetchLimit
	}

	convos, err := e.rest.RecentConversations(ctx, since, minMessages, limit)
	if err != nil {
		return fmt.Errorf("fetch recent conversations: %w", err)
	}
	if len(convos) == 0 {
		e.lastRun = now
		e.logger.Info(ctx, "no conversations to extract from")
		return nil
	}

	byUser := make(map[int64][]*models.Conversation)
	for i := range convos {
		byUser[convos[i].UserID] = append(byUser[convos[i].UserID], &convos[i])
	}
	userIDs := make([]int64, 0, len(byUser))
	for userID := range byUser {
		userIDs = append(userIDs, userID)
	}
	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })

	var errs []error
	for _, userID := range userIDs {
		if err := e.submitUserBatch(ctx, provider, settings, userID, byUser[userID], since, now); err != nil {
			e.logger.Warn(ctx, "user batch submit failed", "user_id", userID, "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		// Keeping last_run put re-covers the failed users' conversations
		// next run; dedup absorbs the overlap for the ones that succeeded.
		return errors.Join(errs...)
	}

	e.lastRun = now
	e.logger.Info(ctx, "extraction batches submitted",
		"users", len(userIDs), "conversations", len(convos))
	return nil
}

// submitUserBatch builds one request per conversation under the user's
// do-not-duplicate preamble and records the resulting batch job.
func (e *Extractor) submitUserBatch(ctx context.Context, provider llm.BatchProvider,
	settings *models.GlobalSettings, userID int64, convos []*models.Conversation,
	since, now time.Time) error {

	preamble := e.existingMemoryPreamble(ctx, userID)
	system := strings.Replace(e.cfg.ExtractionPrompt, "{existing_memories}", preamble, 1)

	requests := make([]llm.BatchRequest, 0, len(convos))
	messages := 0
	for i, convo := range convos {
		requests = append(requests, llm.BatchRequest{
			CustomID: encodeCustomID(userID, convo.AssistantID, i),
			Model:    settings.ExtractionModel,
			System:   system,
			UserText: renderTranscript(convo.Messages),
		})
		messages += len(convo.Messages)
	}

	handle, err := provider.SubmitBatch(ctx, requests)
	if err != nil {
		return fmt.Errorf("submit batch for user %d: %w", userID, err)
	}
	if _, err := e.rest.CreateBatchJob(ctx, models.BatchJob{
		UserID:            userID,
		Provider:          provider.Name(),
		ProviderBatchID:   handle.ProviderBatchID,
		Status:            models.BatchProcessing,
		Model:             settings.ExtractionModel,
		MessagesProcessed: messages,
		WindowStart:       since.UTC(),
		WindowEnd:         now.UTC(),
		SubmittedAt:       now.UTC(),
	}); err != nil {
		return fmt.Errorf("record batch job for user %d: %w", userID, err)
	}

	e.logger.Info(ctx, "extraction batch submitted",
		"user_id", userID, "batch_id", handle.ProviderBatchID, "conversations", len(requests))
	return nil
}

// existingMemoryPreamble renders the user's stored memories into a
// do-not-duplicate block for the prompt. Threshold 0 returns everything.
func (e *Extractor) existingMemoryPreamble(ctx context.Context, userID int64) string {
	matches, err := e.memories.SearchMemories(ctx, dataplane.SearchMemoriesRequest{
		Query:     "facts, preferences and commitments of this user",
		UserID:    userID,
		Limit:     preambleFetchLimit,
		Threshold: 0,
	})
	if err != nil {
		e.logger.Warn(ctx, "existing memory fetch failed", "user_id", userID, "error", err)
		return "(none)"
	}
	if len(matches) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, m := range matches {
		b.WriteString("- ")
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// candidate is one extracted fact as the model reports it.
type candidate struct {
	Text       string `json:"text"`
	MemoryType string `json:"memory_type"`
	Importance int    `json:"importance"`
}

// processResults stores the non-duplicate facts of completed batch lines and
// returns the stored count.
func (e *Extractor) processResults(ctx context.Context, results []llm.BatchResult, settings *models.GlobalSettings) int {
	threshold := settings.MemoryDedupThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = defaultDedupThreshold
	}

	stored := 0
	for _, result := range results {
		if result.Err != "" {
			e.logger.Warn(ctx, "batch line failed", "custom_id", result.CustomID, "error", result.Err)
			continue
		}
		userID, assistantID, err := decodeCustomID(result.CustomID)
		if err != nil {
			e.logger.Warn(ctx, "unparseable custom id", "custom_id", result.CustomID, "error", err)
			continue
		}

		for _, cand := range parseCandidates(result.Content) {
			if e.isDuplicate(ctx, userID, cand.Text, threshold) {
				continue
			}
			aid := assistantID
			if _, err := e.memories.CreateMemory(ctx, dataplane.CreateMemoryRequest{
				UserID:      userID,
				AssistantID: &aid,
				MemoryType:  models.MemoryType(cand.MemoryType),
				Text:        cand.Text,
				Importance:  cand.Importance,
			}); err != nil {
				e.logger.Warn(ctx, "memory store failed", "user_id", userID, "error", err)
				continue
			}
			stored++
		}
	}
	return stored
}

func (e *Extractor) isDuplicate(ctx context.Context, userID int64, text string, threshold float64) bool {
	matches, err := e.memories.SearchMemories(ctx, dataplane.SearchMemoriesRequest{
		Query:     text,
		UserID:    userID,
		Limit:     1,
		Threshold: threshold,
	})
	if err != nil {
		// When in doubt, keep the fact; duplicates are cheaper than losses.
		e.logger.Warn(ctx, "dedup search failed", "user_id", userID, "error", err)
		return false
	}
	return len(matches) > 0
}

// parseCandidates reads the model's JSON array reply, tolerating markdown
// fences and ignoring entries that are not objects with a text field.
func parseCandidates(content string) []candidate {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil
	}
	out := make([]candidate, 0, len(raw))
	for _, item := range raw {
		var c candidate
		if err := json.Unmarshal(item, &c); err != nil {
			continue
		}
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		c.Importance = models.ClampImportance(c.Importance)
		if !models.ValidMemoryType(models.MemoryType(c.MemoryType)) {
			c.MemoryType = string(models.MemoryUserFact)
		}
		out = append(out, c)
	}
	return out
}

// renderTranscript flattens a conversation for the prompt, newest last.
func renderTranscript(messages []models.Message) string {
	sort.Slice(messages, func(i, j int) bool { return messages[i].ID < messages[j].ID })
	if len(messages) > maxTranscriptMessages {
		messages = messages[len(messages)-maxTranscriptMessages:]
	}
	var b strings.Builder
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func encodeCustomID(userID int64, assistantID uuid.UUID, seq int) string {
	return fmt.Sprintf("%d:%s:%d", userID, assistantID, seq)
}

func decodeCustomID(customID string) (int64, uuid.UUID, error) {
	parts := strings.Split(customID, ":")
	if len(parts) != 3 {
		return 0, uuid.Nil, fmt.Errorf("custom id %q has %d parts", customID, len(parts))
	}
	var userID int64
	if _, err := fmt.Sscanf(parts[0], "%d", &userID); err != nil {
		return 0, uuid.Nil, fmt.Errorf("custom id %q: bad user id", customID)
	}
	assistantID, err := uuid.Parse(parts[1])
	if err != nil {
		return 0, uuid.Nil, fmt.Errorf("custom id %q: bad assistant id", customID)
	}
	return userID, assistantID, nil
}
