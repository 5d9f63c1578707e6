package dataplane

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/secretariat-ai/secretariat/internal/observability"
	"github.com/secretariat-ai/secretariat/pkg/models"
)

// REST is the typed client for the data plane CRUD service. Read paths for
// slowly-changing entities (users, assistants, assignments, tool sets) go
// through the shared Redis cache; every write invalidates the entity's
// key prefix.
type REST struct {
	c      *Client
	cache  *RedisCache
	logger *observability.Logger
}

// NewREST wraps a service client. cache may be nil to disable caching.
func NewREST(c *Client, cache *RedisCache, logger *observability.Logger) *REST {
	return &REST{c: c, cache: cache, logger: logger}
}

// Health probes the data plane's health endpoint.
func (r *REST) Health(ctx context.Context) error { return r.c.Health(ctx) }

func (r *REST) cached(ctx context.Context, key string, out any, fetch func() error) error {
	if r.cache != nil && r.cache.Get(ctx, key, out) {
		return nil
	}
	if err := fetch(); err != nil {
		return err
	}
	if r.cache != nil {
		r.cache.Set(ctx, key, out)
	}
	return nil
}

func (r *REST) invalidate(ctx context.Context, patterns ...string) {
	if r.cache == nil {
		return
	}
	for _, p := range patterns {
		r.cache.Invalidate(ctx, p)
	}
}

// --- users ---

// GetUserByTelegramID resolves a user by their frontend identity.
func (r *REST) GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	var user models.User
	key := "user:tg:" + strconv.FormatInt(telegramID, 10)
	err := r.cached(ctx, key, &user, func() error {
		q := url.Values{"telegram_id": {strconv.FormatInt(telegramID, 10)}}
		return r.c.Get(ctx, "/api/users/by-telegram-id", q, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUser fetches a user by internal id.
func (r *REST) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	key := "user:" + strconv.FormatInt(id, 10)
	err := r.cached(ctx, key, &user, func() error {
		return r.c.Get(ctx, "/api/users/"+strconv.FormatInt(id, 10), nil, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// CreateUserRequest is the body for POST /api/users/.
type CreateUserRequest struct {
	TelegramID    int64  `json:"telegram_id"`
	Username      string `json:"username,omitempty"`
	PreferredName string `json:"preferred_name,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

// CreateUser registers a user on first contact.
func (r *REST) CreateUser(ctx context.Context, req CreateUserRequest) (*models.User, error) {
	var user models.User
	if err := r.c.Post(ctx, "/api/users/", req, &user); err != nil {
		return nil, err
	}
	r.invalidate(ctx, "user:*")
	return &user, nil
}

// --- assistants ---

// ListAssistants returns all configured assistants.
func (r *REST) ListAssistants(ctx context.Context) ([]models.Assistant, error) {
	var assistants []models.Assistant
	err := r.cached(ctx, "assistants:all", &assistants, func() error {
		return r.c.Get(ctx, "/api/assistants", nil, &assistants)
	})
	return assistants, err
}

// GetAssistant fetches one assistant by id.
func (r *REST) GetAssistant(ctx context.Context, id uuid.UUID) (*models.Assistant, error) {
	var assistant models.Assistant
	err := r.cached(ctx, "assistant:"+id.String(), &assistant, func() error {
		return r.c.Get(ctx, "/api/assistants/"+id.String(), nil, &assistant)
	})
	if err != nil {
		return nil, err
	}
	return &assistant, nil
}

// GetAssistantTools returns the ordered active tool definitions attached to
// an assistant.
func (r *REST) GetAssistantTools(ctx context.Context, id uuid.UUID) ([]models.ToolDefinition, error) {
	var tools []models.ToolDefinition
	err := r.cached(ctx, "assistant:"+id.String()+":tools", &tools, func() error {
		return r.c.Get(ctx, "/api/assistants/"+id.String()+"/tools", nil, &tools)
	})
	return tools, err
}

// --- secretary assignments ---

// ListSecretaries returns the user-facing secretary assistants.
func (r *REST) ListSecretaries(ctx context.Context) ([]models.Assistant, error) {
	var secretaries []models.Assistant
	err := r.cached(ctx, "secretaries:all", &secretaries, func() error {
		return r.c.Get(ctx, "/api/secretaries/", nil, &secretaries)
	})
	return secretaries, err
}

// GetUserSecretary looks up one user's active assignment. IsNotFound(err)
// means the user has no secretary yet.
func (r *REST) GetUserSecretary(ctx context.Context, userID int64) (*models.UserSecretaryAssignment, error) {
	var assignment models.UserSecretaryAssignment
	key := fmt.Sprintf("user:%d:secretary", userID)
	err := r.cached(ctx, key, &assignment, func() error {
		return r.c.Get(ctx, fmt.Sprintf("/api/users/%d/secretary", userID), nil, &assignment)
	})
	if err != nil {
		return nil, err
	}
	return &assignment, nil
}

// AssignSecretary binds a secretary to a user, replacing any prior active
// assignment.
func (r *REST) AssignSecretary(ctx context.Context, userID int64, secretaryID uuid.UUID) (*models.UserSecretaryAssignment, error) {
	var assignment models.UserSecretaryAssignment
	path := fmt.Sprintf("/api/users/%d/secretary/%s", userID, secretaryID)
	if err := r.c.Post(ctx, path, nil, &assignment); err != nil {
		return nil, err
	}
	r.invalidate(ctx, fmt.Sprintf("user:%d:secretary", userID), "assignments:*")
	return &assignment, nil
}

// ListActiveAssignments returns every active user→secretary assignment in one
// call, for bulk cache warming.
func (r *REST) ListActiveAssignments(ctx context.Context) ([]models.UserSecretaryAssignment, error) {
	var assignments []models.UserSecretaryAssignment
	q := url.Values{"active": {"true"}}
	err := r.c.Get(ctx, "/api/user-secretary-assignments", q, &assignments)
	return assignments, err
}

// --- reminders ---

// ListScheduledReminders returns all reminders the scheduler must consider,
// with user_telegram_id joined in.
func (r *REST) ListScheduledReminders(ctx context.Context) ([]models.Reminder, error) {
	var reminders []models.Reminder
	err := r.c.Get(ctx, "/api/reminders/scheduled", nil, &reminders)
	return reminders, err
}

// CreateReminderRequest is the body for POST /api/reminders. CronExpr must
// already be translated to UTC.
type CreateReminderRequest struct {
	UserID       int64               `json:"user_id"`
	AssistantID  uuid.UUID           `json:"assistant_id"`
	ReminderType models.ReminderType `json:"type"`
	TriggerAt    *time.Time          `json:"trigger_at,omitempty"`
	CronExpr     string              `json:"cron_expression,omitempty"`
	Timezone     string              `json:"timezone,omitempty"`
	Payload      map[string]any      `json:"payload,omitempty"`
}

// CreateReminder persists a new reminder.
func (r *REST) CreateReminder(ctx context.Context, req CreateReminderRequest) (*models.Reminder, error) {
	var reminder models.Reminder
	if err := r.c.Post(ctx, "/api/reminders", req, &reminder); err != nil {
		return nil, err
	}
	return &reminder, nil
}

// ReminderPatch is a partial update for PATCH /api/reminders/{id}.
type ReminderPatch struct {
	Status          models.ReminderStatus `json:"status,omitempty"`
	LastTriggeredAt *time.Time            `json:"last_triggered_at,omitempty"`
}

// UpdateReminder applies a partial update.
func (r *REST) UpdateReminder(ctx context.Context, id uuid.UUID, patch ReminderPatch) error {
	return r.c.Patch(ctx, "/api/reminders/"+id.String(), patch, nil)
}

// DeleteReminder removes a reminder.
func (r *REST) DeleteReminder(ctx context.Context, id uuid.UUID) error {
	return r.c.Delete(ctx, "/api/reminders/"+id.String())
}

// ListUserReminders returns one user's reminders, optionally filtered by
// status.
func (r *REST) ListUserReminders(ctx context.Context, userID int64, status models.ReminderStatus) ([]models.Reminder, error) {
	var reminders []models.Reminder
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	err := r.c.Get(ctx, fmt.Sprintf("/api/users/%d/reminders", userID), q, &reminders)
	return reminders, err
}

// --- messages ---

// CreateMessageRequest is the body for POST /api/messages.
type CreateMessageRequest struct {
	UserID      int64                `json:"user_id"`
	AssistantID uuid.UUID            `json:"assistant_id"`
	Role        models.Role          `json:"role"`
	Content     string               `json:"content"`
	ContentType string               `json:"content_type,omitempty"`
	ToolCallID  string               `json:"tool_call_id,omitempty"`
	Status      models.MessageStatus `json:"status,omitempty"`
	Meta        *models.MessageMeta  `json:"meta_data,omitempty"`
}

// CreateMessage persists a conversation entry.
func (r *REST) CreateMessage(ctx context.Context, req CreateMessageRequest) (*models.Message, error) {
	var msg models.Message
	if err := r.c.Post(ctx, "/api/messages", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MessagePatch is a partial update for PATCH /api/messages/{id}.
type MessagePatch struct {
	Status    models.MessageStatus `json:"status,omitempty"`
	SummaryID *int64               `json:"summary_id,omitempty"`
}

// UpdateMessage applies a partial update to one message.
func (r *REST) UpdateMessage(ctx context.Context, id int64, patch MessagePatch) error {
	return r.c.Patch(ctx, "/api/messages/"+strconv.FormatInt(id, 10), patch, nil)
}

// MessageQuery filters GET /api/messages.
type MessageQuery struct {
	UserID      int64
	AssistantID uuid.UUID
	Status      models.MessageStatus
	Limit       int
	SortBy      string // defaults to "id" server-side
	SortOrder   string // "asc" or "desc"
}

// ListMessages queries the message log.
func (r *REST) ListMessages(ctx context.Context, query MessageQuery) ([]models.Message, error) {
	q := url.Values{}
	if query.UserID != 0 {
		q.Set("user_id", strconv.FormatInt(query.UserID, 10))
	}
	if query.AssistantID != uuid.Nil {
		q.Set("assistant_id", query.AssistantID.String())
	}
	if query.Status != "" {
		q.Set("status", string(query.Status))
	}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.SortBy != "" {
		q.Set("sort_by", query.SortBy)
	}
	if query.SortOrder != "" {
		q.Set("sort_order", query.SortOrder)
	}
	var msgs []models.Message
	err := r.c.Get(ctx, "/api/messages", q, &msgs)
	return msgs, err
}

// --- summaries ---

// CreateSummaryRequest is the body for POST /api/user-summaries.
type CreateSummaryRequest struct {
	UserID        int64     `json:"user_id"`
	AssistantID   uuid.UUID `json:"assistant_id"`
	SummaryText   string    `json:"summary_text"`
	TokenCount    int       `json:"token_count"`
	LastMessageID int64     `json:"last_message_id_covered"`
}

// CreateSummary appends a new rolling summary.
func (r *REST) CreateSummary(ctx context.Context, req CreateSummaryRequest) (*models.UserSummary, error) {
	var summary models.UserSummary
	if err := r.c.Post(ctx, "/api/user-summaries", req, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// LatestSummary fetches the most recent summary for a (user, assistant)
// pair. IsNotFound(err) means no summary exists yet.
func (r *REST) LatestSummary(ctx context.Context, userID int64, assistantID uuid.UUID) (*models.UserSummary, error) {
	var summary models.UserSummary
	path := fmt.Sprintf("/api/users/%d/assistants/%s/summary", userID, assistantID)
	if err := r.c.Get(ctx, path, nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// --- extraction support ---

// GetGlobalSettings returns the memory extraction configuration row.
func (r *REST) GetGlobalSettings(ctx context.Context) (*models.GlobalSettings, error) {
	var settings models.GlobalSettings
	if err := r.c.Get(ctx, "/api/global-settings", nil, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// ListBatchJobs returns jobs in the given states.
func (r *REST) ListBatchJobs(ctx context.Context, statuses ...models.BatchState) ([]models.BatchJob, error) {
	q := url.Values{}
	for _, s := range statuses {
		q.Add("status", string(s))
	}
	var jobs []models.BatchJob
	err := r.c.Get(ctx, "/api/batch-jobs", q, &jobs)
	return jobs, err
}

// CreateBatchJob records a newly submitted provider batch.
func (r *REST) CreateBatchJob(ctx context.Context, job models.BatchJob) (*models.BatchJob, error) {
	var created models.BatchJob
	if err := r.c.Post(ctx, "/api/batch-jobs", job, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// BatchJobPatch is a partial update for PATCH /api/batch-jobs/{id}.
type BatchJobPatch struct {
	Status         models.BatchState `json:"status,omitempty"`
	FactsExtracted int               `json:"facts_extracted,omitempty"`
	Error          string            `json:"error,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// UpdateBatchJob applies a partial update to a batch job.
func (r *REST) UpdateBatchJob(ctx context.Context, id uuid.UUID, patch BatchJobPatch) error {
	return r.c.Patch(ctx, "/api/batch-jobs/"+id.String(), patch, nil)
}

// RecentConversations returns (user, assistant) message groups with activity
// since the given time, for extraction candidate selection.
func (r *REST) RecentConversations(ctx context.Context, since time.Time, minMessages, limit int) ([]models.Conversation, error) {
	q := url.Values{
		"since":        {since.UTC().Format(time.RFC3339)},
		"min_messages": {strconv.Itoa(minMessages)},
		"limit":        {strconv.Itoa(limit)},
	}
	var convos []models.Conversation
	err := r.c.Get(ctx, "/api/conversations/recent", q, &convos)
	return convos, err
}

// --- audit appends ---

// AppendQueueMessageLog records a delivery outcome. Fire-and-forget: failures
// are logged, never propagated.
func (r *REST) AppendQueueMessageLog(ctx context.Context, rec models.QueueMessageLog) {
	if err := r.c.Post(ctx, "/api/queue-message-logs", rec, nil); err != nil {
		r.logger.Warn(ctx, "queue message log append failed",
			"message_id", rec.MessageID, "error", err)
	}
}

// AppendJobExecution records a job run. Fire-and-forget.
func (r *REST) AppendJobExecution(ctx context.Context, rec models.JobExecution) {
	if err := r.c.Post(ctx, "/api/job-executions", rec, nil); err != nil {
		r.logger.Warn(ctx, "job execution append failed",
			"job", rec.JobName, "error", err)
	}
}
