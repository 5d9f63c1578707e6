// Package scheduler turns active reminders into queue triggers. A single
// instance reconciles its in-memory job set against the data plane every
// minute and fires due jobs into the secretary queue.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/secretariat-ai/secretariat/internal/cronspec"
	"github.com/secretariat-ai/secretariat/internal/dataplane"
	"github.com/secretariat-ai/secretariat/internal/observability"
	"github.com/secretariat-ai/secretariat/internal/retry"
	"github.com/secretariat-ai/secretariat/pkg/models"
)

// ReminderSource lists the reminders to schedule and records their
// lifecycle transitions. *dataplane.REST satisfies it.
type ReminderSource interface {
	ListScheduledReminders(ctx context.Context) ([]models.Reminder, error)
	UpdateReminder(ctx context.Context, id uuid.UUID, patch dataplane.ReminderPatch) error
}

// TriggerPublisher pushes fired triggers onto the queue. *queue.Client
// satisfies it.
type TriggerPublisher interface {
	Publish(ctx context.Context, stream string, payload []byte) (string, error)
}

// job is one scheduled reminder held in memory between reconciles.
type job struct {
	reminder models.Reminder
	// descriptor detects config changes between reconciles.
	descriptor string
	// nextFire is when this job is next due. Zero means never (spent
	// one-time reminder awaiting its completed PATCH).
	nextFire time.Time
}

// Scheduler owns the reconcile loop. Single instance per deployment.
type Scheduler struct {
	source    ReminderSource
	publisher TriggerPublisher
	stream    string
	logger    *observability.Logger
	metrics   *observability.Metrics

	interval       time.Duration
	oneTimeGrace   time.Duration
	recurringGrace time.Duration
	retry          retry.Config
	now            func() time.Time

	mu   sync.Mutex
	jobs map[string]*job // keyed "reminder:<uuid>"
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithInterval overrides the reconcile interval.
func WithInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithGrace overrides the fire grace windows.
func WithGrace(oneTime, recurring time.Duration) Option {
	return func(s *Scheduler) {
		if oneTime > 0 {
			s.oneTimeGrace = oneTime
		}
		if recurring > 0 {
			s.recurringGrace = recurring
		}
	}
}

// New creates a scheduler publishing to stream.
func New(source ReminderSource, publisher TriggerPublisher, stream string, logger *observability.Logger, metrics *observability.Metrics, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:         source,
		publisher:      publisher,
		stream:         stream,
		logger:         logger,
		metrics:        metrics,
		interval:       time.Minute,
		oneTimeGrace:   5 * time.Minute,
		recurringGrace: time.Minute,
		retry:          retry.DefaultConfig(),
		now:            time.Now,
		jobs:           make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run reconciles and fires until ctx is cancelled. Transient data plane
// failures are retried with backoff and never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// RunOnce performs one reconcile-and-fire pass (primarily for tests).
// Returns the number of triggers fired.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	return s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) int {
	start := s.now()
	if err := s.reconcile(ctx); err != nil {
		s.logger.Error(ctx, "reminder reconcile failed", "error", err)
		s.metrics.RecordJob("scheduler_reconcile", "failed", s.now().Sub(start).Seconds())
		return 0
	}
	fired := s.fireDue(ctx)
	s.metrics.RecordJob("scheduler_reconcile", "succeeded", s.now().Sub(start).Seconds())
	return fired
}

// reconcile pulls the active reminder set and converges the job map on it:
// gone reminders unschedule, new ones schedule, changed ones reschedule.
func (s *Scheduler) reconcile(ctx context.Context) error {
	reminders, err := retry.DoWithValue(ctx, s.retry, func() ([]models.Reminder, error) {
		return s.source.ListScheduledReminders(ctx)
	})
	if err != nil {
		return fmt.Errorf("list scheduled reminders: %w", err)
	}

	now := s.now()
	seen := make(map[string]bool, len(reminders))

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, reminder := range reminders {
		if reminder.Status != models.ReminderActive {
			continue
		}
		key := jobKey(reminder.ID)
		seen[key] = true
		descriptor := describeTrigger(&reminder)

		existing, ok := s.jobs[key]
		if ok && existing.descriptor == descriptor {
			existing.reminder = reminder
			continue
		}
		next, err := nextFire(&reminder, now)
		if err != nil {
			s.logger.Warn(ctx, "reminder unschedulable", "reminder_id", reminder.ID, "error", err)
			delete(s.jobs, key)
			continue
		}
		if !ok {
			s.logger.Debug(ctx, "reminder scheduled", "reminder_id", reminder.ID, "next_fire", next)
		} else {
			s.logger.Debug(ctx, "reminder rescheduled", "reminder_id", reminder.ID, "next_fire", next)
		}
		s.jobs[key] = &job{reminder: reminder, descriptor: descriptor, nextFire: next}
	}

	for key := range s.jobs {
		if !seen[key] {
			delete(s.jobs, key)
		}
	}
	return nil
}

// fireDue fires every job whose nextFire has passed but is still within its
// grace window. Fires older than the grace are skipped: a reminder an hour
// late is noise, not help.
func (s *Scheduler) fireDue(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.nextFire.IsZero() && !now.Before(j.nextFire) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	fired := 0
	for _, j := range due {
		grace := s.recurringGrace
		if j.reminder.ReminderType == models.ReminderOneTime {
			grace = s.oneTimeGrace
		}
		late := now.Sub(j.nextFire)
		withinGrace := late <= grace

		if withinGrace {
			if err := s.fire(ctx, &j.reminder, now); err != nil {
				s.logger.Error(ctx, "reminder fire failed",
					"reminder_id", j.reminder.ID, "error", err)
				continue // nextFire unchanged, retried next tick
			}
			fired++
		} else {
			s.logger.Warn(ctx, "reminder fire skipped, past grace",
				"reminder_id", j.reminder.ID, "late", late.String())
		}
		s.advance(ctx, j, now)
	}
	return fired
}

// advance moves a job past the fire it just handled: recurring jobs compute
// their next occurrence, one-time jobs are marked completed and dropped.
func (s *Scheduler) advance(ctx context.Context, j *job, now time.Time) {
	if j.reminder.ReminderType == models.ReminderRecurring {
		sched, err := cronspec.Schedule(j.reminder.CronExpr)
		if err != nil {
			s.logger.Warn(ctx, "recurring reminder unschedulable",
				"reminder_id", j.reminder.ID, "error", err)
			s.remove(j.reminder.ID)
			return
		}
		s.mu.Lock()
		j.nextFire = sched.Next(now.UTC())
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	j.nextFire = time.Time{}
	s.mu.Unlock()

	patch := dataplane.ReminderPatch{Status: models.ReminderCompleted, LastTriggeredAt: &now}
	err := retry.Do(ctx, s.retry, func() error {
		return s.source.UpdateReminder(ctx, j.reminder.ID, patch)
	})
	if err != nil {
		// Leave the spent job in place; the next reconcile drops it once the
		// data plane stops listing the reminder.
		s.logger.Error(ctx, "reminder completion patch failed",
			"reminder_id", j.reminder.ID, "error", err)
		return
	}
	s.remove(j.reminder.ID)
}

// fire publishes the trigger payload for one reminder.
func (s *Scheduler) fire(ctx context.Context, reminder *models.Reminder, now time.Time) error {
	if reminder.UserTelegramID == 0 {
		return fmt.Errorf("reminder %s has no user_telegram_id", reminder.ID)
	}

	payload := models.QueuePayload{
		UserID:    reminder.UserTelegramID,
		Source:    models.SourceCron,
		Type:      models.PayloadTool,
		Timestamp: now.UTC(),
		Content: models.PayloadContent{
			Message: reminder.PayloadText(),
			Metadata: map[string]any{
				"tool_name":          models.ToolNameReminderTrigger,
				"assistant_id":       reminder.AssistantID.String(),
				"reminder_id":        reminder.ID.String(),
				"reminder_type":      string(reminder.ReminderType),
				"payload":            reminder.Payload,
				"triggered_at_event": now.UTC().Format(time.RFC3339),
			},
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode trigger payload: %w", err)
	}

	id, err := s.publisher.Publish(ctx, s.stream, raw)
	if err != nil {
		return fmt.Errorf("publish trigger: %w", err)
	}
	s.logger.Event(ctx, observability.EventQueuePush, "reminder trigger fired",
		"reminder_id", reminder.ID, "stream", s.stream, "message_id", id)
	return nil
}

func (s *Scheduler) remove(id uuid.UUID) {
	s.mu.Lock()
	delete(s.jobs, jobKey(id))
	s.mu.Unlock()
}

// JobCount reports the scheduled job count (for health and tests).
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func jobKey(id uuid.UUID) string { return "reminder:" + id.String() }

// describeTrigger fingerprints the schedule-relevant fields so reconcile can
// detect edits.
func describeTrigger(r *models.Reminder) string {
	if r.ReminderType == models.ReminderOneTime {
		at := ""
		if r.TriggerAt != nil {
			at = r.TriggerAt.UTC().Format(time.RFC3339)
		}
		return "one_time@" + at
	}
	return "recurring@" + r.CronExpr
}

// nextFire computes the first fire for a newly scheduled reminder.
func nextFire(r *models.Reminder, now time.Time) (time.Time, error) {
	switch r.ReminderType {
	case models.ReminderOneTime:
		if r.TriggerAt == nil {
			return time.Time{}, fmt.Errorf("one_time reminder missing trigger_at")
		}
		return r.TriggerAt.UTC(), nil
	case models.ReminderRecurring:
		sched, err := cronspec.Schedule(r.CronExpr)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(now.UTC()), nil
	default:
		return time.Time{}, fmt.Errorf("unknown reminder type %q", r.ReminderType)
	}
}
