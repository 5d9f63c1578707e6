package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/secretariat-ai/secretariat/internal/dataplane"
	"github.com/secretariat-ai/secretariat/internal/observability"
	"github.com/secretariat-ai/secretariat/pkg/models"
)

type fakeSource struct {
	mu        sync.Mutex
	reminders []models.Reminder
	patches   map[uuid.UUID]dataplane.ReminderPatch
}

func (f *fakeSource) ListScheduledReminders(ctx context.Context) ([]models.Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Reminder, len(f.reminders))
	copy(out, f.reminders)
	return out, nil
}

func (f *fakeSource) UpdateReminder(ctx context.Context, id uuid.UUID, patch dataplane.ReminderPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.patches == nil {
		f.patches = make(map[uuid.UUID]dataplane.ReminderPatch)
	}
	f.patches[id] = patch
	// Mirror the data plane: status changes show up in the next list.
	for i := range f.reminders {
		if f.reminders[i].ID == id && patch.Status != "" {
			f.reminders[i].Status = patch.Status
		}
	}
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	payloads []models.QueuePayload
}

func (f *fakePublisher) Publish(ctx context.Context, stream string, payload []byte) (string, error) {
	var p models.QueuePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.payloads = append(f.payloads, p)
	f.mu.Unlock()
	return "1-0", nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func newTestScheduler(t *testing.T, source *fakeSource, pub *fakePublisher, now *time.Time) *Scheduler {
	t.Helper()
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return New(source, pub, "queue:to_secretary", logger, metrics,
		WithNow(func() time.Time { return *now }))
}

func oneTimeReminder(at time.Time) models.Reminder {
	return models.Reminder{
		ID:             uuid.New(),
		UserID:         1,
		AssistantID:    uuid.New(),
		ReminderType:   models.ReminderOneTime,
		Status:         models.ReminderActive,
		TriggerAt:      &at,
		Payload:        map[string]any{"text": "water the plants"},
		UserTelegramID: 4242,
	}
}

func TestScheduler_OneTimeFiresOnceAndCompletes(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	reminder := oneTimeReminder(now.Add(30 * time.Second))
	source := &fakeSource{reminders: []models.Reminder{reminder}}
	pub := &fakePublisher{}
	s := newTestScheduler(t, source, pub, &now)
	ctx := context.Background()

	if fired := s.RunOnce(ctx); fired != 0 {
		t.Fatalf("fired %d before due time", fired)
	}
	if s.JobCount() != 1 {
		t.Fatalf("JobCount = %d, want 1", s.JobCount())
	}

	now = now.Add(time.Minute)
	if fired := s.RunOnce(ctx); fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	p := pub.payloads[0]
	if p.UserID != 4242 || p.Source != models.SourceCron || p.Type != models.PayloadTool {
		t.Errorf("trigger envelope = %+v", p)
	}
	if !p.IsTrigger() {
		t.Error("payload should classify as trigger")
	}
	if p.MetaString("reminder_id") != reminder.ID.String() {
		t.Errorf("reminder_id = %q", p.MetaString("reminder_id"))
	}
	if p.Content.Message != "water the plants" {
		t.Errorf("message = %q", p.Content.Message)
	}

	patch, ok := source.patches[reminder.ID]
	if !ok || patch.Status != models.ReminderCompleted {
		t.Fatalf("reminder not completed: %+v", source.patches)
	}
	if s.JobCount() != 0 {
		t.Errorf("spent one-time job still scheduled")
	}

	// A later tick must not fire again even though the source still lists it.
	now = now.Add(time.Minute)
	if fired := s.RunOnce(ctx); fired != 0 {
		t.Errorf("one-time reminder fired twice")
	}
}

func TestScheduler_OneTimePastGraceCompletesWithoutFiring(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	reminder := oneTimeReminder(now.Add(-time.Hour))
	source := &fakeSource{reminders: []models.Reminder{reminder}}
	pub := &fakePublisher{}
	s := newTestScheduler(t, source, pub, &now)

	if fired := s.RunOnce(context.Background()); fired != 0 {
		t.Fatalf("stale reminder fired")
	}
	if pub.count() != 0 {
		t.Errorf("published %d triggers for stale reminder", pub.count())
	}
	if patch := source.patches[reminder.ID]; patch.Status != models.ReminderCompleted {
		t.Errorf("stale one-time not completed: %+v", patch)
	}
}

func TestScheduler_RecurringReschedulesAfterFire(t *testing.T) {
	now := time.Date(2026, 6, 1, 8, 59, 30, 0, time.UTC)
	reminder := models.Reminder{
		ID:             uuid.New(),
		UserID:         1,
		AssistantID:    uuid.New(),
		ReminderType:   models.ReminderRecurring,
		Status:         models.ReminderActive,
		CronExpr:       "0 9 * * *",
		Payload:        map[string]any{"text": "standup"},
		UserTelegramID: 7,
	}
	source := &fakeSource{reminders: []models.Reminder{reminder}}
	pub := &fakePublisher{}
	s := newTestScheduler(t, source, pub, &now)
	ctx := context.Background()

	s.RunOnce(ctx) // schedules for 09:00

	now = time.Date(2026, 6, 1, 9, 0, 10, 0, time.UTC)
	if fired := s.RunOnce(ctx); fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if s.JobCount() != 1 {
		t.Fatalf("recurring job dropped after fire")
	}
	if _, patched := source.patches[reminder.ID]; patched {
		t.Error("recurring reminder must not be auto-completed")
	}

	// Next day, same time: fires again.
	now = time.Date(2026, 6, 2, 9, 0, 10, 0, time.UTC)
	if fired := s.RunOnce(ctx); fired != 1 {
		t.Fatalf("second occurrence fired = %d, want 1", fired)
	}
	if pub.count() != 2 {
		t.Errorf("total fires = %d, want 2", pub.count())
	}
}

func TestScheduler_ReconcileDropsAndReschedules(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	a := oneTimeReminder(now.Add(time.Hour))
	b := oneTimeReminder(now.Add(time.Hour))
	source := &fakeSource{reminders: []models.Reminder{a, b}}
	pub := &fakePublisher{}
	s := newTestScheduler(t, source, pub, &now)
	ctx := context.Background()

	s.RunOnce(ctx)
	if s.JobCount() != 2 {
		t.Fatalf("JobCount = %d, want 2", s.JobCount())
	}

	// b disappears (cancelled elsewhere); a's trigger time moves.
	newAt := now.Add(2 * time.Hour)
	a.TriggerAt = &newAt
	source.mu.Lock()
	source.reminders = []models.Reminder{a}
	source.mu.Unlock()

	s.RunOnce(ctx)
	if s.JobCount() != 1 {
		t.Fatalf("JobCount after drop = %d, want 1", s.JobCount())
	}

	// Old trigger time passes without a fire; the new one fires.
	now = now.Add(time.Hour + time.Minute)
	if fired := s.RunOnce(ctx); fired != 0 {
		t.Fatal("fired on superseded trigger time")
	}
	now = now.Add(time.Hour)
	if fired := s.RunOnce(ctx); fired != 1 {
		t.Fatalf("rescheduled reminder fired = %d, want 1", fired)
	}
}
