// Package factory builds and caches agent instances. It owns two caches: the
// user→secretary assignment map and the per-(assistant, user) instance map,
// refreshed in the background against the data plane.
package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/secretariat-ai/secretariat/internal/agent"
	"github.com/secretariat-ai/secretariat/internal/config"
	"github.com/secretariat-ai/secretariat/internal/dataplane"
	"github.com/secretariat-ai/secretariat/internal/infra"
	"github.com/secretariat-ai/secretariat/internal/llm"
	"github.com/secretariat-ai/secretariat/internal/observability"
	"github.com/secretariat-ai/secretariat/internal/tools"
	"github.com/secretariat-ai/secretariat/pkg/models"
)

// ErrNoSecretaryAssigned means the user has no active secretary; the caller
// decides whether that is a data error or an onboarding gap.
var ErrNoSecretaryAssigned = errors.New("no secretary assigned")

// ErrAssistantInactive rejects building an instance from a deactivated
// persona.
var ErrAssistantInactive = errors.New("assistant is inactive")

// ErrAssistantTypeUnsupported rejects assistant records whose type is neither
// secretary nor sub_assistant. Such records are data errors, not retryable.
var ErrAssistantTypeUnsupported = errors.New("unsupported assistant type")

// Directory is the slice of the data plane the factory reads configuration
// from. *dataplane.REST satisfies it.
type Directory interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetAssistant(ctx context.Context, id uuid.UUID) (*models.Assistant, error)
	GetAssistantTools(ctx context.Context, id uuid.UUID) ([]models.ToolDefinition, error)
	GetUserSecretary(ctx context.Context, userID int64) (*models.UserSecretaryAssignment, error)
	ListActiveAssignments(ctx context.Context) ([]models.UserSecretaryAssignment, error)
}

type assignmentEntry struct {
	secretaryID uuid.UUID
	updatedAt   time.Time
}

type instanceKey struct {
	assistantID uuid.UUID
	userID      int64
}

// Factory resolves users to ready-to-run agent instances.
type Factory struct {
	rest     Directory
	store    agent.MessageStore
	memories agent.MemorySearcher
	registry *llm.Registry
	toolDeps tools.Deps
	agentCfg config.AgentSettings
	llmCfg   config.LLMSettings
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	mu          sync.Mutex
	assignments map[int64]assignmentEntry
	instances   map[instanceKey]*agent.Agent

	building infra.FlightGroup[instanceKey, *agent.Agent]
}

// Option configures optional factory behavior.
type Option func(*Factory)

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(f *Factory) { f.now = now }
}

// New creates the factory. toolDeps.SubAssistants is wired to the factory
// itself so sub_assistant tools can delegate through it.
func New(rest Directory, store agent.MessageStore, memories agent.MemorySearcher,
	registry *llm.Registry, toolDeps tools.Deps,
	agentCfg config.AgentSettings, llmCfg config.LLMSettings,
	logger *observability.Logger, metrics *observability.Metrics, opts ...Option) *Factory {

	f := &Factory{
		rest:        rest,
		store:       store,
		memories:    memories,
		registry:    registry,
		toolDeps:    toolDeps,
		agentCfg:    agentCfg,
		llmCfg:      llmCfg,
		logger:      logger.With("component", "factory"),
		metrics:     metrics,
		now:         time.Now,
		assignments: make(map[int64]assignmentEntry),
		instances:   make(map[instanceKey]*agent.Agent),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.toolDeps.SubAssistants == nil {
		f.toolDeps.SubAssistants = f
	}
	return f
}

// Warm populates the assignment cache from the authoritative list. Call once
// at startup; a failure is not fatal, misses fall back to point lookups.
func (f *Factory) Warm(ctx context.Context) error {
	assignments, err := f.rest.ListActiveAssignments(ctx)
	if err != nil {
		return fmt.Errorf("warm assignment cache: %w", err)
	}
	f.mu.Lock()
	for _, a := range assignments {
		f.assignments[a.UserID] = assignmentEntry{secretaryID: a.SecretaryID, updatedAt: a.UpdatedAt}
	}
	f.mu.Unlock()
	f.logger.Info(ctx, "assignment cache warmed", "assignments", len(assignments))
	return nil
}

// GetUserSecretary resolves the user's active secretary to a built instance.
func (f *Factory) GetUserSecretary(ctx context.Context, userID int64) (*agent.Agent, error) {
	f.mu.Lock()
	entry, ok := f.assignments[userID]
	f.mu.Unlock()
	if ok {
		return f.GetByID(ctx, entry.secretaryID, userID)
	}

	assignment, err := f.rest.GetUserSecretary(ctx, userID)
	if err != nil {
		if dataplane.IsNotFound(err) {
			return nil, ErrNoSecretaryAssigned
		}
		return nil, fmt.Errorf("resolve secretary for user %d: %w", userID, err)
	}
	if !assignment.IsActive {
		return nil, ErrNoSecretaryAssigned
	}

	f.mu.Lock()
	f.assignments[userID] = assignmentEntry{secretaryID: assignment.SecretaryID, updatedAt: assignment.UpdatedAt}
	f.mu.Unlock()
	return f.GetByID(ctx, assignment.SecretaryID, userID)
}

// GetByID returns the cached instance for (assistantID, userID), building it
// on first use. Construction happens outside the cache lock; concurrent
// builders for the same key share one construction.
func (f *Factory) GetByID(ctx context.Context, assistantID uuid.UUID, userID int64) (*agent.Agent, error) {
	key := instanceKey{assistantID: assistantID, userID: userID}

	f.mu.Lock()
	if instance, ok := f.instances[key]; ok {
		f.mu.Unlock()
		return instance, nil
	}
	f.mu.Unlock()

	instance, err, _ := f.building.Do(key, func() (*agent.Agent, error) {
		built, err := f.build(ctx, assistantID, userID)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.instances[key] = built
		f.mu.Unlock()
		return built, nil
	})
	return instance, err
}

// RunSubAssistant satisfies tools.SubAssistantRunner: delegation resolves the
// target through the same caches as any other lookup.
func (f *Factory) RunSubAssistant(ctx context.Context, assistantID uuid.UUID, userID int64, text string) (string, error) {
	sub, err := f.GetByID(ctx, assistantID, userID)
	if err != nil {
		return "", err
	}
	return sub.ProcessMessage(ctx, text, nil)
}

func (f *Factory) build(ctx context.Context, assistantID uuid.UUID, userID int64) (*agent.Agent, error) {
	assistant, err := f.rest.GetAssistant(ctx, assistantID)
	if err != nil {
		return nil, fmt.Errorf("fetch assistant %s: %w", assistantID, err)
	}
	if !assistant.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrAssistantInactive, assistant.Name)
	}
	switch assistant.AssistantType {
	case models.AssistantSecretary, models.AssistantSub:
	default:
		return nil, fmt.Errorf("%w: %q", ErrAssistantTypeUnsupported, assistant.AssistantType)
	}

	user, err := f.rest.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch user %d: %w", userID, err)
	}

	defs, err := f.rest.GetAssistantTools(ctx, assistantID)
	if err != nil {
		return nil, fmt.Errorf("fetch tools for %s: %w", assistant.Name, err)
	}
	toolFactory := tools.NewFactory(f.toolDeps)
	handlers, err := toolFactory.BuildAll(defs, tools.Binding{
		UserID:      userID,
		AssistantID: assistantID,
		Timezone:    user.Timezone,
	})
	if err != nil {
		return nil, fmt.Errorf("build tools for %s: %w", assistant.Name, err)
	}

	provider, err := f.registry.ForModel(assistant.Model)
	if err != nil {
		return nil, fmt.Errorf("provider for model %q: %w", assistant.Model, err)
	}

	f.mu.Lock()
	agentCfg := f.agentCfg
	f.mu.Unlock()

	instance := agent.New(agent.Config{
		Assistant:             assistant,
		UserID:                userID,
		Tools:                 handlers,
		Provider:              provider,
		Store:                 f.store,
		Memories:              f.memories,
		HistoryLimit:          agentCfg.HistoryLimit,
		ContextSize:           f.llmCfg.ContextWindow,
		SummaryThreshold:      agentCfg.SummaryThreshold,
		KeepTail:              agentCfg.KeepTail,
		MemorySearchLimit:     agentCfg.MemorySearchLimit,
		MemorySearchThreshold: agentCfg.MemorySearchThreshold,
		SummaryPrompt:         agentCfg.SummaryPrompt,
		StepTimeout:           f.llmCfg.StepTimeout,
		Logger:                f.logger,
		Metrics:               f.metrics,
	})
	f.logger.Info(ctx, "agent instance built",
		"assistant", assistant.Name, "user_id", userID, "tools", len(handlers))
	return instance, nil
}

// UpdateSettings swaps the tuning applied to newly built instances and drops
// the cached ones so the next lookup rebuilds with it. Used by config file
// hot reload.
func (f *Factory) UpdateSettings(cfg config.AgentSettings) {
	f.mu.Lock()
	f.agentCfg = cfg
	f.instances = make(map[instanceKey]*agent.Agent)
	f.mu.Unlock()
}

// Run drives the background refresh loop until ctx is cancelled.
func (f *Factory) Run(ctx context.Context) error {
	interval := f.agentCfg.RefreshInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.RefreshOnce(ctx)
		}
	}
}

// RefreshOnce reconciles both caches against the data plane: assignments are
// replaced per-key from the authoritative list, and instances whose assistant
// config changed since they were built are evicted.
func (f *Factory) RefreshOnce(ctx context.Context) {
	start := f.now()
	status := "ok"
	if err := f.refreshAssignments(ctx); err != nil {
		f.logger.Warn(ctx, "assignment refresh failed", "error", err)
		status = "error"
	}
	f.refreshInstances(ctx)
	f.metrics.RecordJob("factory_refresh", status, f.now().Sub(start).Seconds())
}

func (f *Factory) refreshAssignments(ctx context.Context) error {
	current, err := f.rest.ListActiveAssignments(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[int64]assignmentEntry, len(current))
	for _, a := range current {
		fresh[a.UserID] = assignmentEntry{secretaryID: a.SecretaryID, updatedAt: a.UpdatedAt}
	}

	f.mu.Lock()
	var added, removed, updated int
	for userID, entry := range fresh {
		old, ok := f.assignments[userID]
		switch {
		case !ok:
			added++
		case old.secretaryID != entry.secretaryID || !old.updatedAt.Equal(entry.updatedAt):
			updated++
		}
		f.assignments[userID] = entry
	}
	for userID := range f.assignments {
		if _, ok := fresh[userID]; !ok {
			delete(f.assignments, userID)
			removed++
		}
	}
	f.mu.Unlock()

	if added+removed+updated > 0 {
		f.logger.Info(ctx, "assignments reconciled",
			"added", added, "removed", removed, "updated", updated)
	}
	return nil
}

func (f *Factory) refreshInstances(ctx context.Context) {
	f.mu.Lock()
	keys := make([]instanceKey, 0, len(f.instances))
	loaded := make(map[instanceKey]time.Time, len(f.instances))
	for key, inst := range f.instances {
		keys = append(keys, key)
		loaded[key] = inst.LoadedAt()
	}
	f.mu.Unlock()

	// Config fetches happen outside the lock; only the evictions re-acquire.
	for _, key := range keys {
		assistant, err := f.rest.GetAssistant(ctx, key.assistantID)
		if err != nil {
			f.logger.Warn(ctx, "instance refresh fetch failed",
				"assistant_id", key.assistantID, "error", err)
			continue
		}
		if !assistant.IsActive || assistant.UpdatedAt.After(loaded[key]) {
			f.mu.Lock()
			delete(f.instances, key)
			f.mu.Unlock()
			f.logger.Info(ctx, "agent instance evicted",
				"assistant", assistant.Name, "user_id", key.userID)
		}
	}
}

// InstanceCount reports the number of cached instances.
func (f *Factory) InstanceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.instances)
}

// Close clears both caches.
func (f *Factory) Close() {
	f.mu.Lock()
	f.assignments = make(map[int64]assignmentEntry)
	f.instances = make(map[instanceKey]*agent.Agent)
	f.mu.Unlock()
}
