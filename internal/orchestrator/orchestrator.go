// Package orchestrator is the inbound message pump: it consumes the
// to_secretary stream, routes each payload to the right agent instance, and
// pushes the reply to the to_telegram stream under an at-least-once contract
// with bounded retries and a dead-letter queue.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/secretariat-ai/secretariat/internal/agent"
	"github.com/secretariat-ai/secretariat/internal/config"
	"github.com/secretariat-ai/secretariat/internal/dataplane"
	"github.com/secretariat-ai/secretariat/internal/factory"
	"github.com/secretariat-ai/secretariat/internal/observability"
	"github.com/secretariat-ai/secretariat/internal/queue"
	"github.com/secretariat-ai/secretariat/pkg/models"
)

// BadDataError marks a payload that can never succeed: malformed JSON,
// failed validation, unresolvable references. Bad data is answered with an
// error payload and acked, never retried.
type BadDataError struct {
	Reason string
	Cause  error
}

func (e *BadDataError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("bad payload: %s: %v", e.Reason, e.Cause)
	}
	return "bad payload: " + e.Reason
}

func (e *BadDataError) Unwrap() error { return e.Cause }

// Queues is the stream surface the orchestrator drives. *queue.Client
// satisfies it.
type Queues interface {
	Consume(ctx context.Context, stream string, opts queue.ConsumeOptions) (<-chan queue.Delivery, error)
	Publish(ctx context.Context, stream string, payload []byte) (string, error)
	Ack(ctx context.Context, stream, group, id string) error
	IncrRetry(ctx context.Context, id string) (int, error)
	ClearRetry(ctx context.Context, id string) error
	SendToDLQ(ctx context.Context, stream string, d queue.Delivery, cause error, retryCount int, userID int64) (string, error)
	SampleDepths(ctx context.Context, streams ...string)
}

// AgentSource resolves payloads to runnable agents. *factory.Factory
// satisfies it.
type AgentSource interface {
	GetUserSecretary(ctx context.Context, userID int64) (*agent.Agent, error)
	GetByID(ctx context.Context, assistantID uuid.UUID, userID int64) (*agent.Agent, error)
}

// UserResolver maps external telegram ids to platform users. *dataplane.REST
// satisfies it.
type UserResolver interface {
	GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)
	AppendQueueMessageLog(ctx context.Context, rec models.QueueMessageLog)
}

// Orchestrator runs the consumer loops.
type Orchestrator struct {
	queues  Queues
	agents  AgentSource
	rest    UserResolver
	cfg     config.QueueSettings
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time
}

// Option configures optional orchestrator behavior.
type Option func(*Orchestrator)

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithTracer attaches a tracer; every delivery then runs under a consumer
// span.
func WithTracer(tracer *observability.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// New assembles the orchestrator.
func New(queues Queues, agents AgentSource, rest UserResolver,
	cfg config.QueueSettings, logger *observability.Logger, metrics *observability.Metrics,
	opts ...Option) *Orchestrator {

	o := &Orchestrator{
		queues:  queues,
		agents:  agents,
		rest:    rest,
		cfg:     cfg,
		logger:  logger.With("component", "orchestrator"),
		metrics: metrics,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run starts Concurrency consumer workers over the to_secretary stream and
// blocks until ctx is cancelled. Unacked in-flight deliveries are reclaimed
// by surviving consumers after ClaimMinIdle.
func (o *Orchestrator) Run(ctx context.Context) error {
	deliveries, err := o.queues.Consume(ctx, o.cfg.ToSecretary, queue.ConsumeOptions{
		Group:        o.cfg.ConsumerGroup,
		Consumer:     fmt.Sprintf("orchestrator-%s", uuid.NewString()[:8]),
		Block:        o.cfg.BlockTime,
		ClaimMinIdle: o.cfg.ClaimMinIdle,
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Concurrency; i++ {
		g.Go(func() error {
			for d := range deliveries {
				o.handle(gctx, d)
			}
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				o.queues.SampleDepths(gctx, o.cfg.ToSecretary, o.cfg.ToTelegram)
			}
		}
	})
	return g.Wait()
}

// handle processes one delivery end to end, including the retry/DLQ policy.
func (o *Orchestrator) handle(ctx context.Context, d queue.Delivery) {
	ctx = observability.WithCorrelationID(ctx, uuid.NewString())
	start := o.now()

	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.StartConsume(ctx, d.Stream, d.ID)
		defer span.End()
	}

	payload, trigger, reply, err := o.process(ctx, d)
	var userID int64
	if payload != nil {
		userID = payload.UserID
	}

	switch {
	case err == nil:
		// Trigger replies carry the reminder identity so the delivery side
		// can render them differently from conversational answers.
		var source string
		var meta map[string]any
		if trigger != nil {
			source = models.ToolNameReminderTrigger
			meta = map[string]any{"reminder_id": trigger.ReminderID}
		}
		o.pushResponse(ctx, userID, models.ResponseSuccess, reply, source, meta)
		o.finish(ctx, d, "acked", 0, nil)

	case isBadData(err):
		// Malformed input never improves on retry: answer with an error
		// payload and take the message off the stream.
		o.logger.Error(ctx, "rejecting bad payload",
			"stream", d.Stream, "message_id", d.ID, "error", err)
		if userID != 0 {
			o.pushResponse(ctx, userID, models.ResponseError,
				"Sorry, I could not understand that request.", "", nil)
		}
		o.finish(ctx, d, "error_acked", 0, err)

	default:
		o.retryOrDeadLetter(ctx, d, userID, err)
	}

	o.metrics.RecordJob("orchestrate_message", outcomeLabel(err), o.now().Sub(start).Seconds())
}

// process parses, classifies and runs one payload. A nil error means reply
// holds the assistant's answer; trigger is non-nil on the trigger path.
func (o *Orchestrator) process(ctx context.Context, d queue.Delivery) (*models.QueuePayload, *models.TriggerEvent, string, error) {
	var payload models.QueuePayload
	if err := json.Unmarshal(d.Payload, &payload); err != nil {
		return nil, nil, "", &BadDataError{Reason: "undecodable json", Cause: err}
	}
	if err := payload.Validate(); err != nil {
		return &payload, nil, "", &BadDataError{Reason: "invalid payload", Cause: err}
	}

	user, err := o.rest.GetUserByTelegramID(ctx, payload.UserID)
	if err != nil {
		if dataplane.IsNotFound(err) {
			return &payload, nil, "", &BadDataError{Reason: fmt.Sprintf("unknown user %d", payload.UserID)}
		}
		return &payload, nil, "", fmt.Errorf("resolve user %d: %w", payload.UserID, err)
	}
	ctx = observability.WithUserID(ctx, user.ID)

	if payload.IsTrigger() {
		reply, trigger, err := o.processTrigger(ctx, &payload, user)
		return &payload, trigger, reply, err
	}
	reply, err := o.processMessage(ctx, &payload, user)
	return &payload, nil, reply, err
}

func (o *Orchestrator) processMessage(ctx context.Context, payload *models.QueuePayload, user *models.User) (string, error) {
	instance, err := o.agents.GetUserSecretary(ctx, user.ID)
	if err != nil {
		if errors.Is(err, factory.ErrNoSecretaryAssigned) {
			return "", &BadDataError{Reason: fmt.Sprintf("user %d has no secretary", user.ID), Cause: err}
		}
		if errors.Is(err, factory.ErrAssistantTypeUnsupported) {
			return "", &BadDataError{Reason: "unbuildable assistant", Cause: err}
		}
		return "", err
	}
	return instance.ProcessMessage(ctx, payload.Content.Message, nil)
}

func (o *Orchestrator) processTrigger(ctx context.Context, payload *models.QueuePayload, user *models.User) (string, *models.TriggerEvent, error) {
	trigger, err := parseTrigger(payload)
	if err != nil {
		return "", nil, err
	}
	assistantID, err := uuid.Parse(trigger.AssistantID)
	if err != nil {
		return "", trigger, &BadDataError{Reason: "trigger without valid assistant_id", Cause: err}
	}

	instance, err := o.agents.GetByID(ctx, assistantID, user.ID)
	if err != nil {
		if errors.Is(err, factory.ErrAssistantTypeUnsupported) {
			return "", trigger, &BadDataError{Reason: "unbuildable assistant", Cause: err}
		}
		return "", trigger, err
	}
	text := fmt.Sprintf("A reminder you set has fired: %q. Notify the user and help with any follow-up.", trigger.Text())
	reply, err := instance.ProcessMessage(ctx, text, trigger)
	return reply, trigger, err
}

// parseTrigger rebuilds the TriggerEvent the scheduler encoded in metadata.
func parseTrigger(payload *models.QueuePayload) (*models.TriggerEvent, error) {
	raw, err := json.Marshal(payload.Content.Metadata)
	if err != nil {
		return nil, &BadDataError{Reason: "unencodable trigger metadata", Cause: err}
	}
	var trigger models.TriggerEvent
	if err := json.Unmarshal(raw, &trigger); err != nil {
		return nil, &BadDataError{Reason: "malformed trigger metadata", Cause: err}
	}
	if trigger.AssistantID == "" {
		return nil, &BadDataError{Reason: "trigger without assistant_id"}
	}
	return &trigger, nil
}

// retryOrDeadLetter applies the transient-failure policy: leave unacked for
// redelivery while under budget, dead-letter past it.
func (o *Orchestrator) retryOrDeadLetter(ctx context.Context, d queue.Delivery, userID int64, cause error) {
	count, err := o.queues.IncrRetry(ctx, d.ID)
	if err != nil {
		// Can't read the budget; leaving the message unacked keeps it safe.
		o.logger.Error(ctx, "retry accounting failed",
			"message_id", d.ID, "error", err)
		return
	}

	if count < o.cfg.MaxRetries {
		o.logger.Warn(ctx, "processing failed, leaving for redelivery",
			"stream", d.Stream, "message_id", d.ID, "attempt", count, "error", cause)
		o.metrics.RecordDelivery(d.Stream, "retried", count)
		return
	}

	if _, dlqErr := o.queues.SendToDLQ(ctx, d.Stream, d, cause, count, userID); dlqErr != nil {
		o.logger.Error(ctx, "dead-letter publish failed, message stays pending",
			"message_id", d.ID, "error", dlqErr)
		return
	}
	if userID != 0 {
		o.pushResponse(ctx, userID, models.ResponseError,
			fmt.Sprintf("Message processing failed due to an internal error: %s", queue.ErrorType(cause)),
			"", nil)
	}
	o.finish(ctx, d, "dead_lettered", count, cause)
}

// finish acks a terminally handled delivery and records the audit trail.
func (o *Orchestrator) finish(ctx context.Context, d queue.Delivery, outcome string, retries int, cause error) {
	if err := o.queues.Ack(ctx, d.Stream, o.cfg.ConsumerGroup, d.ID); err != nil {
		o.logger.Error(ctx, "ack failed", "message_id", d.ID, "error", err)
		return
	}
	if err := o.queues.ClearRetry(ctx, d.ID); err != nil {
		o.logger.Warn(ctx, "retry counter clear failed", "message_id", d.ID, "error", err)
	}
	o.metrics.RecordDelivery(d.Stream, outcome, retries)

	rec := models.QueueMessageLog{
		MessageID:     d.ID,
		Stream:        d.Stream,
		CorrelationID: observability.GetCorrelationID(ctx),
		Outcome:       outcome,
		RetryCount:    retries,
		ProcessedAt:   o.now().UTC(),
	}
	if id, ok := observability.GetUserID(ctx); ok {
		rec.UserID = id
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	o.rest.AppendQueueMessageLog(ctx, rec)
}

// pushResponse publishes the reply envelope to the to_telegram stream.
// Response order for a user follows ack order because each delivery pushes
// before it acks.
func (o *Orchestrator) pushResponse(ctx context.Context, userID int64, status models.ResponseStatus, text, source string, metadata map[string]any) {
	resp := models.ResponsePayload{
		UserID:    userID,
		Status:    status,
		Response:  text,
		Type:      "assistant",
		Source:    source,
		Metadata:  metadata,
		Timestamp: o.now().UTC(),
	}
	body, err := json.Marshal(resp)
	if err != nil {
		o.logger.Error(ctx, "response marshal failed", "user_id", userID, "error", err)
		return
	}
	if _, err := o.queues.Publish(ctx, o.cfg.ToTelegram, body); err != nil {
		o.logger.Error(ctx, "response publish failed", "user_id", userID, "error", err)
	}
}

func isBadData(err error) bool {
	var bad *BadDataError
	return errors.As(err, &bad)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isBadData(err):
		return "bad_data"
	default:
		return "error"
	}
}
