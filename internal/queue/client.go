// Package queue is a thin typed facade over Redis streams with
// consumer-group semantics: publish, blocking group consume with pending
// reclaim, per-message retry accounting and a dead-letter queue per stream.
//
// Delivery is at-least-once. A message is acked only after successful
// processing; when its retry count reaches the budget the orchestrator moves
// it to <stream>:dlq and acks the original.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/secretariat-ai/secretariat/internal/observability"
)

// PayloadField is the single entry field carrying the canonical JSON.
const PayloadField = "payload"

// retryKeyPrefix keys the per-message retry counters.
const retryKeyPrefix = "msg_retry:"

// Client wraps one Redis connection pool for stream operations.
type Client struct {
	rdb         *redis.Client
	logger      *observability.Logger
	metrics     *observability.Metrics
	retryWindow time.Duration
}

// New creates a stream client. retryWindow is the TTL of retry counters and
// is floored at one hour so redeliveries within the processing window always
// see their own history.
func New(rdb *redis.Client, logger *observability.Logger, metrics *observability.Metrics, retryWindow time.Duration) *Client {
	if retryWindow < time.Hour {
		retryWindow = time.Hour
	}
	return &Client{
		rdb:         rdb,
		logger:      logger,
		metrics:     metrics,
		retryWindow: retryWindow,
	}
}

// Publish appends a payload to a stream and returns the new message id.
func (c *Client) Publish(ctx context.Context, stream string, payload []byte) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{PayloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	c.logger.Event(ctx, observability.EventQueuePush, "published message",
		"stream", stream, "message_id", id)
	return id, nil
}

// Ack marks a message processed for the consumer group.
func (c *Client) Ack(ctx context.Context, stream, group, id string) error {
	if err := c.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", stream, id, err)
	}
	return nil
}

// EnsureGroup creates the consumer group, creating the stream alongside it.
// An already existing group is not an error.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// IncrRetry bumps the retry counter for a message id and refreshes its TTL.
// Returns the new count.
func (c *Client) IncrRetry(ctx context.Context, id string) (int, error) {
	key := retryKeyPrefix + id
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, c.retryWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr retry %s: %w", id, err)
	}
	return int(incr.Val()), nil
}

// RetryCount reads the retry counter for a message id; 0 when absent.
func (c *Client) RetryCount(ctx context.Context, id string) (int, error) {
	n, err := c.rdb.Get(ctx, retryKeyPrefix+id).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get retry %s: %w", id, err)
	}
	return n, nil
}

// ClearRetry drops the retry counter after a terminal outcome.
func (c *Client) ClearRetry(ctx context.Context, id string) error {
	if err := c.rdb.Del(ctx, retryKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("clear retry %s: %w", id, err)
	}
	return nil
}

// StreamLen returns XLEN of a stream, for the depth gauges.
func (c *Client) StreamLen(ctx context.Context, stream string) (int64, error) {
	n, err := c.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return n, nil
}

// SampleDepths updates the queue depth gauges for the given streams and
// their DLQs. Failures are logged, never fatal.
func (c *Client) SampleDepths(ctx context.Context, streams ...string) {
	for _, stream := range streams {
		for _, s := range []string{stream, DLQStream(stream)} {
			n, err := c.StreamLen(ctx, s)
			if err != nil {
				c.logger.Warn(ctx, "depth probe failed", "stream", s, "error", err)
				continue
			}
			c.metrics.SetQueueDepth(s, n)
		}
	}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// extractPayload pulls the payload field out of raw stream entry values.
func extractPayload(values map[string]any) ([]byte, error) {
	raw, ok := values[PayloadField]
	if !ok {
		return nil, fmt.Errorf("entry has no %s field", PayloadField)
	}
	switch v := raw.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("unsupported payload field type %T", raw)
		}
		return b, nil
	}
}
