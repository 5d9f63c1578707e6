package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/secretariat-ai/secretariat/internal/observability"
)

// Delivery is one message handed to a processor. The processor must Ack (or
// dead-letter) it; unacked deliveries are reclaimed after ClaimMinIdle.
type Delivery struct {
	Stream  string
	ID      string
	Payload []byte

	// Reclaimed is true when this delivery was taken over from another
	// consumer's pending list.
	Reclaimed bool
}

// ConsumeOptions tunes one consumer loop.
type ConsumeOptions struct {
	// Group is the consumer group, created on first use.
	Group string
	// Consumer is this process's unique consumer name.
	Consumer string
	// Block is the XREADGROUP blocking window per poll.
	Block time.Duration
	// Count is the max batch size per poll.
	Count int64
	// ClaimMinIdle is how long a pending entry may sit unacked before this
	// consumer reclaims it. Zero disables reclaiming.
	ClaimMinIdle time.Duration
	// ClaimInterval is how often the pending list is scanned.
	ClaimInterval time.Duration
}

func (o *ConsumeOptions) normalize() {
	if o.Block <= 0 {
		o.Block = 5 * time.Second
	}
	if o.Count <= 0 {
		o.Count = 10
	}
	if o.ClaimMinIdle > 0 && o.ClaimInterval <= 0 {
		o.ClaimInterval = o.ClaimMinIdle / 2
	}
}

// Consume starts a consumer-group read loop and returns its delivery
// channel. The channel closes when ctx is cancelled. New deliveries and
// reclaimed pending entries arrive on the same channel; processing must be
// idempotent against redelivery.
func (c *Client) Consume(ctx context.Context, stream string, opts ConsumeOptions) (<-chan Delivery, error) {
	opts.normalize()
	if err := c.EnsureGroup(ctx, stream, opts.Group); err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go c.consumeLoop(ctx, stream, opts, out)
	return out, nil
}

func (c *Client) consumeLoop(ctx context.Context, stream string, opts ConsumeOptions, out chan<- Delivery) {
	defer close(out)

	var lastClaim time.Time
	for {
		if ctx.Err() != nil {
			return
		}

		if opts.ClaimMinIdle > 0 && time.Since(lastClaim) >= opts.ClaimInterval {
			c.reclaimPending(ctx, stream, opts, out)
			lastClaim = time.Now()
		}

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    opts.Group,
			Consumer: opts.Consumer,
			Streams:  []string{stream, ">"},
			Block:    opts.Block,
			Count:    opts.Count,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			c.logger.Warn(ctx, "stream read failed", "stream", stream, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				if !c.deliver(ctx, out, stream, opts.Group, msg, false) {
					return
				}
			}
		}
	}
}

// reclaimPending takes over entries other consumers left unacked longer than
// ClaimMinIdle. This is how crashed-consumer messages get redelivered.
func (c *Client) reclaimPending(ctx context.Context, stream string, opts ConsumeOptions, out chan<- Delivery) {
	start := "0-0"
	for {
		msgs, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    opts.Group,
			Consumer: opts.Consumer,
			MinIdle:  opts.ClaimMinIdle,
			Start:    start,
			Count:    opts.Count,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn(ctx, "pending reclaim failed", "stream", stream, "error", err)
			}
			return
		}
		for _, msg := range msgs {
			if !c.deliver(ctx, out, stream, opts.Group, msg, true) {
				return
			}
		}
		if next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

// deliver pushes one entry to the channel; false means the context is done.
func (c *Client) deliver(ctx context.Context, out chan<- Delivery, stream, group string, msg redis.XMessage, reclaimed bool) bool {
	payload, err := extractPayload(msg.Values)
	if err != nil {
		// An entry without a payload field can never succeed; ack it away
		// with a log instead of poisoning the pending list.
		c.logger.Error(ctx, "dropping malformed stream entry",
			"stream", stream, "message_id", msg.ID, "error", err)
		if ackErr := c.Ack(ctx, stream, group, msg.ID); ackErr != nil {
			c.logger.Warn(ctx, "ack of malformed entry failed",
				"stream", stream, "message_id", msg.ID, "error", ackErr)
		}
		return true
	}

	c.logger.Event(ctx, observability.EventQueuePop, "consumed message",
		"stream", stream, "message_id", msg.ID, "reclaimed", reclaimed)

	select {
	case out <- Delivery{Stream: stream, ID: msg.ID, Payload: payload, Reclaimed: reclaimed}:
		return true
	case <-ctx.Done():
		return false
	}
}
