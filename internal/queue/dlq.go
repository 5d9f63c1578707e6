package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// DLQStream names the dead-letter sibling of a stream.
func DLQStream(stream string) string {
	return stream + ":dlq"
}

// DLQEntry is the envelope stored on a dead-letter stream.
type DLQEntry struct {
	Payload           json.RawMessage `json:"payload"`
	OriginalMessageID string          `json:"original_message_id"`
	ErrorType         string          `json:"error_type"`
	ErrorMessage      string          `json:"error_message"`
	RetryCount        int             `json:"retry_count"`
	UserID            int64           `json:"user_id,omitempty"`
	FailedAt          time.Time       `json:"failed_at"`
}

// DLQItem pairs a dead-letter entry with its own stream id, for operator
// listings.
type DLQItem struct {
	ID    string   `json:"id"`
	Entry DLQEntry `json:"entry"`
}

// SendToDLQ publishes a failed delivery onto <stream>:dlq. The caller still
// acks the original message afterwards.
func (c *Client) SendToDLQ(ctx context.Context, stream string, d Delivery, cause error, retryCount int, userID int64) (string, error) {
	entry := DLQEntry{
		Payload:           json.RawMessage(d.Payload),
		OriginalMessageID: d.ID,
		ErrorType:         ErrorType(cause),
		ErrorMessage:      cause.Error(),
		RetryCount:        retryCount,
		UserID:            userID,
		FailedAt:          time.Now().UTC(),
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal dlq entry: %w", err)
	}
	id, err := c.Publish(ctx, DLQStream(stream), body)
	if err != nil {
		return "", err
	}
	c.logger.Warn(ctx, "message dead-lettered",
		"stream", stream, "original_message_id", d.ID,
		"error_type", entry.ErrorType, "retry_count", retryCount)
	return id, nil
}

// RequeueFromDLQ moves a dead-letter entry back onto its main stream and
// deletes it from the DLQ. Operator tool.
func (c *Client) RequeueFromDLQ(ctx context.Context, stream, dlqID string) (string, error) {
	dlq := DLQStream(stream)
	msgs, err := c.rdb.XRange(ctx, dlq, dlqID, dlqID).Result()
	if err != nil {
		return "", fmt.Errorf("read dlq entry %s: %w", dlqID, err)
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("dlq entry %s not found on %s", dlqID, dlq)
	}

	raw, err := extractPayload(msgs[0].Values)
	if err != nil {
		return "", fmt.Errorf("dlq entry %s: %w", dlqID, err)
	}
	var entry DLQEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return "", fmt.Errorf("decode dlq entry %s: %w", dlqID, err)
	}

	newID, err := c.Publish(ctx, stream, entry.Payload)
	if err != nil {
		return "", fmt.Errorf("requeue dlq entry %s: %w", dlqID, err)
	}
	if err := c.rdb.XDel(ctx, dlq, dlqID).Err(); err != nil {
		c.logger.Warn(ctx, "requeued entry not deleted from dlq",
			"stream", dlq, "dlq_id", dlqID, "error", err)
	}
	c.logger.Info(ctx, "dlq entry requeued",
		"stream", stream, "dlq_id", dlqID, "new_message_id", newID)
	return newID, nil
}

// ListDLQ returns up to limit entries from a stream's DLQ, oldest first.
func (c *Client) ListDLQ(ctx context.Context, stream string, limit int64) ([]DLQItem, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := c.rdb.XRangeN(ctx, DLQStream(stream), "-", "+", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("list dlq for %s: %w", stream, err)
	}

	items := make([]DLQItem, 0, len(msgs))
	for _, msg := range msgs {
		raw, err := extractPayload(msg.Values)
		if err != nil {
			continue
		}
		var entry DLQEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		items = append(items, DLQItem{ID: msg.ID, Entry: entry})
	}
	return items, nil
}

// ErrorType renders an error's concrete type name for the DLQ envelope,
// without package path or pointer markers. Plain errors.New values collapse
// to "errorString", so domain errors should be typed.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if name == "" {
		name = t.String()
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
