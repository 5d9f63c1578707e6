package models

import "time"

// QueueMessageLog is an append-only record of one queue delivery outcome.
type QueueMessageLog struct {
	MessageID     string    `json:"message_id"`
	Stream        string    `json:"stream"`
	UserID        int64     `json:"user_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Outcome       string    `json:"outcome"` // acked, retried, dead_lettered, error_acked
	RetryCount    int       `json:"retry_count"`
	Error         string    `json:"error,omitempty"`
	ProcessedAt   time.Time `json:"processed_at"`
}

// JobExecution is an append-only record of one background job run.
type JobExecution struct {
	JobName    string    `json:"job_name"`
	Status     string    `json:"status"` // succeeded, failed
	Detail     string    `json:"detail,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
