package models

import (
	"time"

	"github.com/google/uuid"
)

// BatchState is the lifecycle of a provider-side batch extraction job.
type BatchState string

const (
	BatchPending    BatchState = "pending"
	BatchProcessing BatchState = "processing"
	BatchCompleted  BatchState = "completed"
	BatchFailed     BatchState = "failed"
	BatchExpired    BatchState = "expired"
	BatchCancelled  BatchState = "cancelled"
)

// Open reports whether the job still needs polling.
func (s BatchState) Open() bool {
	return s == BatchPending || s == BatchProcessing
}

// BatchJob tracks one user's submitted extraction batch so interrupted runs
// can resume polling instead of re-submitting.
type BatchJob struct {
	ID                uuid.UUID  `json:"id"`
	UserID            int64      `json:"user_id"`
	Provider          string     `json:"provider"`
	ProviderBatchID   string     `json:"provider_batch_id"`
	Status            BatchState `json:"status"`
	Model             string     `json:"model"`
	MessagesProcessed int        `json:"messages_processed"`
	WindowStart       time.Time  `json:"window_start"`
	WindowEnd         time.Time  `json:"window_end"`
	FactsExtracted    int        `json:"facts_extracted,omitempty"`
	Error             string     `json:"error,omitempty"`
	SubmittedAt       time.Time  `json:"submitted_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// GlobalSettings gates and tunes the memory extraction pipeline.
type GlobalSettings struct {
	MemoryExtractionEnabled bool    `json:"memory_extraction_enabled"`
	ExtractionProvider      string  `json:"extraction_provider"`
	ExtractionModel         string  `json:"extraction_model"`
	MemoryDedupThreshold    float64 `json:"memory_dedup_threshold"`
	MinMessages             int     `json:"min_messages"`
	ConversationFetchLimit  int     `json:"conversation_fetch_limit"`
}
