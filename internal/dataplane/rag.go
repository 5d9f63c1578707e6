package dataplane

import (
	"context"

	"github.com/google/uuid"

	"github.com/secretariat-ai/secretariat/pkg/models"
)

// RAG is the typed client for the retrieval service that owns long-term
// memories and their embeddings.
type RAG struct {
	c *Client
}

// NewRAG wraps a service client pointed at the RAG service.
func NewRAG(c *Client) *RAG {
	return &RAG{c: c}
}

// Health probes the RAG service's health endpoint.
func (r *RAG) Health(ctx context.Context) error { return r.c.Health(ctx) }

// CreateMemoryRequest is the body for POST /api/memory.
type CreateMemoryRequest struct {
	UserID          int64             `json:"user_id"`
	AssistantID     *uuid.UUID        `json:"assistant_id,omitempty"`
	MemoryType      models.MemoryType `json:"memory_type"`
	Text            string            `json:"text"`
	Importance      int               `json:"importance"`
	SourceMessageID *int64            `json:"source_message_id,omitempty"`
}

// CreateMemory stores a memory; the RAG service embeds it on write.
func (r *RAG) CreateMemory(ctx context.Context, req CreateMemoryRequest) (*models.Memory, error) {
	req.Importance = models.ClampImportance(req.Importance)
	if !models.ValidMemoryType(req.MemoryType) {
		req.MemoryType = models.MemoryUserFact
	}
	var memory models.Memory
	if err := r.c.Post(ctx, "/api/memory", req, &memory); err != nil {
		return nil, err
	}
	return &memory, nil
}

// SearchMemoriesRequest is the body for POST /api/memory/search.
type SearchMemoriesRequest struct {
	Query     string  `json:"query"`
	UserID    int64   `json:"user_id"`
	Limit     int     `json:"limit,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

// SearchMemories runs a semantic search over one user's memories. Results
// arrive ordered by descending similarity.
func (r *RAG) SearchMemories(ctx context.Context, req SearchMemoriesRequest) ([]models.MemoryMatch, error) {
	var matches []models.MemoryMatch
	err := r.c.Post(ctx, "/api/memory/search", req, &matches)
	return matches, err
}
