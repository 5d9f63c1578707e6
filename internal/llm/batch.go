package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/secretariat-ai/secretariat/pkg/models"
)

// BatchRequest is one completion queued into a provider batch.
type BatchRequest struct {
	// CustomID threads caller identity through the batch; the provider
	// echoes it on the matching result line.
	CustomID  string
	Model     string
	System    string
	UserText  string
	MaxTokens int
}

// BatchResult is one completed line of a batch.
type BatchResult struct {
	CustomID string
	Content  string
	Err      string // non-empty when this line failed
}

// BatchHandle is the provider-side view of a submitted batch.
type BatchHandle struct {
	ProviderBatchID string
	State           models.BatchState
	OutputFileID    string
	Error           string
}

// BatchProvider submits asynchronous completion batches. Batches trade
// latency for cost: the extractor uses them because memory extraction has no
// user waiting on it.
type BatchProvider interface {
	Name() string
	// SubmitBatch uploads the requests and opens a batch.
	SubmitBatch(ctx context.Context, reqs []BatchRequest) (*BatchHandle, error)
	// BatchStatus polls one batch.
	BatchStatus(ctx context.Context, providerBatchID string) (*BatchHandle, error)
	// BatchResults downloads and parses a completed batch's output.
	BatchResults(ctx context.Context, handle *BatchHandle) ([]BatchResult, error)
}

// OpenAIBatchProvider implements BatchProvider over the OpenAI Batch API
// with the 24h completion window.
type OpenAIBatchProvider struct {
	client *openai.Client
}

// NewOpenAIBatchProvider creates a batch provider sharing the completion
// provider's credentials.
func NewOpenAIBatchProvider(apiKey, baseURL string) *OpenAIBatchProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIBatchProvider{client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAIBatchProvider) Name() string { return "openai" }

// SubmitBatch uploads a JSONL request file and opens the batch.
func (p *OpenAIBatchProvider) SubmitBatch(ctx context.Context, reqs []BatchRequest) (*BatchHandle, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("submit batch: no requests")
	}

	lines := make([]openai.BatchLineItem, 0, len(reqs))
	for _, req := range reqs {
		body := openai.ChatCompletionRequest{
			Model: req.Model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: req.System},
				{Role: openai.ChatMessageRoleUser, Content: req.UserText},
			},
		}
		if req.MaxTokens > 0 {
			body.MaxTokens = req.MaxTokens
		}
		lines = append(lines, openai.BatchChatCompletionRequest{
			CustomID: req.CustomID,
			Method:   "POST",
			URL:      openai.BatchEndpointChatCompletions,
			Body:     body,
		})
	}

	resp, err := p.client.CreateBatchWithUploadFile(ctx, openai.CreateBatchWithUploadFileRequest{
		Endpoint:         openai.BatchEndpointChatCompletions,
		CompletionWindow: "24h",
		UploadBatchFileRequest: openai.UploadBatchFileRequest{
			FileName: fmt.Sprintf("extraction-%d.jsonl", time.Now().UTC().Unix()),
			Lines:    lines,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("submit batch: %w", err)
	}
	return handleFromBatch(resp.Batch), nil
}

// BatchStatus polls the batch state.
func (p *OpenAIBatchProvider) BatchStatus(ctx context.Context, providerBatchID string) (*BatchHandle, error) {
	resp, err := p.client.RetrieveBatch(ctx, providerBatchID)
	if err != nil {
		return nil, fmt.Errorf("retrieve batch %s: %w", providerBatchID, err)
	}
	return handleFromBatch(resp.Batch), nil
}

// BatchResults downloads the output file and parses its JSONL lines.
func (p *OpenAIBatchProvider) BatchResults(ctx context.Context, handle *BatchHandle) ([]BatchResult, error) {
	if handle.OutputFileID == "" {
		return nil, fmt.Errorf("batch %s: no output file", handle.ProviderBatchID)
	}
	content, err := p.client.GetFileContent(ctx, handle.OutputFileID)
	if err != nil {
		return nil, fmt.Errorf("download batch output %s: %w", handle.OutputFileID, err)
	}
	defer content.Close()

	var results []BatchResult
	scanner := bufio.NewScanner(content)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		result, err := parseBatchLine(line)
		if err != nil {
			return nil, fmt.Errorf("batch %s: %w", handle.ProviderBatchID, err)
		}
		results = append(results, result)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read batch output: %w", err)
	}
	return results, nil
}

// batchOutputLine is one JSONL row of an OpenAI batch output file.
type batchOutputLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int                           `json:"status_code"`
		Body       openai.ChatCompletionResponse `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseBatchLine(line []byte) (BatchResult, error) {
	var row batchOutputLine
	if err := json.Unmarshal(line, &row); err != nil {
		return BatchResult{}, fmt.Errorf("parse output line: %w", err)
	}
	result := BatchResult{CustomID: row.CustomID}
	switch {
	case row.Error != nil:
		result.Err = row.Error.Message
	case row.Response == nil:
		result.Err = "missing response"
	case row.Response.StatusCode >= 400:
		result.Err = fmt.Sprintf("status %d", row.Response.StatusCode)
	case len(row.Response.Body.Choices) == 0:
		result.Err = "empty choices"
	default:
		result.Content = row.Response.Body.Choices[0].Message.Content
	}
	return result, nil
}

// handleFromBatch maps the provider's batch states onto ours.
func handleFromBatch(batch openai.Batch) *BatchHandle {
	handle := &BatchHandle{ProviderBatchID: batch.ID}
	switch batch.Status {
	case "validating", "in_progress", "finalizing":
		handle.State = models.BatchProcessing
	case "completed":
		handle.State = models.BatchCompleted
	case "failed":
		handle.State = models.BatchFailed
	case "expired":
		handle.State = models.BatchExpired
	case "cancelling", "cancelled":
		handle.State = models.BatchCancelled
	default:
		handle.State = models.BatchPending
	}
	if batch.OutputFileID != nil {
		handle.OutputFileID = *batch.OutputFileID
	}
	if handle.State == models.BatchFailed || handle.State == models.BatchExpired {
		handle.Error = "batch " + batch.Status
	}
	return handle
}
