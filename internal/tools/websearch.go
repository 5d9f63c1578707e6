package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/secretariat-ai/secretariat/internal/infra"
)

const (
	tavilyEndpoint = "https://api.tavily.com/search"

	searchMaxResults     = 10
	searchDefaultResults = 5
	searchCacheTTL       = 5 * time.Minute
	searchCacheSize      = 500
)

// TavilyClient calls the Tavily search API. Responses are cached briefly so
// a model re-asking the same query within a run does not burn quota.
type TavilyClient struct {
	apiKey string
	http   *http.Client
	cache  *infra.TTLCache[string, string]
}

// NewTavilyClient creates the shared search client.
func NewTavilyClient(apiKey string) *TavilyClient {
	return &TavilyClient{
		apiKey: apiKey,
		http:   &http.Client{Timeout: 30 * time.Second},
		cache: infra.NewTTLCache[string, string](infra.CacheConfig{
			DefaultTTL: searchCacheTTL,
			MaxSize:    searchCacheSize,
		}),
	}
}

type tavilyRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results"`
}

type tavilyResponse struct {
	Answer  string `json:"answer,omitempty"`
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search runs one query and renders the results for the model.
func (c *TavilyClient) Search(ctx context.Context, query, depth string, maxResults int) (string, error) {
	cacheKey := fmt.Sprintf("%s|%s|%d", query, depth, maxResults)
	if cached, ok := c.cache.Get(cacheKey); ok {
		return cached, nil
	}

	body, err := json.Marshal(tavilyRequest{
		APIKey:      c.apiKey,
		Query:       query,
		SearchDepth: depth,
		MaxResults:  maxResults,
	})
	if err != nil {
		return "", fmt.Errorf("encode search request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tavilyEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("search returned status %d: %s", resp.StatusCode, detail)
	}

	var decoded tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode search response: %w", err)
	}

	rendered := renderSearchResults(query, &decoded)
	c.cache.Set(cacheKey, rendered)
	return rendered, nil
}

func renderSearchResults(query string, resp *tavilyResponse) string {
	if len(resp.Results) == 0 {
		return fmt.Sprintf("No results for %q.", query)
	}
	var b strings.Builder
	if resp.Answer != "" {
		fmt.Fprintf(&b, "Answer: %s\n\n", resp.Answer)
	}
	fmt.Fprintf(&b, "Results for %q:\n", query)
	for i, r := range resp.Results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, strings.TrimSpace(r.Content))
	}
	return strings.TrimRight(b.String(), "\n")
}

// WebSearchTool proxies to the search provider with clamped parameters.
type WebSearchTool struct {
	client *TavilyClient
}

// NewWebSearchTool wraps the shared search client.
func NewWebSearchTool(client *TavilyClient) *WebSearchTool {
	return &WebSearchTool{client: client}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web. Use depth=deep for thorough research, depth=basic for quick lookups."
}

type webSearchInput struct {
	Query      string `json:"query" jsonschema:"required" jsonschema_description:"The search query."`
	Depth      string `json:"depth,omitempty" jsonschema:"enum=basic,enum=deep" jsonschema_description:"Search depth, default basic."`
	MaxResults int    `json:"max_results,omitempty" jsonschema_description:"Number of results, 1-10, default 5."`
}

func (t *WebSearchTool) Schema() json.RawMessage {
	return deriveSchema("web_search", &webSearchInput{})
}

func (t *WebSearchTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var input webSearchInput
	if err := decodeArgs(args, &input); err != nil {
		return "", err
	}
	if strings.TrimSpace(input.Query) == "" {
		return "", Errorf(ErrCodeInvalidArgs, "query is required")
	}

	depth, maxResults := clampSearchParams(input.Depth, input.MaxResults)
	result, err := t.client.Search(ctx, input.Query, depth, maxResults)
	if err != nil {
		return "", Errorf(ErrCodeUpstream, "web search: %v", err)
	}
	return result, nil
}

// clampSearchParams forces depth into {basic, deep} ("advanced" on the
// wire) and results into [1, 10].
func clampSearchParams(depth string, maxResults int) (string, int) {
	switch strings.ToLower(depth) {
	case "deep":
		depth = "advanced"
	default:
		depth = "basic"
	}
	if maxResults > searchMaxResults {
		maxResults = searchMaxResults
	} else if maxResults < 1 {
		maxResults = searchDefaultResults
	}
	return depth, maxResults
}
