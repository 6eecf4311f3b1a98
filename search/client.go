// Package search provides a thin client for the Tavily web search API.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/rival-labs/rival-agent/rerrors"
)

const (
	defaultBaseURL = "https://api.tavily.com"
	requestTimeout = 10 * time.Second
)

// Result is one web source returned by the search API.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// Response is the search payload consumed by the agent. Results and Images
// are always non-nil so callers can range without nil checks.
type Response struct {
	Query   string   `json:"query"`
	Answer  string   `json:"answer,omitempty"`
	Results []Result `json:"results"`
	Images  []string `json:"images"`
}

// Client talks to the Tavily /search endpoint. The API key travels in the
// request body, which is how the service authenticates callers.
type Client struct {
	apiKey  string
	baseURL string
	httpc   *http.Client
	log     zerolog.Logger
}

// NewClient builds a search client. The key may be empty; Search then fails
// with a configuration error instead of an HTTP 401.
func NewClient(apiKey string, log zerolog.Logger) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		httpc:   &http.Client{Timeout: requestTimeout},
		log:     log.With().Str("component", "search").Logger(),
	}
}

type searchRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	IncludeImages bool   `json:"include_images"`
}

// Search runs a web search for the query.
func (c *Client) Search(ctx context.Context, query string) (*Response, error) {
	if c.apiKey == "" {
		return nil, rerrors.NewConfigError("search API key is not configured")
	}

	body, err := json.Marshal(searchRequest{
		APIKey:        c.apiKey,
		Query:         query,
		IncludeImages: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.log.Debug().Str("query", query).Msg("searching")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, rerrors.NewNetworkError("search request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, rerrors.NewRPCError(
			fmt.Sprintf("search API returned status %d: %s", resp.StatusCode, string(snippet)), nil)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, rerrors.NewDecodeError("failed to decode search response", err)
	}
	if out.Results == nil {
		out.Results = []Result{}
	}
	if out.Images == nil {
		out.Images = []string{}
	}

	c.log.Debug().Int("results", len(out.Results)).Int("images", len(out.Images)).Msg("search complete")
	return &out, nil
}
