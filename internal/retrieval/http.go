package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPSearcher calls an external retrieval service that answers
// POST {baseURL}/search with {"context": "...", "sources": [...]}.
type HTTPSearcher struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPSearcher creates a searcher for the given service URL. The
// Retriever owns the timeout, so the client has none of its own.
func NewHTTPSearcher(baseURL string) *HTTPSearcher {
	return &HTTPSearcher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

type searchRequest struct {
	Query   string  `json:"query"`
	Filters Filters `json:"filters"`
}

type searchResponse struct {
	Context      string   `json:"context"`
	Sources      []string `json:"sources"`
	TotalResults int      `json:"totalResults,omitempty"`
}

func (s *HTTPSearcher) Search(ctx context.Context, query string, f Filters) (SearchResult, error) {
	body, err := json.Marshal(searchRequest{Query: query, Filters: f})
	if err != nil {
		return SearchResult{}, fmt.Errorf("marshaling search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return SearchResult{}, fmt.Errorf("creating search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return SearchResult{}, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return SearchResult{}, fmt.Errorf("search: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SearchResult{}, fmt.Errorf("decoding search response: %w", err)
	}
	return SearchResult{Context: out.Context, Sources: out.Sources, Total: out.TotalResults}, nil
}
