package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL   = "https://openrouter.ai/api/v1"
	defaultTimeout   = 60 * time.Second
	streamingTimeout = 300 * time.Second
	maxErrorBody     = 4096
)

// Client talks to the OpenRouter chat completions API. Timeouts come from
// the per-request context, so a long generation stream is not cut off by a
// client-wide deadline.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	retry      retryPolicy
	referer    string
	title      string
}

// NewClient creates an OpenRouter client with the given API key.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
		retry:      defaultRetryPolicy,
		referer:    "https://github.com/kalambet/lessonforge",
		title:      "lessonforge",
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	c := NewClient(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// Chat posts a chat completion request. For streaming requests the body
// holds SSE events; otherwise it is the complete JSON response. The caller
// closes the body. Throttled attempts are retried per the client's policy.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	timeout := defaultTimeout
	if req.Stream {
		timeout = streamingTimeout
	}

	return c.retry.do(ctx, func() (io.ReadCloser, error) {
		return c.post(ctx, "/chat/completions", body, timeout)
	})
}

func (c *Client) post(ctx context.Context, path string, body []byte, timeout time.Duration) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer cancel()
		return nil, statusError(resp)
	}

	// The timeout context lives as long as the body.
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// statusError drains a non-200 response into an error. Throttling statuses
// become *throttledError so the retry policy can recognize them.
func statusError(resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()

	if isThrottled(resp.StatusCode) {
		return &throttledError{
			status:     resp.StatusCode,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var wrapped struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(respBody, &wrapped) == nil && wrapped.Error != nil && wrapped.Error.Message != "" {
		return fmt.Errorf("unexpected status %d: %w", resp.StatusCode, wrapped.Error)
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// ListModels returns the models OpenRouter offers.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting models: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	defer resp.Body.Close()

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}
	if list.Data == nil {
		return []Model{}, nil
	}
	return list.Data, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	// OpenRouter attributes traffic by these two headers.
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)
}
