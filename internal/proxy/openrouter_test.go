package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testMessages(t *testing.T) []ChatMessage {
	t.Helper()
	return []ChatMessage{{Role: "system", Content: "你是教师"}, {Role: "user", Content: "写一份教案"}}
}

func TestChat_Streaming(t *testing.T) {
	sseData := "data: {\"id\":\"gen-1\",\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\ndata: {\"id\":\"gen-1\",\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\ndata: [DONE]\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, sseData)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", srv.URL)
	rc, err := c.Chat(context.Background(), ChatRequest{
		Model:    "qwen/qwen-2.5-72b-instruct",
		Messages: testMessages(t),
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}

	if string(body) != sseData {
		t.Errorf("body = %q, want %q", string(body), sseData)
	}
}

func TestChat_NonStreaming(t *testing.T) {
	respJSON := `{"id":"gen-1","choices":[{"message":{"role":"assistant","content":"Hello!"}}]}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, respJSON)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", srv.URL)
	rc, err := c.Chat(context.Background(), ChatRequest{
		Model:    "qwen/qwen-2.5-72b-instruct",
		Messages: testMessages(t),
		Stream:   false,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}

	if string(body) != respJSON {
		t.Errorf("body = %q, want %q", string(body), respJSON)
	}
}

func TestChat_AuthHeader(t *testing.T) {
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"gen-1","choices":[]}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", srv.URL)
	rc, err := c.Chat(context.Background(), ChatRequest{
		Model:    "test",
		Messages: testMessages(t),
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	rc.Close()

	want := "Bearer test-key"
	if gotAuth != want {
		t.Errorf("Authorization = %q, want %q", gotAuth, want)
	}
}

func TestChat_RequestBody(t *testing.T) {
	var got map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	temp := 0.7
	c := NewClientWithBaseURL("test-key", srv.URL)
	rc, err := c.Chat(context.Background(), ChatRequest{
		Model:         "test",
		Messages:      testMessages(t),
		Stream:        true,
		MaxTokens:     2048,
		Temperature:   &temp,
		StreamOptions: &StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	rc.Close()

	if got["max_tokens"] != float64(2048) || got["temperature"] != 0.7 || got["stream"] != true {
		t.Errorf("body = %v", got)
	}
	opts, _ := got["stream_options"].(map[string]any)
	if opts["include_usage"] != true {
		t.Errorf("stream_options = %v", got["stream_options"])
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Errorf("messages = %v", got["messages"])
	}
}

func TestChat_ErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error":{"message":"insufficient credits","code":402}}`)
	}))
	defer srv.Close()

	_, err := NewClientWithBaseURL("k", srv.URL).Chat(context.Background(), ChatRequest{Model: "test", Messages: testMessages(t)})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want APIError", err)
	}
	if apiErr.Message != "insufficient credits" {
		t.Errorf("message = %q", apiErr.Message)
	}
}

var fastRetry = retryPolicy{attempts: 3, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond}

func TestChat_RateLimit_Retry(t *testing.T) {
	var attempt atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempt.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"gen-1","choices":[]}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", srv.URL)
	c.retry = fastRetry
	rc, err := c.Chat(context.Background(), ChatRequest{
		Model:    "test",
		Messages: testMessages(t),
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	rc.Close()

	if got := attempt.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestChat_RateLimit_Exhausted(t *testing.T) {
	var attempt atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", srv.URL)
	c.retry = fastRetry
	_, err := c.Chat(context.Background(), ChatRequest{
		Model:    "test",
		Messages: testMessages(t),
	})
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}

	if !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("error = %q, want it to contain %q", err.Error(), "rate limited")
	}

	if got := attempt.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestChat_ContextCancellation(t *testing.T) {
	handlerStarted := make(chan struct{})
	handlerDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(handlerStarted)
		// Write headers but delay the body to simulate a slow response.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// Block until test signals us to stop (after client cancel verified).
		<-handlerDone
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		c := NewClientWithBaseURL("test-key", srv.URL)
		rc, err := c.Chat(ctx, ChatRequest{
			Model:    "test",
			Messages: testMessages(t),
			Stream:   true,
		})
		if err != nil {
			done <- err
			return
		}
		// For streaming, Chat returns immediately with body. Reading should fail on cancel.
		_, err = io.ReadAll(rc)
		rc.Close()
		done <- err
	}()

	// Wait for the handler to start, then cancel the client context.
	<-handlerStarted
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after context cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Chat did not return promptly after context cancellation")
	}

	// Unblock the server handler so it can close cleanly.
	close(handlerDone)
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		list := ModelList{
			Object: "list",
			Data: []Model{
				{ID: "qwen/qwen-2.5-72b-instruct", Object: "model"},
				{ID: "openai/gpt-4o", Object: "model"},
				{ID: "meta/llama-3-70b", Object: "model"},
			},
		}
		json.NewEncoder(w).Encode(list)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", srv.URL)
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}

	if len(models) != 3 {
		t.Fatalf("got %d models, want 3", len(models))
	}

	want := []string{"qwen/qwen-2.5-72b-instruct", "openai/gpt-4o", "meta/llama-3-70b"}
	for i, w := range want {
		if models[i].ID != w {
			t.Errorf("models[%d].ID = %q, want %q", i, models[i].ID, w)
		}
	}
}

func TestListModels_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		list := ModelList{Object: "list", Data: nil}
		json.NewEncoder(w).Encode(list)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", srv.URL)
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}

	if len(models) != 0 {
		t.Errorf("got %d models, want 0", len(models))
	}
}

func TestChat_ServiceUnavailableRetried(t *testing.T) {
	var attempt atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempt.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"id":"gen-1","choices":[]}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", srv.URL)
	c.retry = fastRetry
	start := time.Now()
	rc, err := c.Chat(context.Background(), ChatRequest{Model: "test", Messages: testMessages(t)})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	rc.Close()

	if got := attempt.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	// Retry-After is capped by the policy's maxDelay.
	if elapsed := time.Since(start); elapsed > time.Second/2 {
		t.Errorf("retry waited %v, want it capped", elapsed)
	}
}

func TestChat_BadRequestNotRetried(t *testing.T) {
	var attempt atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"model not found","code":400}}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", srv.URL)
	c.retry = fastRetry
	_, err := c.Chat(context.Background(), ChatRequest{Model: "nope", Messages: testMessages(t)})
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("err = %v, want upstream message", err)
	}
	if got := attempt.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := retryPolicy{attempts: 4, baseDelay: 100 * time.Millisecond, maxDelay: time.Second}
	tests := []struct {
		attempt    int
		retryAfter time.Duration
		want       time.Duration
	}{
		{0, 0, 100 * time.Millisecond},
		{2, 0, 400 * time.Millisecond},
		{5, 0, time.Second},
		{0, 300 * time.Millisecond, 300 * time.Millisecond},
		{0, time.Minute, time.Second},
	}
	for _, tt := range tests {
		if got := p.delay(tt.attempt, tt.retryAfter); got != tt.want {
			t.Errorf("delay(%d, %v) = %v, want %v", tt.attempt, tt.retryAfter, got, tt.want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("3"); got != 3*time.Second {
		t.Errorf("seconds form = %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("empty = %v", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Errorf("garbage = %v", got)
	}
	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > time.Hour {
		t.Errorf("date form = %v", got)
	}
}
