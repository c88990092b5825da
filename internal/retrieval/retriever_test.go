package retrieval

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/lessonforge/internal/logging"
)

func captureLogs(t *testing.T) (context.Context, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return logging.WithLogger(context.Background(), logger), &buf
}

func TestFetch_ReturnsNormalizedResult(t *testing.T) {
	var gotQuery string
	var gotFilters Filters
	s := SearcherFunc(func(ctx context.Context, q string, f Filters) (SearchResult, error) {
		gotQuery, gotFilters = q, f
		return SearchResult{
			Context: "  光的折射现象  ",
			Sources: []string{"课本A", "课本A", " ", "课本B"},
			Total:   7,
		}, nil
	})

	r := NewRetriever(s, 3)
	res := r.Fetch(context.Background(), Query{Text: "光的折射", Subject: "物理", Grade: "八年级"})

	if gotQuery != "光的折射" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotFilters != (Filters{Subject: "物理", Grade: "八年级", Limit: 3}) {
		t.Errorf("filters = %+v", gotFilters)
	}
	if res.Context != "光的折射现象" {
		t.Errorf("Context = %q", res.Context)
	}
	if len(res.Sources) != 2 || res.Sources[0] != "课本A" || res.Sources[1] != "课本B" {
		t.Errorf("Sources = %v, want [课本A 课本B]", res.Sources)
	}
	if res.TotalResults != 7 || res.UsedResults != 2 {
		t.Errorf("TotalResults/UsedResults = %d/%d, want 7/2", res.TotalResults, res.UsedResults)
	}
	if res.TimedOut {
		t.Error("TimedOut should be false")
	}
}

func TestFetch_TruncatesByRunes(t *testing.T) {
	s := SearcherFunc(func(ctx context.Context, q string, f Filters) (SearchResult, error) {
		return SearchResult{Context: strings.Repeat("字", 50), Sources: []string{"s"}}, nil
	})

	res := NewRetriever(s, 0).Fetch(context.Background(), Query{Text: "q", MaxChars: 10})
	if res.Context != strings.Repeat("字", 10) {
		t.Errorf("Context = %q, want 10 runes", res.Context)
	}
}

func TestFetch_EmptyContextDropsSources(t *testing.T) {
	s := SearcherFunc(func(ctx context.Context, q string, f Filters) (SearchResult, error) {
		return SearchResult{Context: "   ", Sources: []string{"orphan"}}, nil
	})

	res := NewRetriever(s, 0).Fetch(context.Background(), Query{Text: "q"})
	if res.Context != "" || len(res.Sources) != 0 || res.UsedResults != 0 {
		t.Errorf("got %+v, want empty context and sources", res)
	}
}

func TestFetch_TimeoutWithUncooperativeSearcher(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s := SearcherFunc(func(ctx context.Context, q string, f Filters) (SearchResult, error) {
		<-release // ignores ctx on purpose
		return SearchResult{Context: "late"}, nil
	})

	const (
		timeout   = 50 * time.Millisecond
		epsilon   = 50 * time.Millisecond
		schedSlop = 25 * time.Millisecond
	)
	ctx, logs := captureLogs(t)
	start := time.Now()
	res := NewRetriever(s, 0).Fetch(ctx, Query{Text: "q", Timeout: timeout})
	elapsed := time.Since(start)

	if !res.TimedOut || res.Context != "" || len(res.Sources) != 0 {
		t.Errorf("got %+v, want timed-out empty result", res)
	}
	if elapsed < timeout || elapsed > timeout+epsilon+schedSlop {
		t.Errorf("Fetch took %v, want between %v and %v", elapsed, timeout, timeout+epsilon+schedSlop)
	}
	if !strings.Contains(logs.String(), "retrieval timeout") {
		t.Errorf("expected timeout log line, got %q", logs.String())
	}
}

func TestFetch_TimeoutCancelsSearchContext(t *testing.T) {
	cancelled := make(chan struct{})
	s := SearcherFunc(func(ctx context.Context, q string, f Filters) (SearchResult, error) {
		<-ctx.Done()
		close(cancelled)
		return SearchResult{}, ctx.Err()
	})

	NewRetriever(s, 0).Fetch(context.Background(), Query{Text: "q", Timeout: 20 * time.Millisecond})

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("search context was not cancelled after timeout")
	}
}

func TestFetch_SearcherErrorIsAbsorbed(t *testing.T) {
	s := SearcherFunc(func(ctx context.Context, q string, f Filters) (SearchResult, error) {
		return SearchResult{}, errors.New("index unavailable")
	})

	ctx, logs := captureLogs(t)
	res := NewRetriever(s, 0).Fetch(ctx, Query{Text: "q"})
	if !res.TimedOut || res.Context != "" {
		t.Errorf("got %+v, want empty timed-out result", res)
	}
	if !strings.Contains(logs.String(), "index unavailable") {
		t.Errorf("expected searcher error in logs, got %q", logs.String())
	}
}

func TestFetch_ParentCancelled(t *testing.T) {
	s := SearcherFunc(func(ctx context.Context, q string, f Filters) (SearchResult, error) {
		<-ctx.Done()
		return SearchResult{}, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := NewRetriever(s, 0).Fetch(ctx, Query{Text: "q", Timeout: time.Second})
	if !res.TimedOut {
		t.Errorf("got %+v, want TimedOut", res)
	}
}

func TestFetch_NilSearcherOrEmptyQuery(t *testing.T) {
	var r *Retriever
	if res := r.Fetch(context.Background(), Query{Text: "q"}); res.Context != "" || res.TimedOut {
		t.Errorf("nil retriever: got %+v", res)
	}

	called := false
	s := SearcherFunc(func(ctx context.Context, q string, f Filters) (SearchResult, error) {
		called = true
		return SearchResult{}, nil
	})
	NewRetriever(s, 0).Fetch(context.Background(), Query{Text: "   "})
	if called {
		t.Error("searcher should not be called for an empty query")
	}
}
