package retrieval

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/lessonforge/internal/logging"
)

const (
	// DefaultTimeout bounds retrieval on the interactive generation path.
	DefaultTimeout = 3 * time.Second
	// BatchTimeout bounds retrieval for non-interactive callers such as the CLI.
	BatchTimeout = 10 * time.Second

	DefaultMaxChars = 4000
	defaultLimit    = 5
)

// ErrTimeout is logged when the searcher does not answer in time.
var ErrTimeout = errors.New("retrieval timeout")

// Filters narrows a search to a subject and grade.
type Filters struct {
	Subject string `json:"subject,omitempty"`
	Grade   string `json:"grade,omitempty"`
	Limit   int    `json:"limit"`
}

// SearchResult is the raw answer of a Searcher.
type SearchResult struct {
	Context string
	Sources []string
	Total   int
}

// Searcher is the retrieval capability owned by the indexing subsystem.
type Searcher interface {
	Search(ctx context.Context, query string, f Filters) (SearchResult, error)
}

// SearcherFunc adapts a function to Searcher.
type SearcherFunc func(ctx context.Context, query string, f Filters) (SearchResult, error)

func (fn SearcherFunc) Search(ctx context.Context, query string, f Filters) (SearchResult, error) {
	return fn(ctx, query, f)
}

// Result is the normalized retrieval outcome for one request.
// An empty Context always comes with empty Sources.
type Result struct {
	Context      string
	Sources      []string
	TotalResults int
	UsedResults  int
	TimedOut     bool
}

// Query describes one Fetch call.
type Query struct {
	Text     string
	Subject  string
	Grade    string
	MaxChars int
	Timeout  time.Duration
}

// Retriever wraps a Searcher with a hard timeout and failure absorption.
type Retriever struct {
	searcher Searcher
	limit    int
}

// NewRetriever creates a Retriever. limit <= 0 uses 5 results.
func NewRetriever(s Searcher, limit int) *Retriever {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Retriever{searcher: s, limit: limit}
}

type searchOutcome struct {
	res SearchResult
	err error
}

// Fetch runs a single search bounded by q.Timeout. It never returns an
// error: a timeout, a searcher error or a cancelled parent context all
// produce an empty Result with TimedOut set.
//
// The search runs in its own goroutine and its context is cancelled when
// Fetch returns. A searcher that ignores cancellation keeps its goroutine
// until it returns on its own; Fetch does not wait for it.
func (r *Retriever) Fetch(ctx context.Context, q Query) Result {
	if r == nil || r.searcher == nil || strings.TrimSpace(q.Text) == "" {
		return Result{}
	}
	logger := logging.FromContext(ctx)

	timeout := q.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxChars := q.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	searchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan searchOutcome, 1)
	filters := Filters{Subject: q.Subject, Grade: q.Grade, Limit: r.limit}
	go func() {
		res, err := r.searcher.Search(searchCtx, q.Text, filters)
		done <- searchOutcome{res: res, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	start := time.Now()
	select {
	case out := <-done:
		if out.err != nil {
			logger.Warn("retrieval failed", "error", out.err, "elapsed_ms", time.Since(start).Milliseconds())
			return Result{TimedOut: true}
		}
		return normalize(out.res, maxChars)
	case <-timer.C:
		logger.Warn("retrieval timeout", "error", ErrTimeout, "timeout_ms", timeout.Milliseconds())
		return Result{TimedOut: true}
	case <-ctx.Done():
		logger.Warn("retrieval abandoned", "error", ctx.Err())
		return Result{TimedOut: true}
	}
}

func normalize(res SearchResult, maxChars int) Result {
	text := truncate(strings.TrimSpace(res.Context), maxChars)
	total := res.Total
	if total < len(res.Sources) {
		total = len(res.Sources)
	}
	if text == "" {
		return Result{TotalResults: total}
	}

	sources := make([]string, 0, len(res.Sources))
	seen := make(map[string]bool, len(res.Sources))
	for _, s := range res.Sources {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		sources = append(sources, s)
	}

	return Result{
		Context:      text,
		Sources:      sources,
		TotalResults: total,
		UsedResults:  len(sources),
	}
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
