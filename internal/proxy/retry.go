package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// retryPolicy retries throttled requests with exponential backoff. A
// Retry-After header from the upstream wins over the computed delay, capped
// at maxDelay.
type retryPolicy struct {
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

var defaultRetryPolicy = retryPolicy{
	attempts:  3,
	baseDelay: 500 * time.Millisecond,
	maxDelay:  10 * time.Second,
}

// throttledError is returned for HTTP 429 and 503.
type throttledError struct {
	status     int
	retryAfter time.Duration
}

func (e *throttledError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isThrottled(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

func (p retryPolicy) do(ctx context.Context, fn func() (io.ReadCloser, error)) (io.ReadCloser, error) {
	var lastErr error
	for attempt := range p.attempts {
		rc, err := fn()
		if err == nil {
			return rc, nil
		}

		var te *throttledError
		if !errors.As(err, &te) {
			return nil, err
		}
		lastErr = err

		if attempt == p.attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.delay(attempt, te.retryAfter)):
		}
	}
	return nil, fmt.Errorf("rate limited after %d attempts: %w", p.attempts, lastErr)
}

func (p retryPolicy) delay(attempt int, retryAfter time.Duration) time.Duration {
	d := p.baseDelay << attempt
	if retryAfter > 0 {
		d = retryAfter
	}
	if d > p.maxDelay {
		d = p.maxDelay
	}
	return d
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
