// Package metrics aggregates generation outcomes.
package metrics

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kalambet/lessonforge/internal/lesson"
)

const meterName = "github.com/kalambet/lessonforge/metrics"

// Snapshot is a consistent-enough copy of the counters. Fields are read
// individually, so a snapshot taken during a Record call may be off by one
// request.
type Snapshot struct {
	Requests          int64   `json:"requests"`
	Succeeded         int64   `json:"succeeded"`
	Failed            int64   `json:"failed"`
	Cancelled         int64   `json:"cancelled"`
	FallbackUsed      int64   `json:"fallbackUsed"`
	CacheHits         int64   `json:"cacheHits"`
	PromptTokens      int64   `json:"promptTokens"`
	CompletionTokens  int64   `json:"completionTokens"`
	TotalDurationMs   int64   `json:"totalDurationMs"`
	AverageDurationMs float64 `json:"averageDurationMs"`
}

// Recorder keeps atomic aggregates and mirrors them into OTel instruments.
type Recorder struct {
	requests         atomic.Int64
	failed           atomic.Int64
	cancelled        atomic.Int64
	fallbacks        atomic.Int64
	cacheHits        atomic.Int64
	promptTokens     atomic.Int64
	completionTokens atomic.Int64
	durationMs       atomic.Int64

	requestCounter metric.Int64Counter
	tokenCounter   metric.Int64Counter
	duration       metric.Float64Histogram
}

// New creates a Recorder. A nil meter uses the global meter provider.
func New(meter metric.Meter) (*Recorder, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	r := &Recorder{}

	var err error
	r.requestCounter, err = meter.Int64Counter("lessonforge.generation.requests",
		metric.WithDescription("Generation requests by kind and outcome"))
	if err != nil {
		return nil, err
	}
	r.tokenCounter, err = meter.Int64Counter("lessonforge.generation.tokens",
		metric.WithDescription("Model tokens by kind and direction"))
	if err != nil {
		return nil, err
	}
	r.duration, err = meter.Float64Histogram("lessonforge.generation.duration",
		metric.WithDescription("End-to-end generation latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Record adds one outcome to the aggregates. The coordinator calls it
// directly for cancelled requests, which skip the observer list.
func (r *Recorder) Record(ctx context.Context, o lesson.Outcome) {
	r.requests.Add(1)
	r.durationMs.Add(o.DurationMs)
	switch {
	case o.Cancelled:
		r.cancelled.Add(1)
	case o.Failed:
		r.failed.Add(1)
	}
	if o.FallbackUsed {
		r.fallbacks.Add(1)
	}
	if o.CacheHit {
		r.cacheHits.Add(1)
	}

	kind := attribute.String("kind", string(o.Kind))
	attrs := metric.WithAttributes(kind, attribute.String("outcome", o.Status()))
	r.requestCounter.Add(ctx, 1, attrs)
	r.duration.Record(ctx, float64(o.DurationMs), attrs)

	if u := o.TokenUsage; u != nil {
		r.promptTokens.Add(int64(u.PromptTokens))
		r.completionTokens.Add(int64(u.CompletionTokens))
		r.tokenCounter.Add(ctx, int64(u.PromptTokens), metric.WithAttributes(kind, attribute.String("direction", "prompt")))
		r.tokenCounter.Add(ctx, int64(u.CompletionTokens), metric.WithAttributes(kind, attribute.String("direction", "completion")))
	}
}

// Observe lets the recorder sit in the coordinator's observer list.
func (r *Recorder) Observe(ctx context.Context, o lesson.Outcome) error {
	r.Record(ctx, o)
	return nil
}

func (r *Recorder) Snapshot() Snapshot {
	s := Snapshot{
		Requests:         r.requests.Load(),
		Failed:           r.failed.Load(),
		Cancelled:        r.cancelled.Load(),
		FallbackUsed:     r.fallbacks.Load(),
		CacheHits:        r.cacheHits.Load(),
		PromptTokens:     r.promptTokens.Load(),
		CompletionTokens: r.completionTokens.Load(),
		TotalDurationMs:  r.durationMs.Load(),
	}
	s.Succeeded = s.Requests - s.Failed - s.Cancelled
	if s.Requests > 0 {
		s.AverageDurationMs = float64(s.TotalDurationMs) / float64(s.Requests)
	}
	return s
}
