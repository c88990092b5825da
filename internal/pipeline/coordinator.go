package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/lessonforge/internal/cache"
	"github.com/kalambet/lessonforge/internal/composer"
	"github.com/kalambet/lessonforge/internal/fallback"
	"github.com/kalambet/lessonforge/internal/lesson"
	"github.com/kalambet/lessonforge/internal/logging"
	"github.com/kalambet/lessonforge/internal/metrics"
	"github.com/kalambet/lessonforge/internal/retrieval"
	"github.com/kalambet/lessonforge/internal/stream"
)

const tracerName = "github.com/kalambet/lessonforge/pipeline"

// Observer receives every finished outcome. Errors are logged and never
// reach the client.
type Observer interface {
	Observe(ctx context.Context, o lesson.Outcome) error
}

// Config holds the per-coordinator tunables.
type Config struct {
	IDPrefix          string
	RetrievalTimeout  time.Duration
	RetrievalMaxChars int
	Model             stream.Params
}

// Deps are the collaborators of a Coordinator. Any of them may be nil; a
// nil Metrics gets a recorder on the global meter provider.
type Deps struct {
	Generator *stream.Generator
	Retriever *retrieval.Retriever
	Cache     *cache.Cache
	Metrics   *metrics.Recorder
	Observers []Observer

	// RetrievalName labels the retrieval backend in Status.
	RetrievalName string
}

// Coordinator runs generation requests end to end.
type Coordinator struct {
	ids           *lesson.IDSource
	generator     *stream.Generator
	retriever     *retrieval.Retriever
	cache         *cache.Cache
	metrics       *metrics.Recorder
	observers     []Observer
	retrievalName string
	synthesize    func(kind lesson.Kind, subject, grade, topic string) (string, error)

	cfg     Config
	tracer  trace.Tracer
	now     func() time.Time
	started time.Time
}

// New creates a Coordinator. The metrics recorder is always the first
// observer, followed by d.Observers in order.
func New(d Deps, cfg Config) *Coordinator {
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = retrieval.DefaultTimeout
	}
	if cfg.RetrievalMaxChars <= 0 {
		cfg.RetrievalMaxChars = retrieval.DefaultMaxChars
	}
	if d.Metrics == nil {
		// The global meter provider never rejects instrument creation.
		d.Metrics, _ = metrics.New(nil)
	}
	observers := make([]Observer, 0, len(d.Observers)+1)
	observers = append(observers, d.Metrics)
	for _, o := range d.Observers {
		if o != nil {
			observers = append(observers, o)
		}
	}
	return &Coordinator{
		ids:           lesson.NewIDSource(cfg.IDPrefix),
		generator:     d.Generator,
		retriever:     d.Retriever,
		cache:         d.Cache,
		metrics:       d.Metrics,
		observers:     observers,
		retrievalName: d.RetrievalName,
		synthesize:    fallback.Synthesize,
		cfg:           cfg,
		tracer:        otel.Tracer(tracerName),
		now:           time.Now,
		started:       time.Now(),
	}
}

// NextID issues a correlation ID from this coordinator's source.
func (c *Coordinator) NextID() string {
	return c.ids.Next()
}

// Generate validates the request, then streams a document into sink. The
// sink is closed exactly once before Generate returns, with the error that
// ended the request or nil.
//
// After the sink reports a disconnect or ctx is cancelled, nothing else is
// written, the cache is left untouched and observers are not called.
func (c *Coordinator) Generate(ctx context.Context, kind lesson.Kind, params lesson.Params, sink stream.Sink) (out lesson.Outcome) {
	start := c.now()
	gs := newGuardedSink(sink)

	id := c.ids.Next()
	logger := logging.FromContext(ctx).With("request_id", id, "kind", string(kind))
	ctx = logging.WithLogger(ctx, logger)

	ctx, span := c.tracer.Start(ctx, "generate", trace.WithAttributes(
		attribute.String("request.id", id),
		attribute.String("request.kind", string(kind)),
	))
	defer span.End()

	out = lesson.Outcome{RequestID: id, Kind: kind, Subject: params.Subject, Grade: params.Grade, Topic: params.Topic}
	defer func() {
		out.DurationMs = c.now().Sub(start).Milliseconds()
		gs.Close(out.Err)
		if out.Err != nil {
			span.SetStatus(codes.Error, out.Err.Error())
		}
		span.SetAttributes(attribute.String("outcome", out.Status()))
		c.finish(ctx, out)
	}()

	p, err := lesson.Validate(kind, params)
	if err != nil {
		logger.Info("request rejected", "error", err)
		out.Failed, out.Err = true, err
		return out
	}
	req := lesson.Request{ID: id, Kind: kind, Params: p, CreatedAt: start}
	out.Subject, out.Grade, out.Topic = p.Subject, p.Grade, p.Topic

	if text, ok := c.lookupCache(req); ok {
		out.CacheHit = true
		if err := gs.Write(text); err != nil {
			out.Cancelled = true
			return out
		}
		out.FullText = text
		logger.Info("served from cache", "chars", len(text))
		return out
	}

	rr := c.retrieve(ctx, req)

	_, promptSpan := c.tracer.Start(ctx, "prompt")
	bundle, err := composer.Build(req, rr)
	promptSpan.End()
	if err != nil {
		logger.Error("prompt construction failed", "error", err)
		out.Failed, out.Err = true, err
		return out
	}

	var full strings.Builder
	var prior attempt
	for _, s := range c.strategies() {
		a := s.run(ctx, req, bundle, prior, gs)
		full.WriteString(a.text)
		if a.usage != nil {
			out.TokenUsage = a.usage
		}
		if a.fallback {
			out.FallbackUsed = true
		}
		if a.err == nil {
			out.FullText = full.String()
			out.Failed, out.Err = false, nil
			break
		}
		if isDisconnect(ctx, a.err) {
			logger.Info("client disconnected", "strategy", s.name, "written", gs.Written())
			out.FullText = full.String()
			out.Cancelled = true
			return out
		}
		logger.Warn("generation strategy failed", "strategy", s.name, "error", a.err)
		out.FullText = full.String()
		out.Failed, out.Err = true, a.err
		prior = a
	}

	if !out.Failed && !out.FallbackUsed && c.cache != nil && cache.Cacheable(req, out.FullText) {
		c.cache.Set(cache.KeyFor(req), out.FullText)
	}
	return out
}

func (c *Coordinator) lookupCache(req lesson.Request) (string, bool) {
	if c.cache == nil || !req.Kind.Structured() {
		return "", false
	}
	return c.cache.Get(cache.KeyFor(req))
}

// retrieve fetches reference material for structured kinds. Failures are
// absorbed by the retriever into an empty result.
func (c *Coordinator) retrieve(ctx context.Context, req lesson.Request) retrieval.Result {
	if c.retriever == nil || !req.Kind.Structured() {
		return retrieval.Result{}
	}
	ctx, span := c.tracer.Start(ctx, "retrieval")
	defer span.End()

	res := c.retriever.Fetch(ctx, retrieval.Query{
		Text:     strings.TrimSpace(req.Topic + " " + req.Requirements),
		Subject:  req.Subject,
		Grade:    req.Grade,
		MaxChars: c.cfg.RetrievalMaxChars,
		Timeout:  c.cfg.RetrievalTimeout,
	})
	span.SetAttributes(
		attribute.Int("retrieval.used", res.UsedResults),
		attribute.Bool("retrieval.timed_out", res.TimedOut),
	)
	return res
}

// finish hands the outcome to observers. A cancelled request only reaches
// the metrics counters.
func (c *Coordinator) finish(ctx context.Context, out lesson.Outcome) {
	logger := logging.FromContext(ctx)
	if out.Cancelled {
		logger.Info("generation cancelled", "duration_ms", out.DurationMs)
		c.metrics.Record(context.WithoutCancel(ctx), out)
		return
	}

	attrs := []any{"status", out.Status(), "duration_ms", out.DurationMs, "chars", len(out.FullText)}
	if out.TokenUsage != nil {
		attrs = append(attrs, "total_tokens", out.TokenUsage.TotalTokens)
	}
	logger.Info("generation finished", attrs...)

	octx := context.WithoutCancel(ctx)
	for _, o := range c.observers {
		if err := o.Observe(octx, out); err != nil {
			logger.Warn("outcome observer failed", "error", err)
		}
	}
}

func isDisconnect(ctx context.Context, err error) bool {
	return errors.Is(err, stream.ErrClientGone) ||
		errors.Is(err, context.Canceled) ||
		ctx.Err() != nil
}

// Status is the service summary served by the status endpoint.
type Status struct {
	Provider        string           `json:"provider"`
	Model           string           `json:"model,omitempty"`
	ProviderEnabled bool             `json:"providerEnabled"`
	MaxTokens       int              `json:"maxTokens"`
	Temperature     *float64         `json:"temperature,omitempty"`
	Retrieval       string           `json:"retrieval"`
	CacheEnabled    bool             `json:"cacheEnabled"`
	Cache           *cache.Stats     `json:"cache,omitempty"`
	Metrics         metrics.Snapshot `json:"metrics"`
	UptimeSeconds   int64            `json:"uptimeSeconds"`
}

// Status reports configuration and live counters.
func (c *Coordinator) Status() Status {
	s := Status{
		Provider:      "fallback",
		MaxTokens:     c.cfg.Model.MaxTokens,
		Temperature:   c.cfg.Model.Temperature,
		Retrieval:     "none",
		Metrics:       c.metrics.Snapshot(),
		UptimeSeconds: int64(time.Since(c.started).Seconds()),
	}
	if c.generator != nil {
		p := c.generator.Provider()
		s.Provider, s.Model, s.ProviderEnabled = p.Name(), p.Model(), true
		if c.cfg.Model.Model != "" {
			s.Model = c.cfg.Model.Model
		}
	}
	if c.retriever != nil {
		s.Retrieval = c.retrievalName
		if s.Retrieval == "" {
			s.Retrieval = "enabled"
		}
	}
	if c.cache != nil {
		st := c.cache.Stats()
		s.CacheEnabled, s.Cache = true, &st
	}
	return s
}

var _ Observer = (*metrics.Recorder)(nil)
