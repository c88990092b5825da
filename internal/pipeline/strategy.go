package pipeline

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/codes"

	"github.com/kalambet/lessonforge/internal/composer"
	"github.com/kalambet/lessonforge/internal/fallback"
	"github.com/kalambet/lessonforge/internal/lesson"
	"github.com/kalambet/lessonforge/internal/stream"
)

// errProviderDisabled is the model strategy's result when no provider is
// configured.
var errProviderDisabled = errors.New("model provider disabled")

// attempt is the value a strategy returns. text is exactly what the
// strategy wrote to the sink.
type attempt struct {
	text     string
	usage    *lesson.Usage
	err      error
	fallback bool
}

// strategy produces content for a request. prior is the previous failed
// attempt in the chain, zero for the first strategy.
type strategy struct {
	name string
	run  func(ctx context.Context, req lesson.Request, b composer.Bundle, prior attempt, w stream.Writer) attempt
}

func (c *Coordinator) strategies() []strategy {
	return []strategy{
		{name: "model", run: c.runModel},
		{name: "fallback", run: c.runFallback},
	}
}

func (c *Coordinator) runModel(ctx context.Context, _ lesson.Request, b composer.Bundle, _ attempt, w stream.Writer) attempt {
	if c.generator == nil {
		return attempt{err: errProviderDisabled}
	}
	ctx, span := c.tracer.Start(ctx, "strategy.model")
	defer span.End()

	res, err := c.generator.Run(ctx, b, c.cfg.Model, w)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return attempt{text: res.FullText, usage: res.Usage, err: err}
}

// runFallback streams the template document. When the model already wrote
// part of its answer, an error line and a section header are written first
// so the boundary between real and templated text is visible.
func (c *Coordinator) runFallback(ctx context.Context, req lesson.Request, _ composer.Bundle, prior attempt, w stream.Writer) attempt {
	ctx, span := c.tracer.Start(ctx, "strategy.fallback")
	defer span.End()

	var sb strings.Builder
	a := attempt{fallback: true}

	if prior.text != "" {
		marker := "\n\n" + errorMarker + errorMessage(prior.err)
		if err := w.Write(marker); err != nil {
			a.err = err
			return a
		}
		sb.WriteString(marker)
	}

	doc, err := c.synthesize(req.Kind, req.Subject, req.Grade, req.Topic)
	if err != nil {
		var fe *lesson.FallbackError
		if !errors.As(err, &fe) {
			err = &lesson.FallbackError{Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.text, a.err = sb.String(), err
		return a
	}

	if prior.text != "" {
		doc = fallback.SectionHeader + doc
	}
	if err := w.Write(doc); err != nil {
		a.text, a.err = sb.String(), err
		return a
	}
	sb.WriteString(doc)
	a.text = sb.String()
	return a
}

const errorMarker = "AI服务错误: "

func errorMessage(err error) string {
	if err == nil {
		return "未知错误"
	}
	var pe *stream.ProviderError
	if errors.As(err, &pe) && pe.Err != nil {
		return pe.Err.Error()
	}
	return err.Error()
}
