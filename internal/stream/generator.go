package stream

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/kalambet/lessonforge/internal/composer"
	"github.com/kalambet/lessonforge/internal/lesson"
	"github.com/kalambet/lessonforge/internal/logging"
)

// Result is what a completed stream produced.
type Result struct {
	FullText  string
	Usage     *lesson.Usage
	Malformed int
}

// Generator drives one provider stream into a writer.
type Generator struct {
	provider Provider
}

func NewGenerator(p Provider) *Generator {
	return &Generator{provider: p}
}

// Provider returns the underlying provider.
func (g *Generator) Provider() Provider { return g.provider }

// Run opens a stream and writes every content chunk to w as soon as it
// arrives. Usage is captured but never written. Malformed chunks are counted
// and skipped.
//
// A provider failure, at open or mid-stream, returns *ProviderError with
// the text already written. A writer error (ErrClientGone) or a cancelled
// context is returned as is and ends the stream without further writes.
func (g *Generator) Run(ctx context.Context, b composer.Bundle, p Params, w Writer) (Result, error) {
	logger := logging.FromContext(ctx)

	rd, err := g.provider.Open(ctx, b, p)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &ProviderError{Provider: g.provider.Name(), Err: err}
	}
	defer rd.Close()

	var (
		res Result
		sb  strings.Builder
	)
	for {
		c, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.FullText = sb.String()
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, &ProviderError{Provider: g.provider.Name(), Partial: res.FullText, Err: err}
		}
		if ctx.Err() != nil {
			res.FullText = sb.String()
			return res, ctx.Err()
		}

		switch c.Kind {
		case ChunkContent:
			if c.Text == "" {
				continue
			}
			if err := w.Write(c.Text); err != nil {
				res.FullText = sb.String()
				return res, err
			}
			sb.WriteString(c.Text)
		case ChunkUsage:
			u := c.Usage
			res.Usage = &u
		default:
			res.Malformed++
			logger.Debug("skipping malformed chunk", "provider", g.provider.Name())
		}
	}

	res.FullText = sb.String()
	if res.Malformed > 0 {
		logger.Warn("stream contained malformed chunks", "provider", g.provider.Name(), "count", res.Malformed)
	}
	return res, nil
}
