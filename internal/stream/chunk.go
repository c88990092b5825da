package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kalambet/lessonforge/internal/composer"
	"github.com/kalambet/lessonforge/internal/lesson"
)

// ErrClientGone is returned by a Sink once the client has disconnected.
// Nothing may be written after it is observed.
var ErrClientGone = errors.New("client disconnected")

// ChunkKind tags a normalized stream chunk.
type ChunkKind int

const (
	ChunkContent ChunkKind = iota + 1
	ChunkUsage
	ChunkMalformed
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkContent:
		return "content"
	case ChunkUsage:
		return "usage"
	case ChunkMalformed:
		return "malformed"
	}
	return fmt.Sprintf("ChunkKind(%d)", int(k))
}

// Chunk is one provider event after normalization. Text is set for content
// chunks and Usage for usage chunks; malformed chunks carry neither.
type Chunk struct {
	Kind  ChunkKind
	Text  string
	Usage lesson.Usage
}

func Content(text string) Chunk { return Chunk{Kind: ChunkContent, Text: text} }

func UsageChunk(u lesson.Usage) Chunk { return Chunk{Kind: ChunkUsage, Usage: u} }

func Malformed() Chunk { return Chunk{Kind: ChunkMalformed} }

// ChunkReader iterates a provider stream. Next returns io.EOF at the end of
// the stream and any other error when the provider fails mid-stream.
type ChunkReader interface {
	Next() (Chunk, error)
	Close() error
}

// Params are the model parameters for one call. An empty Model uses the
// provider's default.
type Params struct {
	Model       string
	MaxTokens   int
	Temperature *float64
}

// Provider opens one streaming completion per call.
type Provider interface {
	Name() string
	Model() string
	Open(ctx context.Context, b composer.Bundle, p Params) (ChunkReader, error)
}

// Writer receives streamed text.
type Writer interface {
	Write(text string) error
}

// Sink is the response destination. Close is terminal and takes the error
// that ended the request, if any.
type Sink interface {
	Writer
	Close(err error)
}

// ProviderError reports a failed provider call. Partial holds the text that
// had already been written to the sink when the failure happened.
type ProviderError struct {
	Provider string
	Partial  string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// frameReader turns raw provider frames into chunks. decode may return
// several chunks for one frame; they are handed out in order.
type frameReader struct {
	next    func() ([]byte, error)
	decode  func([]byte) ([]Chunk, error)
	body    io.Closer
	pending []Chunk
}

func (r *frameReader) Next() (Chunk, error) {
	for len(r.pending) == 0 {
		raw, err := r.next()
		if err != nil {
			return Chunk{}, err
		}
		chunks, err := r.decode(raw)
		if err != nil {
			return Chunk{}, err
		}
		r.pending = chunks
	}
	c := r.pending[0]
	r.pending = r.pending[1:]
	return c, nil
}

func (r *frameReader) Close() error {
	return r.body.Close()
}
