package pipeline

import (
	"errors"
	"sync"

	"github.com/kalambet/lessonforge/internal/stream"
)

// guardedSink closes the wrapped sink at most once and refuses writes once
// the client is gone or the sink is closed.
type guardedSink struct {
	sink stream.Sink

	mu      sync.Mutex
	closed  bool
	gone    bool
	written int
}

func newGuardedSink(s stream.Sink) *guardedSink {
	return &guardedSink{sink: s}
}

func (g *guardedSink) Write(text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.gone {
		return stream.ErrClientGone
	}
	if err := g.sink.Write(text); err != nil {
		g.gone = true
		if errors.Is(err, stream.ErrClientGone) {
			return err
		}
		return errors.Join(stream.ErrClientGone, err)
	}
	g.written += len(text)
	return nil
}

func (g *guardedSink) Close(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	g.sink.Close(err)
}

// Written reports how many bytes reached the client.
func (g *guardedSink) Written() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.written
}
