// Package events publishes generation outcomes to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/nats-io/nats.go"

	"github.com/kalambet/lessonforge/internal/lesson"
)

const DefaultSubject = "lessonforge.generation.outcome"

// Event is the published message body. Generated text is not included.
type Event struct {
	RequestID    string        `json:"requestId"`
	Kind         string        `json:"kind"`
	Subject      string        `json:"subject,omitempty"`
	Grade        string        `json:"grade,omitempty"`
	Topic        string        `json:"topic,omitempty"`
	Status       string        `json:"status"`
	DurationMs   int64         `json:"durationMs"`
	OutputChars  int           `json:"outputChars"`
	TokenUsage   *lesson.Usage `json:"tokenUsage,omitempty"`
	CacheHit     bool          `json:"cacheHit"`
	FallbackUsed bool          `json:"fallbackUsed"`
	Failed       bool          `json:"failed"`
	Error        string        `json:"error,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// publisher is the part of *nats.Conn we use.
type publisher interface {
	Publish(subject string, data []byte) error
}

// Publisher sends one event per outcome.
type Publisher struct {
	pub     publisher
	conn    *nats.Conn
	subject string
	now     func() time.Time
}

// Connect dials NATS and returns a publisher on subject.
func Connect(url, subject string, logger *slog.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("lessonforge"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info("connected to NATS", "url", url, "subject", subject)

	p := newPublisher(conn, subject)
	p.conn = conn
	return p, nil
}

func newPublisher(pub publisher, subject string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{pub: pub, subject: subject, now: time.Now}
}

// Observe publishes o. Publishing is fire-and-forget on the NATS side; the
// returned error only covers encoding and a closed connection.
func (p *Publisher) Observe(_ context.Context, o lesson.Outcome) error {
	ev := Event{
		RequestID:    o.RequestID,
		Kind:         string(o.Kind),
		Subject:      o.Subject,
		Grade:        o.Grade,
		Topic:        o.Topic,
		Status:       o.Status(),
		DurationMs:   o.DurationMs,
		OutputChars:  utf8.RuneCountInString(o.FullText),
		TokenUsage:   o.TokenUsage,
		CacheHit:     o.CacheHit,
		FallbackUsed: o.FallbackUsed,
		Failed:       o.Failed,
		Timestamp:    p.now().UTC(),
	}
	if o.Err != nil {
		ev.Error = o.Err.Error()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding outcome event: %w", err)
	}
	if err := p.pub.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publishing outcome event: %w", err)
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Drain()
}
