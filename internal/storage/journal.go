package storage

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/lessonforge/internal/lesson"
)

// Observe appends one outcome to the journal. Errors are returned to the
// caller, which logs them; a failed write never affects the client response.
func (s *Store) Observe(ctx context.Context, o lesson.Outcome) error {
	return s.SaveOutcome(ctx, RecordFromOutcome(o, time.Now()))
}

// RecordFromOutcome flattens an outcome into a journal row.
func RecordFromOutcome(o lesson.Outcome, at time.Time) OutcomeRecord {
	r := OutcomeRecord{
		ID:           uuid.New().String(),
		RequestID:    o.RequestID,
		Kind:         string(o.Kind),
		Subject:      o.Subject,
		Grade:        o.Grade,
		Topic:        o.Topic,
		Status:       o.Status(),
		DurationMs:   o.DurationMs,
		OutputChars:  utf8.RuneCountInString(o.FullText),
		CacheHit:     o.CacheHit,
		FallbackUsed: o.FallbackUsed,
		Failed:       o.Failed,
		CreatedAt:    at,
	}
	if o.TokenUsage != nil {
		r.PromptTokens = o.TokenUsage.PromptTokens
		r.CompletionTokens = o.TokenUsage.CompletionTokens
		r.TotalTokens = o.TokenUsage.TotalTokens
	}
	if o.Err != nil {
		r.Error = o.Err.Error()
	}
	return r
}
