package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// OutcomeRecord is one journal row. Generated text is not stored; only its
// length is kept.
type OutcomeRecord struct {
	ID               string
	RequestID        string
	Kind             string
	Subject          string
	Grade            string
	Topic            string
	Status           string
	DurationMs       int64
	OutputChars      int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CacheHit         bool
	FallbackUsed     bool
	Failed           bool
	Error            string
	CreatedAt        time.Time
}

// Chunk is a piece of reference material in the local knowledge table.
type Chunk struct {
	ID        string
	Subject   string
	Grade     string // empty means any grade
	Source    string
	Text      string
	CreatedAt time.Time
}
