package lesson

import (
	"fmt"
	"time"
)

// Kind identifies what a generation request produces.
type Kind string

const (
	KindLessonPlan Kind = "lesson_plan"
	KindExercises  Kind = "exercises"
	KindAnalysis   Kind = "analysis"
)

// ParseKind maps an external kind name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindLessonPlan, KindExercises, KindAnalysis:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown generation kind %q", s)
}

// Structured reports whether output of this kind follows the frontmatter
// document contract.
func (k Kind) Structured() bool {
	return k == KindLessonPlan || k == KindExercises
}

// Params is the inbound request shape. Lesson plans use Subject, Grade,
// Topic and Requirements; exercises add Difficulty, Count and QuestionType;
// analysis uses Content and AnalysisType only.
type Params struct {
	Subject      string `json:"subject,omitempty"`
	Grade        string `json:"grade,omitempty"`
	Topic        string `json:"topic,omitempty"`
	Requirements string `json:"requirements,omitempty"`

	Difficulty   string `json:"difficulty,omitempty"`
	Count        int    `json:"count,omitempty"`
	QuestionType string `json:"questionType,omitempty"`

	Content      string `json:"content,omitempty"`
	AnalysisType string `json:"analysisType,omitempty"`
}

// Request is an accepted generation request. It is not modified after the
// coordinator creates it.
type Request struct {
	ID   string
	Kind Kind
	Params
	CreatedAt time.Time
}

// Usage is the token accounting reported by the model provider.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Outcome summarizes one request's lifecycle. Err holds the terminal error
// for failed outcomes.
type Outcome struct {
	RequestID    string `json:"requestId"`
	Kind         Kind   `json:"kind"`
	Subject      string `json:"subject,omitempty"`
	Grade        string `json:"grade,omitempty"`
	Topic        string `json:"topic,omitempty"`
	FullText     string `json:"-"`
	DurationMs   int64  `json:"durationMs"`
	TokenUsage   *Usage `json:"tokenUsage,omitempty"`
	CacheHit     bool   `json:"cacheHit"`
	FallbackUsed bool   `json:"fallbackUsed"`
	Failed       bool   `json:"failed"`
	Cancelled    bool   `json:"cancelled,omitempty"`
	Err          error  `json:"-"`
}

// Status returns a short label for logs and metric attributes.
func (o Outcome) Status() string {
	switch {
	case o.Cancelled:
		return "cancelled"
	case o.Failed:
		return "failed"
	case o.CacheHit:
		return "cache_hit"
	case o.FallbackUsed:
		return "fallback"
	}
	return "ok"
}
