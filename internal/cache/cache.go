// Package cache holds generated documents in process memory.
//
// The cache is local to one process. Several instances behind a load
// balancer each keep their own entries; sharing them needs an external store.
package cache

import (
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kalambet/lessonforge/internal/lesson"
)

const (
	DefaultTTL        = 30 * time.Minute
	DefaultMaxEntries = 500

	// MaxValueBytes bounds what Cacheable accepts.
	MaxValueBytes = 512 << 10
)

// Markers that make a topic time-dependent and therefore not cacheable.
// English markers must be whole words ("snow" is not "now"); Chinese ones
// match anywhere in the topic.
var (
	volatileWords   = []string{"today", "now", "current", "latest"}
	volatilePhrases = []string{"今天", "现在", "当前", "最新", "今日", "实时"}
)

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// Cache is a TTL and size bounded LRU keyed by KeyFor. Concurrent writes to
// the same key race; the last one wins.
type Cache struct {
	lru    *expirable.LRU[string, string]
	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache. Non-positive arguments use the defaults.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{lru: expirable.NewLRU[string, string](maxEntries, nil, ttl)}
}

// Get returns the cached value, or "" and false when absent or expired.
func (c *Cache) Get(key string) (string, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

func (c *Cache) Set(key, value string) {
	c.lru.Add(key, value)
}

func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: c.lru.Len()}
}

// KeyFor derives the cache key. Subject, grade and topic are taken verbatim;
// requirements are lower-cased with whitespace collapsed so trivially
// different spellings share an entry.
//
// Parts are written as <len>:<part>, so distinct requests never share a key
// even when a field contains the separator.
func KeyFor(req lesson.Request) string {
	parts := []string{string(req.Kind), req.Subject, req.Grade, req.Topic, normalize(req.Requirements)}
	if req.Kind == lesson.KindExercises {
		parts = append(parts, req.Difficulty, strconv.Itoa(req.Count), req.QuestionType)
	}
	var sb strings.Builder
	for i, p := range parts {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(strconv.Itoa(len(p)))
		sb.WriteByte(':')
		sb.WriteString(p)
	}
	return sb.String()
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Cacheable reports whether a generated value may be stored for req.
func Cacheable(req lesson.Request, value string) bool {
	if !req.Kind.Structured() {
		return false
	}
	if req.Subject == "" || req.Grade == "" || req.Topic == "" {
		return false
	}
	if isVolatile(req.Topic) {
		return false
	}
	return len(value) > 0 && len(value) <= MaxValueBytes
}

func isVolatile(topic string) bool {
	for _, m := range volatilePhrases {
		if strings.Contains(topic, m) {
			return true
		}
	}
	words := strings.FieldsFunc(strings.ToLower(topic), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	for _, w := range words {
		if slices.Contains(volatileWords, w) {
			return true
		}
	}
	return false
}
