package lesson

import (
	"fmt"
	"sync"
	"time"
)

const DefaultIDPrefix = "GEN"

// IDSource hands out correlation IDs of the form <prefix>-<unix-millis>-<counter>.
// Each coordinator owns its own source. IDs from one source are unique and
// never decrease in issue order, even if the wall clock steps backwards.
type IDSource struct {
	prefix string
	now    func() time.Time

	mu      sync.Mutex
	lastMs  int64
	counter uint64
}

// NewIDSource creates an IDSource. An empty prefix uses DefaultIDPrefix.
func NewIDSource(prefix string) *IDSource {
	if prefix == "" {
		prefix = DefaultIDPrefix
	}
	return &IDSource{prefix: prefix, now: time.Now}
}

// Next returns the next ID.
func (s *IDSource) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := s.now().UnixMilli()
	if ms < s.lastMs {
		ms = s.lastMs
	}
	s.lastMs = ms
	s.counter++
	return fmt.Sprintf("%s-%d-%06d", s.prefix, ms, s.counter)
}
