// Package ids provides identifier generation and a monotonic logical clock.
//
// Every record the core creates (history entries, events, command executions,
// sync items) carries an ID from a Generator. Production code uses UUIDv7 so
// IDs sort by creation time; tests inject a Sequence for stable output.
package ids

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique record identifiers.
type Generator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Sequence returns "<prefix>-<n>" identifiers with n counting from 1.
// Used by tests and scenario replay where identical runs must produce
// identical IDs.
type Sequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequence creates a sequence generator. An empty prefix defaults to "id".
func NewSequence(prefix string) *Sequence {
	if prefix == "" {
		prefix = "id"
	}
	return &Sequence{prefix: prefix}
}

// Generate returns the next identifier in the sequence.
func (s *Sequence) Generate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%d", s.prefix, s.n)
}

// Reset restarts the sequence at 1.
func (s *Sequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n = 0
}

// Or returns g, or a UUIDv7Generator when g is nil.
func Or(g Generator) Generator {
	if g == nil {
		return UUIDv7Generator{}
	}
	return g
}

// Clock is a monotonic logical clock.
//
// Wall-clock timestamps can collide (and always do under a fake clock), so
// orderings that must be total (queue FIFO tie-breaks) use Clock.Next().
//
// Thread-safety: safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
