package state

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/roach88/floorstate/internal/ids"
	"github.com/roach88/floorstate/internal/keypath"
	"github.com/roach88/floorstate/internal/metrics"
	"github.com/roach88/floorstate/internal/value"
)

// DefaultMaxHistory is the default history ring size.
const DefaultMaxHistory = 100

// Source identifies who caused a mutation.
type Source string

const (
	// SourceUser marks operator input. Only user writes are synced outbound.
	SourceUser Source = "user"
	// SourceSystem marks internal bookkeeping and bootstrap loads.
	SourceSystem Source = "system"
	// SourceAPI marks values that came back from the remote.
	SourceAPI Source = "api"
)

// Change describes one pending or applied write.
type Change struct {
	Path      keypath.Path
	Value     any
	OldValue  any
	Source    Source
	Timestamp time.Time
}

// Entry is one history record. Values are deep copies.
type Entry struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	Path      keypath.Path `json:"path"`
	OldValue  any          `json:"old_value"`
	NewValue  any          `json:"new_value"`
	Source    Source       `json:"source"`
}

// Middleware may transform a pending write. Returning an error (or
// panicking) stops the pipeline and the write proceeds with the value that
// was passed to Set; earlier transformations are discarded.
type Middleware func(Change) (any, error)

// Subscriber observes an applied write.
type Subscriber func(Change)

// Unsubscribe removes a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

type subscription struct {
	fn Subscriber
}

// Store is the single shared document.
//
// Thread-safety: all methods are safe for concurrent use. The equality check,
// history append and tree write of one Set are atomic with respect to other
// Sets.
type Store struct {
	mu         sync.RWMutex
	root       map[string]any
	history    []Entry
	maxHistory int

	subMu       sync.Mutex
	subs        map[keypath.Path][]*subscription
	middlewares []Middleware

	clock   clockz.Clock
	ids     ids.Generator
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithMaxHistory sets the history ring size. Values < 1 keep the default.
func WithMaxHistory(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

// WithClock sets the clock used for change timestamps.
func WithClock(c clockz.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithIDs sets the history entry ID generator.
func WithIDs(g ids.Generator) Option {
	return func(s *Store) { s.ids = g }
}

// WithLogger sets the logger used for middleware failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics enables prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithInitial seeds the document without history or notifications.
func WithInitial(doc map[string]any) Option {
	return func(s *Store) {
		if doc != nil {
			s.root = value.Clone(doc).(map[string]any)
		}
	}
}

// New creates a store with an empty document.
func New(opts ...Option) *Store {
	s := &Store{
		root:       make(map[string]any),
		maxHistory: DefaultMaxHistory,
		subs:       make(map[keypath.Path][]*subscription),
		clock:      clockz.RealClock,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ids = ids.Or(s.ids)
	return s
}

// Get returns a copy of the value at p, or def when any segment is missing.
func (s *Store) Get(p keypath.Path, def any) any {
	s.mu.RLock()
	v, ok := keypath.Lookup(s.root, p)
	if ok {
		v = value.Clone(v)
	}
	s.mu.RUnlock()
	if !ok {
		return def
	}
	return v
}

// Has reports whether p resolves to a value.
func (s *Store) Has(p keypath.Path) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := keypath.Lookup(s.root, p)
	return ok
}

// Lookup returns the value at p as T. ok is false when the path is missing
// or holds a different type.
func Lookup[T any](s *Store, p keypath.Path) (T, bool) {
	v, ok := s.Get(p, nil).(T)
	return v, ok
}

// Snapshot returns a deep copy of the whole document.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return value.Clone(s.root).(map[string]any)
}

// Set writes v at p and reports whether the document changed.
//
// Invalid and wildcard paths are rejected with a logged error.
func (s *Store) Set(p keypath.Path, v any, src Source) bool {
	if _, err := keypath.Parse(string(p)); err != nil || p.IsWildcard() {
		s.logger.Error("state: rejected write", "path", p, "error", fmt.Errorf("invalid path %q", p))
		return false
	}

	s.mu.RLock()
	old, _ := keypath.Lookup(s.root, p)
	unchanged := value.Equal(old, v)
	old = value.Clone(old)
	s.mu.RUnlock()
	if unchanged {
		return false
	}

	change := Change{
		Path:      p,
		Value:     v,
		OldValue:  old,
		Source:    src,
		Timestamp: s.clock.Now(),
	}
	change.Value = s.runMiddleware(change)

	s.mu.Lock()
	cur, _ := keypath.Lookup(s.root, p)
	if value.Equal(cur, change.Value) {
		s.mu.Unlock()
		return false
	}
	change.OldValue = value.Clone(cur)
	stored := value.Clone(change.Value)
	s.appendHistory(change)
	keypath.Assign(s.root, p, stored)
	s.mu.Unlock()

	s.metrics.Mutation(string(src))
	change.Value = value.Clone(stored)
	s.notify(change)
	return true
}

// Delete removes the value at p. It is Set(p, nil, src).
func (s *Store) Delete(p keypath.Path, src Source) bool {
	return s.Set(p, nil, src)
}

// Batch applies several writes in path order. There is no transaction: each
// write is an ordinary Set and notifies on its own.
func (s *Store) Batch(writes map[keypath.Path]any, src Source) int {
	n := 0
	for _, p := range slices.Sorted(maps.Keys(writes)) {
		if s.Set(p, writes[p], src) {
			n++
		}
	}
	return n
}

// Caller holds s.mu.
func (s *Store) appendHistory(c Change) {
	s.history = append(s.history, Entry{
		ID:        s.ids.Generate(),
		Timestamp: c.Timestamp,
		Path:      c.Path,
		OldValue:  value.Clone(c.OldValue),
		NewValue:  value.Clone(c.Value),
		Source:    c.Source,
	})
	if over := len(s.history) - s.maxHistory; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
}

// History returns the recorded entries, oldest first.
func (s *Store) History() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.history))
	for i, e := range s.history {
		e.OldValue = value.Clone(e.OldValue)
		e.NewValue = value.Clone(e.NewValue)
		out[i] = e
	}
	return out
}

// Use appends middleware to the pipeline.
func (s *Store) Use(mw Middleware) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

func (s *Store) runMiddleware(c Change) any {
	s.subMu.Lock()
	mws := make([]Middleware, len(s.middlewares))
	copy(mws, s.middlewares)
	s.subMu.Unlock()

	original := c.Value
	for i, mw := range mws {
		out, err := callMiddleware(mw, c)
		if err != nil {
			s.metrics.MiddlewareFailed()
			merr := &MiddlewareError{Index: i, Path: c.Path, Err: err}
			s.logger.Error("state: middleware failed, keeping original value", "path", c.Path, "error", merr)
			return original
		}
		c.Value = out
	}
	return c.Value
}

func callMiddleware(mw Middleware, c Change) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("middleware panic: %v", r)
		}
	}()
	return mw(c)
}

// Subscribe registers fn for p. p may be an exact path, "*" or "<path>.*".
// Registering the same function twice creates two independent entries.
func (s *Store) Subscribe(p keypath.Path, fn Subscriber) Unsubscribe {
	sub := &subscription{fn: fn}
	s.subMu.Lock()
	s.subs[p] = append(s.subs[p], sub)
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			list := s.subs[p]
			for i, other := range list {
				if other == sub {
					s.subs[p] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(s.subs[p]) == 0 {
				delete(s.subs, p)
			}
		})
	}
}

// SubscriberCount returns the number of subscriptions registered under p.
func (s *Store) SubscriberCount(p keypath.Path) int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs[p])
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	var targets []*subscription
	targets = append(targets, s.subs[c.Path]...)
	targets = append(targets, s.subs[keypath.Wildcard]...)
	for _, anc := range c.Path.Ancestors() {
		targets = append(targets, s.subs[anc.Child("*")]...)
	}
	s.subMu.Unlock()

	for _, sub := range targets {
		s.deliver(sub, c)
	}
}

func (s *Store) deliver(sub *subscription, c Change) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("state: subscriber panic", "path", c.Path, "error", fmt.Errorf("%v", r))
		}
	}()
	sub.fn(c)
}
