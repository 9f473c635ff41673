package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/roach88/floorstate/internal/ids"
	"github.com/roach88/floorstate/internal/metrics"
	"github.com/roach88/floorstate/internal/value"
)

// ErrorEvent is the name under which handler failures are re-emitted.
const ErrorEvent = "error"

// AnyEvent registers a handler for every event name.
const AnyEvent = "*"

// DefaultMaxHistory is the default history ring size.
const DefaultMaxHistory = 100

// DefaultSource stamps events emitted without WithSource.
const DefaultSource = "system"

// ErrWaitTimeout is returned by WaitFor when no matching event arrives in time.
var ErrWaitTimeout = errors.New("bus: wait timed out")

// Metadata is stamped onto every emitted event.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Event is one emission as seen by handlers and kept in history.
type Event struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Payload  any      `json:"payload,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// ErrorPayload is the payload of an ErrorEvent.
type ErrorPayload struct {
	EventID string `json:"event_id"`
	Event   string `json:"event"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Handler reacts to an event. A returned error is converted into an
// ErrorEvent.
type Handler func(Event) error

// Unsubscribe removes a handler. Calling it more than once is a no-op.
type Unsubscribe func()

type listener struct {
	handler  Handler
	priority int
	once     bool
}

// Bus is a prioritized publish/subscribe primitive with history.
//
// Thread-safety: all methods are safe for concurrent use. Handlers run in the
// emitter's goroutine without internal locks held, so they may emit, register
// or unregister freely.
type Bus struct {
	mu         sync.Mutex
	listeners  map[string][]*listener
	history    []Event
	counts     map[string]int
	maxHistory int

	clock   clockz.Clock
	ids     ids.Generator
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxHistory sets the history ring size. Values < 1 keep the default.
func WithMaxHistory(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxHistory = n
		}
	}
}

// WithClock sets the clock used to stamp events and time WaitFor.
func WithClock(c clockz.Clock) Option {
	return func(b *Bus) { b.clock = c }
}

// WithIDs sets the event ID generator.
func WithIDs(g ids.Generator) Option {
	return func(b *Bus) { b.ids = g }
}

// WithLogger sets the logger used for handler failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithMetrics enables prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		listeners:  make(map[string][]*listener),
		counts:     make(map[string]int),
		maxHistory: DefaultMaxHistory,
		clock:      clockz.RealClock,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.ids = ids.Or(b.ids)
	return b
}

// OnOption configures a registration.
type OnOption func(*listener)

// WithPriority sets the handler priority. Lower numbers run first.
func WithPriority(p int) OnOption {
	return func(l *listener) { l.priority = p }
}

// Once removes the handler before its first invocation.
func Once() OnOption {
	return func(l *listener) { l.once = true }
}

// On registers handler for name and returns its Unsubscribe.
func (b *Bus) On(name string, handler Handler, opts ...OnOption) Unsubscribe {
	l := &listener{handler: handler}
	for _, opt := range opts {
		opt(l)
	}

	b.mu.Lock()
	ls := b.listeners[name]
	// Insert after every listener with priority <= l.priority so equal
	// priorities keep registration order.
	i := len(ls)
	for j, other := range ls {
		if other.priority > l.priority {
			i = j
			break
		}
	}
	ls = append(ls, nil)
	copy(ls[i+1:], ls[i:])
	ls[i] = l
	b.listeners[name] = ls
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(name, l) })
	}
}

func (b *Bus) remove(name string, l *listener) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ls := b.listeners[name]
	for i, other := range ls {
		if other == l {
			b.listeners[name] = append(ls[:i:i], ls[i+1:]...)
			if len(b.listeners[name]) == 0 {
				delete(b.listeners, name)
			}
			return true
		}
	}
	return false
}

// EmitOption configures one emission.
type EmitOption func(*Metadata)

// WithSource overrides the metadata source.
func WithSource(source string) EmitOption {
	return func(m *Metadata) { m.Source = source }
}

// Emit records and delivers an event. The payload is deep-copied so later
// mutation by the caller is not observed by handlers or history.
func (b *Bus) Emit(name string, payload any, opts ...EmitOption) Event {
	md := Metadata{Timestamp: b.clock.Now(), Source: DefaultSource}
	for _, opt := range opts {
		opt(&md)
	}
	ev := Event{
		ID:       b.ids.Generate(),
		Name:     name,
		Payload:  value.Clone(payload),
		Metadata: md,
	}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if over := len(b.history) - b.maxHistory; over > 0 {
		b.history = append(b.history[:0:0], b.history[over:]...)
	}
	b.counts[name]++
	targets := b.take(name)
	if name != AnyEvent {
		targets = append(targets, b.take(AnyEvent)...)
	}
	b.mu.Unlock()

	b.metrics.EventEmitted(name)

	for _, l := range targets {
		b.deliver(l, ev)
	}
	return ev
}

// take snapshots the listeners for name and drops once-listeners from the
// registry. Caller holds b.mu.
func (b *Bus) take(name string) []*listener {
	ls := b.listeners[name]
	if len(ls) == 0 {
		return nil
	}
	out := make([]*listener, len(ls))
	copy(out, ls)

	kept := ls[:0:0]
	for _, l := range ls {
		if !l.once {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		delete(b.listeners, name)
	} else {
		b.listeners[name] = kept
	}
	return out
}

func (b *Bus) deliver(l *listener, ev Event) {
	err := b.call(l.handler, ev)
	if err == nil {
		return
	}
	b.metrics.HandlerFailed()
	b.logger.Error("event handler failed", "event", ev.Name, "event_id", ev.ID, "error", err)
	if ev.Name == ErrorEvent {
		return
	}
	b.Emit(ErrorEvent, ErrorPayload{
		EventID: ev.ID,
		Event:   ev.Name,
		Message: err.Error(),
		Err:     err,
	})
}

func (b *Bus) call(h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ev)
}

// WaitFor blocks until the next event named name is emitted.
//
// A timeout > 0 bounds the wait and yields ErrWaitTimeout; cancellation of
// ctx yields ctx.Err(). The internal listener is removed in every outcome.
func (b *Bus) WaitFor(ctx context.Context, name string, timeout time.Duration) (Event, error) {
	got := make(chan Event, 1)
	unsub := b.On(name, func(ev Event) error {
		select {
		case got <- ev:
		default:
		}
		return nil
	}, Once())
	defer unsub()

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := b.clock.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C()
	}

	select {
	case ev := <-got:
		return ev, nil
	case <-timerC:
		return Event{}, fmt.Errorf("%w: %q after %s", ErrWaitTimeout, name, timeout)
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Filter narrows a History query. Zero fields match everything.
type Filter struct {
	Name  string
	Since time.Time
	Limit int
}

// History returns recorded events, oldest first. Limit keeps the most
// recent matches.
func (b *Bus) History(f Filter) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for _, ev := range b.history {
		if f.Name != "" && ev.Name != f.Name {
			continue
		}
		if !f.Since.IsZero() && ev.Metadata.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, ev)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Count returns how many times name has been emitted since the last Clear.
func (b *Bus) Count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[name]
}

// ListenerCount returns the number of handlers registered for name.
func (b *Bus) ListenerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[name])
}

// Clear drops history and counters. Registrations are kept.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
	b.counts = make(map[string]int)
}
