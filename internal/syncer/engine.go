package syncer

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/roach88/floorstate/internal/bus"
	"github.com/roach88/floorstate/internal/ids"
	"github.com/roach88/floorstate/internal/keypath"
	"github.com/roach88/floorstate/internal/metrics"
	"github.com/roach88/floorstate/internal/state"
	"github.com/roach88/floorstate/internal/value"
)

// Remote accepts merged batches. A batch succeeds or fails as a whole.
type Remote interface {
	Write(ctx context.Context, b Batch) error
}

// Bus event names.
const (
	EventSuccess = "sync:success"
	EventRetry   = "sync:retry"
	EventFailed  = "sync:failed"
)

// Store paths maintained by the engine, all written with SourceSystem.
const (
	StatusPath      keypath.Path = "sync.status"
	LastSuccessPath keypath.Path = "sync.lastSuccess"
	ErrorsPath      keypath.Path = "sync.errors"
)

// SuccessEvent is the payload of EventSuccess.
type SuccessEvent struct {
	BatchID string   `json:"batch_id"`
	Items   []string `json:"items"`
	Fields  []string `json:"fields"`
}

// RetryEvent is the payload of EventRetry.
type RetryEvent struct {
	BatchID string   `json:"batch_id"`
	Items   []string `json:"items"`
	Attempt int      `json:"attempt"`
	// NextRetry is the earliest rescheduled attempt in the batch.
	NextRetry time.Time `json:"next_retry"`
	Error     string    `json:"error"`
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Queued        int       `json:"queued"`
	Pending       int       `json:"pending"`
	Syncing       int       `json:"syncing"`
	Failed        int       `json:"failed"`
	Succeeded     int       `json:"succeeded"`
	Batches       int       `json:"batches"`
	FailedBatches int       `json:"failed_batches"`
	InFlight      bool      `json:"in_flight"`
	LastSuccess   time.Time `json:"last_success,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
}

// Engine is the sync engine.
//
// Thread-safety: all methods are safe for concurrent use. Remote writes
// happen without the engine lock held.
type Engine struct {
	store  *state.Store
	remote Remote
	cfg    Config
	fields *FieldMap

	mu            sync.Mutex
	queue         queue
	debounceAt    time.Time
	runNow        bool
	succeeded     int
	batches       int
	failedBatches int
	lastSuccess   time.Time
	lastError     string

	syncing atomic.Bool
	kick    chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	unsub  state.Unsubscribe

	clock   clockz.Clock
	ids     ids.Generator
	seq     *ids.Clock
	jitter  func() float64
	logger  *slog.Logger
	metrics *metrics.Metrics
	bus     *bus.Bus
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock for debounce, backoff and timestamps.
func WithClock(c clockz.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDs sets the generator for item and batch IDs.
func WithIDs(g ids.Generator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithJitter replaces the jitter source. fn must return values in [0, 1).
func WithJitter(fn func() float64) Option {
	return func(e *Engine) { e.jitter = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics enables prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithBus publishes sync events on b.
func WithBus(b *bus.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// New creates an engine. It does not observe the store until Start.
func New(store *state.Store, remote Remote, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("syncer: %w", err)
	}
	fields, err := NewFieldMap(cfg.Fields)
	if err != nil {
		return nil, fmt.Errorf("syncer: %w", err)
	}
	e := &Engine{
		store:  store,
		remote: remote,
		cfg:    cfg,
		fields: fields,
		kick:   make(chan struct{}, 1),
		clock:  clockz.RealClock,
		seq:    ids.NewClock(),
		jitter: rand.Float64,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ids = ids.Or(e.ids)
	return e, nil
}

// Start subscribes to the store and starts the scheduler. Calling Start on
// a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.unsub = e.Observe()
	go e.loop(ctx)
}

// Stop unsubscribes, stops the scheduler and waits for it to exit. Queued
// items are kept; Flush still works after Stop.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel == nil {
		return
	}
	e.unsub()
	e.cancel()
	<-e.done
	e.cancel = nil
}

// Observe subscribes to the store without starting the scheduler. Callers
// that drive passes themselves pair it with NextWake and Flush.
func (e *Engine) Observe() state.Unsubscribe {
	return e.store.Subscribe(keypath.Wildcard, e.onChange)
}

func (e *Engine) onChange(c state.Change) {
	if c.Source != state.SourceUser {
		return
	}
	if _, ok := e.fields.Resolve(c.Path); !ok {
		return
	}
	prio := priorityFor(e.cfg.PathPriorities, c.Path)
	if _, err := e.Sync(c.Path, c.Value, prio, false); err != nil {
		e.logger.Error("syncer: enqueue failed", "path", c.Path, "error", err)
	}
}

// Sync enqueues a write of v to p's remote field and returns the item ID.
// Every call adds a new item. Without immediate the pass is debounced by
// SyncDelay from the latest call; with immediate the scheduler runs a pass
// as soon as it can.
func (e *Engine) Sync(p keypath.Path, v any, priority string, immediate bool) (string, error) {
	field, ok := e.fields.Resolve(p)
	if !ok {
		return "", &UnmappedPathError{Path: p}
	}
	if priority == "" {
		priority = PriorityNormal
	}
	rank, ok := e.cfg.Priorities[priority]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPriority, priority)
	}

	now := e.clock.Now()
	it := &Item{
		ID:        e.ids.Generate(),
		Path:      p,
		Field:     field,
		Value:     value.Clone(v),
		Priority:  priority,
		Rank:      rank,
		Timestamp: now,
		Status:    StatusPending,
		seq:       e.seq.Next(),
	}

	e.mu.Lock()
	e.queue.push(it)
	if immediate {
		e.runNow = true
	} else {
		e.debounceAt = now.Add(e.cfg.SyncDelay)
	}
	depth := len(e.queue.items)
	e.mu.Unlock()

	e.metrics.QueueDepth(depth)
	e.logger.Debug("syncer: enqueued", "path", p, "field", field, "item", it.ID, "priority", priority)
	e.signal()
	return it.ID, nil
}

func (e *Engine) signal() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// NextWake reports when the next pass is due. ok is false when nothing is
// scheduled.
func (e *Engine) NextWake() (at time.Time, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextWake(e.clock.Now())
}

// nextWake returns when the scheduler should run a pass. Caller holds e.mu.
func (e *Engine) nextWake(now time.Time) (time.Time, bool) {
	var at time.Time
	consider := func(t time.Time) {
		if at.IsZero() || t.Before(at) {
			at = t
		}
	}
	if e.runNow {
		consider(now)
	}
	if !e.debounceAt.IsZero() {
		consider(e.debounceAt)
	}
	if r, ok := e.queue.nextRetry(); ok {
		consider(r)
	}
	return at, !at.IsZero()
}

// loop is the scheduler. It keeps one timer armed for the next debounce
// deadline or retry and runs a pass when it fires.
func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	for {
		e.mu.Lock()
		now := e.clock.Now()
		at, ok := e.nextWake(now)
		e.mu.Unlock()

		var (
			timer  clockz.Timer
			timerC <-chan time.Time
		)
		// While a pass is in flight, wait for it to finish; it signals.
		if ok && !e.syncing.Load() {
			if !at.After(now) {
				if err := e.RunDue(ctx); err != nil && err != ErrPassInFlight {
					e.logger.Debug("syncer: scheduled pass failed", "error", err)
				}
				if ctx.Err() != nil {
					return
				}
				continue
			}
			timer = e.clock.NewTimer(at.Sub(now))
			// The clock may have moved past the deadline while arming.
			if !at.After(e.clock.Now()) {
				timer.Stop()
				continue
			}
			timerC = timer.C()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-e.kick:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Flush runs a pass now, bypassing the debounce. It returns ErrPassInFlight
// if a pass is already running and a *SyncError if the remote rejected the
// batch.
func (e *Engine) Flush(ctx context.Context) error {
	return e.run(ctx, false)
}

// RunDue runs the pass the scheduler would run at the current time. Unlike
// Flush it respects the debounce: when it runs before the debounce deadline
// (a retry wake) it sends only retried items and leaves the deadline armed.
func (e *Engine) RunDue(ctx context.Context) error {
	return e.run(ctx, true)
}

func (e *Engine) run(ctx context.Context, scheduled bool) error {
	if !e.syncing.CompareAndSwap(false, true) {
		return ErrPassInFlight
	}
	e.publishStatus()
	defer func() {
		e.syncing.Store(false)
		e.publishStatus()
		e.signal()
	}()
	return e.pass(ctx, scheduled)
}

func (e *Engine) pass(ctx context.Context, scheduled bool) error {
	e.mu.Lock()
	items := e.takeDue(e.clock.Now(), scheduled)
	e.mu.Unlock()
	if len(items) == 0 {
		return nil
	}

	b := Batch{ID: e.ids.Generate(), Fields: make(map[string]any, len(items))}
	merge := slices.Clone(items)
	slices.SortFunc(merge, func(a, b *Item) int { return cmp.Compare(a.seq, b.seq) })
	for _, it := range merge {
		b.Fields[it.Field] = value.Clone(it.Value)
	}
	for _, it := range items {
		b.Items = append(b.Items, it.ID)
	}

	e.logger.Debug("syncer: writing batch", "batch", b.ID, "items", len(items))
	err := e.write(ctx, b)
	if err != nil {
		return e.fail(b, items, err)
	}
	e.succeed(b, items)
	return nil
}

// takeDue marks and returns the items a pass sends. Caller holds e.mu.
func (e *Engine) takeDue(now time.Time, scheduled bool) []*Item {
	if scheduled && !e.runNow && e.debounceAt.After(now) {
		return e.queue.take(now, e.cfg.BatchSize, func(it *Item) bool { return it.Retries > 0 })
	}
	e.runNow = false
	e.debounceAt = time.Time{}
	return e.queue.take(now, e.cfg.BatchSize, nil)
}

// hasDue reports whether a scheduled pass would send anything now. Caller
// holds e.mu.
func (e *Engine) hasDue(now time.Time) bool {
	if e.debounceAt.After(now) {
		return e.queue.hasEligibleWhere(now, func(it *Item) bool { return it.Retries > 0 })
	}
	return e.queue.hasEligibleWhere(now, nil)
}

func (e *Engine) write(ctx context.Context, b Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("remote panic: %v", r)
		}
	}()
	return e.remote.Write(ctx, b)
}

func (e *Engine) succeed(b Batch, items []*Item) {
	now := e.clock.Now()
	e.mu.Lock()
	e.queue.remove(items)
	e.succeeded += len(items)
	e.batches++
	e.lastSuccess = now
	e.lastError = ""
	if e.hasDue(now) {
		e.runNow = true
	}
	depth := len(e.queue.items)
	e.mu.Unlock()

	e.metrics.Batch(true)
	e.metrics.QueueDepth(depth)
	e.logger.Info("syncer: batch written", "batch", b.ID, "items", len(items))
	e.store.Set(LastSuccessPath, now.UTC().Format(time.RFC3339Nano), state.SourceSystem)

	fields := make([]string, 0, len(b.Fields))
	for f := range b.Fields {
		fields = append(fields, f)
	}
	slices.Sort(fields)
	e.emit(EventSuccess, SuccessEvent{BatchID: b.ID, Items: b.Items, Fields: fields})
}

func (e *Engine) fail(b Batch, items []*Item, cause error) error {
	now := e.clock.Now()
	var (
		failed    []FailureRecord
		retried   []string
		nextRetry time.Time
		attempt   int
	)

	e.mu.Lock()
	for _, it := range items {
		it.Retries++
		it.LastError = cause.Error()
		attempt = max(attempt, it.Retries)
		if it.Retries < e.cfg.Retry.MaxRetries {
			it.Status = StatusPending
			it.NextRetry = now.Add(e.cfg.Retry.Backoff(it.Retries, e.jitter()))
			retried = append(retried, it.ID)
			if nextRetry.IsZero() || it.NextRetry.Before(nextRetry) {
				nextRetry = it.NextRetry
			}
			continue
		}
		it.Status = StatusFailed
		it.NextRetry = time.Time{}
		failed = append(failed, FailureRecord{
			ID:      it.ID,
			Path:    it.Path,
			Field:   it.Field,
			Value:   value.Clone(it.Value),
			Retries: it.Retries,
			Error:   cause.Error(),
			Time:    now,
		})
	}
	e.failedBatches++
	e.lastError = cause.Error()
	if e.hasDue(now) {
		e.runNow = true
	}
	e.mu.Unlock()

	e.metrics.Batch(false)
	e.logger.Warn("syncer: batch failed", "batch", b.ID, "items", len(items), "attempt", attempt, "error", cause)

	if len(retried) > 0 {
		e.emit(EventRetry, RetryEvent{
			BatchID:   b.ID,
			Items:     retried,
			Attempt:   attempt,
			NextRetry: nextRetry,
			Error:     cause.Error(),
		})
	}
	if len(failed) > 0 {
		e.metrics.ItemsFailed(len(failed))
	}
	for _, rec := range failed {
		e.logger.Error("syncer: item failed permanently", "item", rec.ID, "path", rec.Path, "retries", rec.Retries, "error", cause)
		e.store.Set(ErrorsPath.Child(rec.ID), rec.document(), state.SourceSystem)
		e.emit(EventFailed, rec)
	}

	return &SyncError{BatchID: b.ID, ItemIDs: b.Items, Attempt: attempt, Err: cause}
}

// RetryFailed returns every failed item to the queue with its retry count
// reset, removes their failure records and schedules a debounced pass. It
// returns the number of items requeued.
func (e *Engine) RetryFailed() int {
	e.mu.Lock()
	var requeued []string
	for _, it := range e.queue.items {
		if it.Status != StatusFailed {
			continue
		}
		it.Status = StatusPending
		it.Retries = 0
		it.NextRetry = time.Time{}
		it.LastError = ""
		requeued = append(requeued, it.ID)
	}
	if len(requeued) > 0 {
		e.debounceAt = e.clock.Now().Add(e.cfg.SyncDelay)
	}
	e.mu.Unlock()

	for _, id := range requeued {
		e.store.Delete(ErrorsPath.Child(id), state.SourceSystem)
	}
	if len(requeued) > 0 {
		e.logger.Info("syncer: requeued failed items", "count", len(requeued))
		e.publishStatus()
		e.signal()
	}
	return len(requeued)
}

// Clear drops every item that is not part of an in-flight batch, including
// failed ones and their failure records. It returns the number dropped.
func (e *Engine) Clear() int {
	var dropped []*Item
	e.mu.Lock()
	n := e.queue.removeWhere(func(it *Item) bool {
		if it.Status == StatusSyncing {
			return false
		}
		dropped = append(dropped, it)
		return true
	})
	e.runNow = false
	e.debounceAt = time.Time{}
	depth := len(e.queue.items)
	e.mu.Unlock()

	for _, it := range dropped {
		if it.Status == StatusFailed {
			e.store.Delete(ErrorsPath.Child(it.ID), state.SourceSystem)
		}
	}
	e.metrics.QueueDepth(depth)
	e.publishStatus()
	e.signal()
	return n
}

// Items returns a copy of the queue in processing order.
func (e *Engine) Items() []Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.snapshot()
}

// Status returns current counters.
func (e *Engine) Status() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Queued:        len(e.queue.items),
		Pending:       e.queue.count(StatusPending),
		Syncing:       e.queue.count(StatusSyncing),
		Failed:        e.queue.count(StatusFailed),
		Succeeded:     e.succeeded,
		Batches:       e.batches,
		FailedBatches: e.failedBatches,
		InFlight:      e.syncing.Load(),
		LastSuccess:   e.lastSuccess,
		LastError:     e.lastError,
	}
}

func (e *Engine) publishStatus() {
	st := e.Status()
	e.store.Set(StatusPath, map[string]any{
		"queued":        st.Queued,
		"pending":       st.Pending,
		"failed":        st.Failed,
		"succeeded":     st.Succeeded,
		"batches":       st.Batches,
		"failedBatches": st.FailedBatches,
		"inFlight":      st.InFlight,
		"lastError":     st.LastError,
	}, state.SourceSystem)
}

func (e *Engine) emit(name string, payload any) {
	if e.bus != nil {
		e.bus.Emit(name, payload, bus.WithSource("syncer"))
	}
}
