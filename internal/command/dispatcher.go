package command

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/roach88/floorstate/internal/bus"
	"github.com/roach88/floorstate/internal/ids"
	"github.com/roach88/floorstate/internal/metrics"
	"github.com/roach88/floorstate/internal/state"
)

// DefaultMaxLog is the default execution log size.
const DefaultMaxLog = 100

// Lifecycle event names.
const (
	EventStarted   = "command:started"
	EventCompleted = "command:completed"
	EventFailed    = "command:failed"
)

// Handler executes a command. The store is reachable through d.Store().
type Handler func(ctx context.Context, payload any, d *Dispatcher) (any, error)

// Validator inspects a payload before the handler runs. A non-empty result
// rejects the command with a *ValidationError.
type Validator func(payload any) []FieldError

// Effect runs after a successful handler. Its error is recorded and logged
// but does not fail the command.
type Effect func(ctx context.Context, result, payload any, d *Dispatcher) error

// Interceptor hooks run around every command. Any hook may be nil.
// A Before error fails the command before validation.
type Interceptor struct {
	Before  func(ctx context.Context, name string, payload any) error
	After   func(ctx context.Context, name string, payload, result any)
	OnError func(ctx context.Context, name string, payload any, err error)
}

// Lifecycle is the payload of the command:* bus events.
type Lifecycle struct {
	ID       string        `json:"id"`
	Command  string        `json:"command"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Status is the state of an execution record.
type Status string

// Execution states.
const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Record is one execution log entry. Payload and Result are sanitized
// copies. A record enters the log as pending when the command starts and is
// completed in place when it returns.
type Record struct {
	ID           string         `json:"id"`
	Command      string         `json:"command"`
	Payload      any            `json:"payload"`
	Result       any            `json:"result,omitempty"`
	Status       Status         `json:"status"`
	Error        string         `json:"error,omitempty"`
	EffectErrors []*EffectError `json:"effect_errors,omitempty"`
	Started      time.Time      `json:"started"`
	Ended        time.Time      `json:"ended,omitzero"`
	Duration     time.Duration  `json:"duration"`
}

// Stats counts executions over the dispatcher's lifetime, not just the
// retained log.
type Stats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

type registration struct {
	handler   Handler
	validator Validator
	effects   []Effect
}

// RegisterOption configures a registration.
type RegisterOption func(*registration)

// WithValidator guards the handler with v.
func WithValidator(v Validator) RegisterOption {
	return func(r *registration) { r.validator = v }
}

// WithEffects appends effects, run in order after the handler succeeds.
func WithEffects(effects ...Effect) RegisterOption {
	return func(r *registration) { r.effects = append(r.effects, effects...) }
}

// Dispatcher is the command registry and executor.
//
// Thread-safety: all methods are safe for concurrent use.
type Dispatcher struct {
	store *state.Store
	bus   *bus.Bus

	mu           sync.RWMutex
	commands     map[string]*registration
	interceptors []Interceptor

	logMu  sync.Mutex
	log    []Record
	maxLog int
	stats  Stats

	clock   clockz.Clock
	ids     ids.Generator
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBus publishes lifecycle events on b.
func WithBus(b *bus.Bus) Option {
	return func(d *Dispatcher) { d.bus = b }
}

// WithMaxLog sets the execution log size. Values < 1 keep the default.
func WithMaxLog(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxLog = n
		}
	}
}

// WithClock sets the clock used for durations.
func WithClock(c clockz.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithIDs sets the execution ID generator.
func WithIDs(g ids.Generator) Option {
	return func(d *Dispatcher) { d.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics enables prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher operating on store.
func New(store *state.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		commands: make(map[string]*registration),
		maxLog:   DefaultMaxLog,
		clock:    clockz.RealClock,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.ids = ids.Or(d.ids)
	return d
}

// Store returns the store handlers operate on.
func (d *Dispatcher) Store() *state.Store { return d.store }

// Bus returns the event bus, or nil when none is configured.
func (d *Dispatcher) Bus() *bus.Bus { return d.bus }

// Register stores handler under name. Registering a name again replaces the
// previous handler.
func (d *Dispatcher) Register(name string, handler Handler, opts ...RegisterOption) {
	reg := &registration{handler: handler}
	for _, opt := range opts {
		opt(reg)
	}

	d.mu.Lock()
	_, replaced := d.commands[name]
	d.commands[name] = reg
	d.mu.Unlock()

	if replaced {
		d.logger.Debug("command: handler replaced", "command", name)
	}
}

// Use appends a global interceptor.
func (d *Dispatcher) Use(i Interceptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interceptors = append(d.interceptors, i)
}

// Has reports whether name is registered.
func (d *Dispatcher) Has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.commands[name]
	return ok
}

// Commands returns the registered names, sorted.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.commands))
	for name := range d.commands {
		names = append(names, name)
	}
	d.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Execute runs the named command.
//
// Unknown names fail with *UnregisteredCommandError and are neither logged
// nor announced. A rejected payload fails with *ValidationError without
// invoking the handler. Effect failures are recorded but never returned.
func (d *Dispatcher) Execute(ctx context.Context, name string, payload any) (any, error) {
	d.mu.RLock()
	reg, ok := d.commands[name]
	interceptors := slices.Clone(d.interceptors)
	d.mu.RUnlock()
	if !ok {
		d.logger.Warn("command: not registered", "command", name)
		return nil, &UnregisteredCommandError{Name: name}
	}

	id := d.ids.Generate()
	start := d.clock.Now()
	rec := Record{
		ID:      id,
		Command: name,
		Payload: Sanitize(payload),
		Status:  StatusPending,
		Started: start,
	}
	d.appendLog(rec)
	d.emit(EventStarted, Lifecycle{ID: id, Command: name})

	result, effectErrs, err := d.run(ctx, name, reg, interceptors, payload)

	end := d.clock.Now()
	elapsed := end.Sub(start)
	rec.Result = Sanitize(result)
	rec.EffectErrors = effectErrs
	rec.Ended = end
	rec.Duration = elapsed
	rec.Status = StatusSuccess
	life := Lifecycle{ID: id, Command: name, Duration: elapsed}
	if err != nil {
		rec.Status = StatusError
		rec.Error = err.Error()
		life.Error = err.Error()
	}
	d.finishLog(rec)

	if err != nil {
		d.metrics.Command(name, "error", elapsed)
		d.logger.Error("command: failed", "command", name, "id", id, "error", err)
		d.emit(EventFailed, life)
		return nil, err
	}
	d.metrics.Command(name, "success", elapsed)
	d.logger.Debug("command: completed", "command", name, "id", id, "duration", elapsed)
	d.emit(EventCompleted, life)
	return result, nil
}

func (d *Dispatcher) run(ctx context.Context, name string, reg *registration, interceptors []Interceptor, payload any) (any, []*EffectError, error) {
	result, effectErrs, err := d.invoke(ctx, name, reg, interceptors, payload)
	if err != nil {
		for _, ic := range interceptors {
			if ic.OnError != nil {
				ic.OnError(ctx, name, payload, err)
			}
		}
		return nil, effectErrs, err
	}
	for _, ic := range interceptors {
		if ic.After != nil {
			ic.After(ctx, name, payload, result)
		}
	}
	return result, effectErrs, nil
}

func (d *Dispatcher) invoke(ctx context.Context, name string, reg *registration, interceptors []Interceptor, payload any) (any, []*EffectError, error) {
	for _, ic := range interceptors {
		if ic.Before == nil {
			continue
		}
		if err := ic.Before(ctx, name, payload); err != nil {
			return nil, nil, err
		}
	}

	if reg.validator != nil {
		if errs := reg.validator(payload); len(errs) > 0 {
			return nil, nil, &ValidationError{Command: name, Errors: errs}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	result, err := d.callHandler(ctx, name, reg.handler, payload)
	if err != nil {
		return nil, nil, err
	}

	var effectErrs []*EffectError
	for i, eff := range reg.effects {
		if err := d.callEffect(ctx, eff, result, payload); err != nil {
			ee := &EffectError{Command: name, Index: i, Err: err}
			effectErrs = append(effectErrs, ee)
			d.metrics.EffectFailed(name)
			d.logger.Warn("command: effect failed", "command", name, "effect", i, "error", err)
		}
	}
	return result, effectErrs, nil
}

func (d *Dispatcher) callHandler(ctx context.Context, name string, h Handler, payload any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("command %q panicked: %v", name, r)
		}
	}()
	return h(ctx, payload, d)
}

func (d *Dispatcher) callEffect(ctx context.Context, eff Effect, result, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("effect panicked: %v", r)
		}
	}()
	return eff(ctx, result, payload, d)
}

func (d *Dispatcher) emit(name string, life Lifecycle) {
	if d.bus != nil {
		d.bus.Emit(name, life, bus.WithSource("command"))
	}
}

func (d *Dispatcher) appendLog(rec Record) {
	d.logMu.Lock()
	defer d.logMu.Unlock()
	d.log = append(d.log, rec)
	if over := len(d.log) - d.maxLog; over > 0 {
		d.log = append(d.log[:0:0], d.log[over:]...)
	}
}

// finishLog replaces the pending entry for rec.ID. The entry may already
// have been evicted; the stats still count it.
func (d *Dispatcher) finishLog(rec Record) {
	d.logMu.Lock()
	defer d.logMu.Unlock()
	if i := slices.IndexFunc(d.log, func(r Record) bool { return r.ID == rec.ID }); i >= 0 {
		d.log[i] = rec
	}
	d.stats.Total++
	if rec.Status == StatusSuccess {
		d.stats.Succeeded++
	} else {
		d.stats.Failed++
	}
}

// Log returns the retained execution records, oldest first.
func (d *Dispatcher) Log() []Record {
	d.logMu.Lock()
	defer d.logMu.Unlock()
	return slices.Clone(d.log)
}

// ClearLog empties the execution log. Stats are kept.
func (d *Dispatcher) ClearLog() {
	d.logMu.Lock()
	defer d.logMu.Unlock()
	d.log = nil
}

// Stats returns lifetime execution counts.
func (d *Dispatcher) Stats() Stats {
	d.logMu.Lock()
	defer d.logMu.Unlock()
	return d.stats
}
