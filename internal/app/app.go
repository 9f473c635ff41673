// Package app wires the core components into one application context.
//
// Components are built once in New and handed to each other through
// constructors; nothing in the core is a package-level singleton.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/clockz"

	"github.com/roach88/floorstate/internal/bootstrap"
	"github.com/roach88/floorstate/internal/bus"
	"github.com/roach88/floorstate/internal/command"
	"github.com/roach88/floorstate/internal/config"
	"github.com/roach88/floorstate/internal/ids"
	"github.com/roach88/floorstate/internal/keypath"
	"github.com/roach88/floorstate/internal/metrics"
	"github.com/roach88/floorstate/internal/state"
	"github.com/roach88/floorstate/internal/syncer"
	"github.com/roach88/floorstate/internal/validate"
)

// App holds one instance of every core component.
type App struct {
	Bus      *bus.Bus
	Store    *state.Store
	Rules    *validate.Engine
	Commands *command.Dispatcher
	Sync     *syncer.Engine
	Metrics  *metrics.Metrics

	cfg    config.Config
	remote syncer.Remote
	clock  clockz.Clock
	logger *slog.Logger

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []bus.Unsubscribe
}

type options struct {
	clock    clockz.Clock
	ids      func(prefix string) ids.Generator
	logger   *slog.Logger
	registry prometheus.Registerer
	jitter   func() float64
	customs  map[string]validate.CustomFunc
}

// Option configures New.
type Option func(*options)

// WithClock sets the clock shared by every component.
func WithClock(c clockz.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDs supplies one generator per component. The prefix names the
// component ("state", "event", "cmd", "sync", "batch").
func WithIDs(fn func(prefix string) ids.Generator) Option {
	return func(o *options) { o.ids = fn }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry registers metrics with reg. Without it no metrics are kept.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithJitter sets the sync retry jitter source.
func WithJitter(fn func() float64) Option {
	return func(o *options) { o.jitter = fn }
}

// WithCustomRule registers fn for rule specs of type custom named name.
// Custom rules must be registered before New loads the configured rules.
func WithCustomRule(name string, fn validate.CustomFunc) Option {
	return func(o *options) {
		if o.customs == nil {
			o.customs = make(map[string]validate.CustomFunc)
		}
		o.customs[name] = fn
	}
}

// New builds the application from cfg. remote receives synced batches.
func New(cfg config.Config, remote syncer.Remote, opts ...Option) (*App, error) {
	if remote == nil {
		return nil, errors.New("app: remote is required")
	}
	o := options{clock: clockz.RealClock, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	gen := func(prefix string) ids.Generator {
		if o.ids == nil {
			return nil
		}
		return o.ids(prefix)
	}

	var m *metrics.Metrics
	if o.registry != nil {
		m = metrics.New(o.registry)
	}

	a := &App{
		Metrics: m,
		cfg:     cfg,
		remote:  remote,
		clock:   o.clock,
		logger:  o.logger,
	}
	a.Bus = bus.New(
		bus.WithMaxHistory(cfg.Bus.MaxHistory),
		bus.WithClock(o.clock),
		bus.WithIDs(gen("event")),
		bus.WithLogger(o.logger),
		bus.WithMetrics(m),
	)
	a.Store = state.New(
		state.WithMaxHistory(cfg.Store.MaxHistory),
		state.WithClock(o.clock),
		state.WithIDs(gen("state")),
		state.WithLogger(o.logger),
		state.WithMetrics(m),
	)
	a.Rules = validate.NewEngine(
		validate.WithCacheTTL(cfg.Validation.CacheTTL.Std()),
		validate.WithClock(o.clock),
		validate.WithMetrics(m),
	)
	for name, fn := range o.customs {
		a.Rules.RegisterCustom(name, fn)
	}
	if err := a.Rules.Load(cfg.Validation.Rules); err != nil {
		return nil, fmt.Errorf("app: validation rules: %w", err)
	}
	a.Commands = command.New(a.Store,
		command.WithBus(a.Bus),
		command.WithMaxLog(cfg.Commands.MaxLog),
		command.WithClock(o.clock),
		command.WithIDs(gen("cmd")),
		command.WithLogger(o.logger),
		command.WithMetrics(m),
	)

	syncOpts := []syncer.Option{
		syncer.WithClock(o.clock),
		syncer.WithIDs(gen("sync")),
		syncer.WithLogger(o.logger),
		syncer.WithMetrics(m),
		syncer.WithBus(a.Bus),
	}
	if o.jitter != nil {
		syncOpts = append(syncOpts, syncer.WithJitter(o.jitter))
	}
	eng, err := syncer.New(a.Store, remote, cfg.SyncerConfig(), syncOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.Sync = eng

	a.Store.Use(state.NormalizeStrings())
	a.Store.Use(state.ValidationGate(a.Store, a.Rules, a.sessionContext))
	return a, nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Remote returns the sync destination.
func (a *App) Remote() syncer.Remote { return a.remote }

// sessionContext feeds conditional validation rules with the session
// subtree, so a rule can depend on e.g. session.shift.
func (a *App) sessionContext() validate.Context {
	doc, _ := state.Lookup[map[string]any](a.Store, bootstrap.SessionRoot)
	return validate.Context(doc)
}

// Start begins syncing and event forwarding. Calling Start twice is a no-op.
func (a *App) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)

	if expr := a.cfg.Sync.RetryFailedSchedule; expr != "" {
		sched, err := newSchedule(expr, a.clock)
		if err != nil {
			cancel()
			return fmt.Errorf("app: %w", err)
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			sched.run(ctx, a.retryFailed)
		}()
	}

	a.unsubs = append(a.unsubs,
		a.Bus.On(syncer.EventFailed, a.forwardSyncFailure),
		a.Bus.On(bus.ErrorEvent, a.logError),
	)
	a.Sync.Start(ctx)
	a.cancel = cancel
	a.logger.Info("app started", "remote", a.cfg.Remote.Kind, "fields", len(a.cfg.Sync.Fields))
	return nil
}

// Stop halts syncing and waits for background work. Queued items stay in
// memory; call Flush first to drain them.
func (a *App) Stop() {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel == nil {
		return
	}
	a.Sync.Stop()
	a.cancel()
	a.wg.Wait()
	for _, u := range a.unsubs {
		u()
	}
	a.unsubs = nil
	a.cancel = nil
	a.logger.Info("app stopped")
}

// Flush runs a sync pass now.
func (a *App) Flush(ctx context.Context) error {
	return a.Sync.Flush(ctx)
}

// Bootstrap loads a session snapshot using the configured mapping.
func (a *App) Bootstrap(snapshot map[string]any) (bootstrap.Result, error) {
	res, err := bootstrap.Load(a.Store, snapshot, a.cfg.BootstrapMapping(), bootstrap.Options{
		KeepUnmapped: a.cfg.Bootstrap.KeepUnmapped,
	})
	if err != nil {
		return res, fmt.Errorf("app: bootstrap: %w", err)
	}
	a.logger.Info("session loaded", "written", res.Written, "unmapped", len(res.Unmapped))
	return res, nil
}

// ReloadRules replaces every rule set with specs. Nothing changes if any
// spec fails to compile.
func (a *App) ReloadRules(specs map[string][]validate.RuleSpec) error {
	compiled := make(map[keypath.Path][]validate.Rule, len(specs))
	staging := validate.NewEngine(validate.WithCacheTTL(0))
	for raw, list := range specs {
		p, err := keypath.Parse(raw)
		if err != nil {
			return fmt.Errorf("app: reload rules: %w", err)
		}
		rules, err := a.Rules.Compile(list)
		if err == nil {
			err = staging.DefineRules(p, rules...)
		}
		if err != nil {
			return fmt.Errorf("app: reload rules: %s: %w", p, err)
		}
		compiled[p] = rules
	}

	for _, p := range a.Rules.Paths() {
		if _, ok := compiled[p]; !ok {
			_ = a.Rules.DefineRules(p)
		}
	}
	for p, rules := range compiled {
		if err := a.Rules.DefineRules(p, rules...); err != nil {
			return fmt.Errorf("app: reload rules: %w", err)
		}
	}
	a.logger.Info("validation rules reloaded", "paths", len(compiled))
	return nil
}

func (a *App) retryFailed() {
	if n := a.Sync.RetryFailed(); n > 0 {
		a.logger.Info("scheduled retry of failed items", "count", n)
	}
}

// forwardSyncFailure re-announces permanent sync failures as bus errors so
// one error listener sees handler and sync problems alike.
func (a *App) forwardSyncFailure(ev bus.Event) error {
	rec, ok := ev.Payload.(syncer.FailureRecord)
	if !ok {
		return nil
	}
	a.Bus.Emit(bus.ErrorEvent, bus.ErrorPayload{
		EventID: ev.ID,
		Event:   ev.Name,
		Message: fmt.Sprintf("sync of %s failed after %d attempts: %s", rec.Path, rec.Retries, rec.Error),
	}, bus.WithSource("syncer"))
	return nil
}

func (a *App) logError(ev bus.Event) error {
	if p, ok := ev.Payload.(bus.ErrorPayload); ok {
		a.logger.Error("event error", "event", p.Event, "event_id", p.EventID, "error", p.Message)
	}
	return nil
}
