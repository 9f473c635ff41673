package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/roach88/floorstate/internal/app"
	"github.com/roach88/floorstate/internal/bus"
	"github.com/roach88/floorstate/internal/config"
	"github.com/roach88/floorstate/internal/ids"
	"github.com/roach88/floorstate/internal/keypath"
	"github.com/roach88/floorstate/internal/remote"
	"github.com/roach88/floorstate/internal/state"
	"github.com/roach88/floorstate/internal/syncer"
)

// maxPasses bounds the passes one advance step may run.
const maxPasses = 10000

// Harness executes one scenario.
type Harness struct {
	app    *app.App
	remote *remote.Memory
	clock  *clockz.FakeClock
	start  time.Time
	logger *slog.Logger

	mu     sync.Mutex
	writes []WriteRecord
	events []EventRecord
}

// recorder sits between the sync engine and the memory remote and notes
// every attempt, including failed ones.
type recorder struct {
	h    *Harness
	next syncer.Remote
}

func (r recorder) Write(ctx context.Context, b syncer.Batch) error {
	err := r.next.Write(ctx, b)
	rec := WriteRecord{
		At:     r.h.offset(),
		Batch:  b.ID,
		Fields: b.Fields,
		Items:  b.Items,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	r.h.mu.Lock()
	r.h.writes = append(r.h.writes, rec)
	r.h.mu.Unlock()
	return err
}

// Run executes a scenario and evaluates its assertions.
//
// Each run gets a fresh app, memory remote and fake clock, and every ID
// comes from a per-component sequence, so identical scenarios produce
// identical traces.
func Run(s *Scenario) (*Result, error) {
	cfg, err := scenarioConfig(s)
	if err != nil {
		return nil, err
	}

	clock := clockz.NewFakeClock()
	h := &Harness{
		remote: remote.NewMemory(),
		clock:  clock,
		start:  clock.Now(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	h.remote.FailNext(s.RemoteFailures)

	a, err := app.New(cfg, recorder{h: h, next: h.remote},
		app.WithClock(clock),
		app.WithIDs(func(prefix string) ids.Generator { return ids.NewSequence(prefix) }),
		app.WithLogger(h.logger),
		app.WithJitter(func() float64 { return 0 }),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build app: %w", err)
	}
	h.app = a

	unsub := a.Sync.Observe()
	defer unsub()
	for _, name := range []string{syncer.EventSuccess, syncer.EventRetry, syncer.EventFailed, bus.ErrorEvent} {
		defer a.Bus.On(name, h.recordEvent)()
	}

	if len(s.Snapshot) > 0 {
		if _, err := a.Bootstrap(s.Snapshot); err != nil {
			return nil, err
		}
	}

	ctx := context.Background()
	result := &Result{Pass: true}
	for i, step := range s.Steps {
		rec, err := h.execute(ctx, i, step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		result.Trace.Steps = append(result.Trace.Steps, rec)
	}

	result.Trace.Scenario = s.Name
	result.Trace.Writes = h.writes
	result.Trace.Events = h.events
	result.Trace.Final = h.final()
	if result.Trace.Writes == nil {
		result.Trace.Writes = []WriteRecord{}
	}
	if result.Trace.Events == nil {
		result.Trace.Events = []EventRecord{}
	}

	for _, msg := range EvaluateAssertions(result, s.Assertions, a.Store) {
		result.AddError(msg)
	}
	return result, nil
}

func scenarioConfig(s *Scenario) (config.Config, error) {
	cfg := config.Default()
	if !s.Config.IsZero() {
		if err := s.Config.Decode(&cfg); err != nil {
			return config.Config{}, fmt.Errorf("scenario config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("scenario config: %w", err)
	}
	return cfg, nil
}

func (h *Harness) offset() string {
	return h.clock.Since(h.start).String()
}

func (h *Harness) execute(ctx context.Context, i int, step Step) (StepRecord, error) {
	rec := StepRecord{Index: i, Op: step.Op(), At: h.offset()}
	switch rec.Op {
	case OpSet:
		src := state.Source(step.Set.Source)
		if src == "" {
			src = state.SourceUser
		}
		h.app.Store.Set(keypath.Path(step.Set.Path), step.Set.Value, src)
		rec.Detail = fmt.Sprintf("%s = %s (%s)", step.Set.Path, render(step.Set.Value), src)

	case OpFlush:
		if err := h.app.Flush(ctx); err != nil {
			rec.Error = err.Error()
		}

	case OpAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return rec, err
		}
		rec.Detail = d.String()
		if err := h.advance(ctx, d); err != nil {
			return rec, err
		}

	case OpRetryFailed:
		rec.Detail = fmt.Sprintf("requeued %d", h.app.Sync.RetryFailed())

	case OpClear:
		rec.Detail = fmt.Sprintf("dropped %d", h.app.Sync.Clear())

	case OpFailNext:
		h.remote.FailNext(step.FailNext)
		rec.Detail = fmt.Sprintf("%d", step.FailNext)

	default:
		return rec, errors.New("step has no operation")
	}
	return rec, nil
}

// advance moves the clock forward by d, stopping at every scheduled pass
// on the way and running it.
func (h *Harness) advance(ctx context.Context, d time.Duration) error {
	target := h.clock.Now().Add(d)
	for range maxPasses {
		at, ok := h.app.Sync.NextWake()
		if !ok || at.After(target) {
			if rest := target.Sub(h.clock.Now()); rest > 0 {
				h.clock.Advance(rest)
			}
			return nil
		}
		if wait := at.Sub(h.clock.Now()); wait > 0 {
			h.clock.Advance(wait)
		}
		err := h.app.Sync.RunDue(ctx)
		if err != nil && !syncer.IsSyncError(err) {
			return err
		}
	}
	return fmt.Errorf("advance %s: more than %d sync passes", d, maxPasses)
}

func (h *Harness) recordEvent(ev bus.Event) error {
	rec := EventRecord{At: h.offset(), Name: ev.Name}
	switch p := ev.Payload.(type) {
	case syncer.SuccessEvent:
		rec.Detail = fmt.Sprintf("batch %s items %s", p.BatchID, strings.Join(p.Items, ","))
	case syncer.RetryEvent:
		rec.Detail = fmt.Sprintf("batch %s attempt %d next %s", p.BatchID, p.Attempt, p.NextRetry.Sub(h.start))
	case syncer.FailureRecord:
		rec.Detail = fmt.Sprintf("item %s path %s after %d attempts", p.ID, p.Path, p.Retries)
	case bus.ErrorPayload:
		rec.Detail = fmt.Sprintf("%s: %s", p.Event, p.Message)
	}
	h.mu.Lock()
	h.events = append(h.events, rec)
	h.mu.Unlock()
	return nil
}

func (h *Harness) final() Final {
	st := h.app.Sync.Status()
	f := Final{
		Queued:        st.Queued,
		Pending:       st.Pending,
		Failed:        st.Failed,
		Succeeded:     st.Succeeded,
		Batches:       st.Batches,
		FailedBatches: st.FailedBatches,
		Remote:        h.remote.Fields(),
	}
	for _, it := range h.app.Sync.Items() {
		if it.Status != syncer.StatusFailed {
			continue
		}
		f.Failures = append(f.Failures, Failure{
			Item:    it.ID,
			Path:    string(it.Path),
			Field:   it.Field,
			Retries: it.Retries,
			Error:   it.LastError,
		})
	}
	if v, ok := state.Lookup[map[string]any](h.app.Store, state.ValidationRoot); ok && len(v) > 0 {
		f.Validation = v
	}
	return f
}

func render(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
