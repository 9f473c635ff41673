package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/roach88/floorstate/internal/bus"
	"github.com/roach88/floorstate/internal/ids"
	"github.com/roach88/floorstate/internal/keypath"
	"github.com/roach88/floorstate/internal/state"
)

type fakeRemote struct {
	mu       sync.Mutex
	batches  []Batch
	failNext int
	always   error
	gate     chan struct{}
	entered  chan struct{}
}

func (r *fakeRemote) Write(ctx context.Context, b Batch) error {
	if r.entered != nil {
		r.entered <- struct{}{}
	}
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
	if r.always != nil {
		return r.always
	}
	if r.failNext > 0 {
		r.failNext--
		return errors.New("503 service unavailable")
	}
	return nil
}

func (r *fakeRemote) calls() []Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Batch(nil), r.batches...)
}

type fixture struct {
	clock  *clockz.FakeClock
	store  *state.Store
	bus    *bus.Bus
	remote *fakeRemote
	engine *Engine
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Fields = map[keypath.Path]string{
		"shift.operatorId":             "operator_id",
		"production.currentRoll.width": "roll_width",
		"production.currentRoll.grade": "roll_grade",
		"qc.*":                         "qc",
	}
	return cfg
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := clockz.NewFakeClock()
	f := &fixture{
		clock:  clock,
		store:  state.New(state.WithClock(clock)),
		bus:    bus.New(bus.WithClock(clock)),
		remote: &fakeRemote{},
	}
	e, err := New(f.store, f.remote, cfg,
		WithClock(clock),
		WithIDs(ids.NewSequence("item")),
		WithJitter(func() float64 { return 0 }),
		WithBus(f.bus),
	)
	require.NoError(t, err)
	f.engine = e
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.engine.Start(context.Background())
	t.Cleanup(f.engine.Stop)
}

// settle gives the scheduler goroutine time to arm its timer before the
// fake clock moves.
func settle() {
	time.Sleep(20 * time.Millisecond)
}

func (f *fixture) advance(d time.Duration) {
	settle()
	f.clock.Advance(d)
	f.clock.BlockUntilReady()
}

func (f *fixture) waitCalls(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.remote.calls()) == n && !f.engine.Status().InFlight
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_OperatorIDExample(t *testing.T) {
	f := newFixture(t, testConfig())
	f.start(t)

	f.store.Set("shift.operatorId", "A1", state.SourceUser)

	items := f.engine.Items()
	require.Len(t, items, 1)
	assert.Equal(t, keypath.Path("shift.operatorId"), items[0].Path)
	assert.Equal(t, "operator_id", items[0].Field)
	assert.Empty(t, f.remote.calls(), "nothing is sent before the debounce elapses")

	f.advance(time.Second)

	f.waitCalls(t, 1)
	assert.Equal(t, map[string]any{"operator_id": "A1"}, f.remote.calls()[0].Fields)
	assert.Empty(t, f.engine.Items())
}

func TestEngine_BatchesWritesWithinWindow(t *testing.T) {
	f := newFixture(t, testConfig())
	f.start(t)

	f.store.Set("shift.operatorId", "A1", state.SourceUser)
	f.store.Set("production.currentRoll.width", 1200, state.SourceUser)
	f.store.Set("production.currentRoll.grade", "B", state.SourceUser)
	f.advance(time.Second)

	f.waitCalls(t, 1)
	assert.Equal(t, map[string]any{
		"operator_id": "A1",
		"roll_width":  1200,
		"roll_grade":  "B",
	}, f.remote.calls()[0].Fields)
	assert.Equal(t, 3, f.engine.Status().Succeeded)
}

func TestEngine_TrailingDebounce(t *testing.T) {
	f := newFixture(t, testConfig())
	f.start(t)

	f.store.Set("shift.operatorId", "A1", state.SourceUser)
	f.advance(600 * time.Millisecond)
	f.store.Set("shift.operatorId", "A2", state.SourceUser)
	f.advance(600 * time.Millisecond)

	settle()
	assert.Empty(t, f.remote.calls(), "second edit restarts the window")

	f.advance(400 * time.Millisecond)

	f.waitCalls(t, 1)
	b := f.remote.calls()[0]
	assert.Equal(t, map[string]any{"operator_id": "A2"}, b.Fields, "latest value wins")
	assert.Len(t, b.Items, 2, "every edit is its own queue item")
}

func TestEngine_IgnoresNonUserWrites(t *testing.T) {
	f := newFixture(t, testConfig())
	f.start(t)

	f.store.Set("shift.operatorId", "A1", state.SourceSystem)
	f.store.Set("production.currentRoll.width", 1, state.SourceAPI)
	f.store.Set("unmapped.path", 1, state.SourceUser)

	assert.Empty(t, f.engine.Items())
}

func TestEngine_NestedFieldMapping(t *testing.T) {
	f := newFixture(t, testConfig())
	f.start(t)

	f.store.Set("qc.samples.first.thickness", 1.2, state.SourceUser)

	items := f.engine.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "qc.samples.first.thickness", items[0].Field)
}

func TestEngine_StopUnsubscribes(t *testing.T) {
	f := newFixture(t, testConfig())
	f.engine.Start(context.Background())
	f.engine.Stop()
	f.engine.Stop()

	f.store.Set("shift.operatorId", "A1", state.SourceUser)

	assert.Empty(t, f.engine.Items())
}

func TestEngine_ImmediateSync(t *testing.T) {
	f := newFixture(t, testConfig())
	f.start(t)

	_, err := f.engine.Sync("shift.operatorId", "A1", PriorityHigh, true)
	require.NoError(t, err)

	f.waitCalls(t, 1)
}

func TestEngine_PriorityOrdering(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	f := newFixture(t, cfg)

	_, err := f.engine.Sync("production.currentRoll.grade", "B", PriorityLow, false)
	require.NoError(t, err)
	_, err = f.engine.Sync("shift.operatorId", "A1", PriorityHigh, false)
	require.NoError(t, err)

	require.NoError(t, f.engine.Flush(context.Background()))
	require.NoError(t, f.engine.Flush(context.Background()))

	calls := f.remote.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, map[string]any{"operator_id": "A1"}, calls[0].Fields)
	assert.Equal(t, map[string]any{"roll_grade": "B"}, calls[1].Fields)
}

func TestEngine_FIFOWithinPriority(t *testing.T) {
	f := newFixture(t, testConfig())

	for _, v := range []string{"a", "b", "c"} {
		_, err := f.engine.Sync("shift.operatorId", v, PriorityNormal, false)
		require.NoError(t, err)
	}
	_, err := f.engine.Sync("production.currentRoll.grade", "x", PriorityHigh, false)
	require.NoError(t, err)

	var order []any
	for _, it := range f.engine.Items() {
		order = append(order, it.Value)
	}
	assert.Equal(t, []any{"x", "a", "b", "c"}, order)
}

func TestEngine_MergeLatestEnqueuedWins(t *testing.T) {
	f := newFixture(t, testConfig())

	_, _ = f.engine.Sync("shift.operatorId", "old", PriorityHigh, false)
	_, _ = f.engine.Sync("shift.operatorId", "new", PriorityLow, false)

	require.NoError(t, f.engine.Flush(context.Background()))

	assert.Equal(t, map[string]any{"operator_id": "new"}, f.remote.calls()[0].Fields)
}

func TestEngine_BatchSizeDrainsRemainder(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	f := newFixture(t, cfg)
	f.start(t)

	f.store.Set("shift.operatorId", "A1", state.SourceUser)
	f.store.Set("production.currentRoll.width", 1, state.SourceUser)
	f.store.Set("production.currentRoll.grade", "B", state.SourceUser)
	f.advance(time.Second)

	f.waitCalls(t, 2)
	assert.Len(t, f.remote.calls()[0].Fields, 2)
	assert.Len(t, f.remote.calls()[1].Fields, 1)
}

func TestEngine_RetryBackoffThenFailed(t *testing.T) {
	f := newFixture(t, testConfig())
	f.remote.always = errors.New("502 bad gateway")
	ctx := context.Background()

	id, err := f.engine.Sync("shift.operatorId", "A1", PriorityNormal, false)
	require.NoError(t, err)

	var delays []time.Duration
	for attempt := 1; attempt < 3; attempt++ {
		now := f.clock.Now()
		err := f.engine.Flush(ctx)
		var se *SyncError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, attempt, se.Attempt)

		it := f.engine.Items()[0]
		assert.Equal(t, StatusPending, it.Status)
		assert.Equal(t, attempt, it.Retries)
		delay := it.NextRetry.Sub(now)
		delays = append(delays, delay)

		require.NoError(t, f.engine.Flush(ctx), "not eligible before the retry time")
		assert.Len(t, f.remote.calls(), attempt)
		f.clock.Advance(delay)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)

	require.Error(t, f.engine.Flush(ctx))
	it := f.engine.Items()[0]
	assert.Equal(t, StatusFailed, it.Status)
	assert.Equal(t, 1, f.engine.Status().Failed)

	rec := f.store.Get(ErrorsPath.Child(id), nil)
	require.NotNil(t, rec)
	assert.Equal(t, 3, rec.(map[string]any)["retries"])
	assert.Equal(t, "operator_id", rec.(map[string]any)["field"])
	assert.Equal(t, "502 bad gateway", rec.(map[string]any)["error"])
	assert.Len(t, f.store.Get(ErrorsPath, nil).(map[string]any), 1)

	f.clock.Advance(time.Hour)
	require.NoError(t, f.engine.Flush(ctx))
	assert.Len(t, f.remote.calls(), 3, "failed items are not retried automatically")

	failed := f.bus.History(bus.Filter{Name: EventFailed})
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].Payload.(FailureRecord).ID)
	assert.Len(t, f.bus.History(bus.Filter{Name: EventRetry}), 2)
}

func TestEngine_RetryFailed(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxRetries = 1
	f := newFixture(t, cfg)
	f.remote.failNext = 1
	ctx := context.Background()

	id, _ := f.engine.Sync("shift.operatorId", "A1", PriorityNormal, false)
	require.Error(t, f.engine.Flush(ctx))
	require.True(t, f.store.Has(ErrorsPath.Child(id)))

	assert.Equal(t, 1, f.engine.RetryFailed())

	assert.False(t, f.store.Has(ErrorsPath.Child(id)))
	it := f.engine.Items()[0]
	assert.Equal(t, StatusPending, it.Status)
	assert.Equal(t, 0, it.Retries)

	require.NoError(t, f.engine.Flush(ctx))
	assert.Empty(t, f.engine.Items())
	assert.Equal(t, 0, f.engine.RetryFailed())
}

func TestEngine_ScheduledRetry(t *testing.T) {
	f := newFixture(t, testConfig())
	f.remote.failNext = 1
	f.start(t)

	_, err := f.engine.Sync("shift.operatorId", "A1", PriorityNormal, true)
	require.NoError(t, err)
	f.waitCalls(t, 1)
	require.Eventually(t, func() bool {
		items := f.engine.Items()
		return len(items) == 1 && items[0].Retries == 1
	}, time.Second, 5*time.Millisecond)

	f.advance(time.Second)

	f.waitCalls(t, 2)
	assert.Empty(t, f.engine.Items())
	assert.Equal(t, 1, f.engine.Status().FailedBatches)
	assert.Equal(t, 1, f.engine.Status().Batches)
}

func TestEngine_PassesDoNotOverlap(t *testing.T) {
	f := newFixture(t, testConfig())
	f.remote.gate = make(chan struct{})
	f.remote.entered = make(chan struct{}, 1)
	ctx := context.Background()

	_, _ = f.engine.Sync("shift.operatorId", "A1", PriorityNormal, false)

	first := make(chan error, 1)
	go func() { first <- f.engine.Flush(ctx) }()
	<-f.remote.entered

	assert.True(t, f.engine.Status().InFlight)
	assert.Equal(t, 1, f.engine.Status().Syncing)
	assert.ErrorIs(t, f.engine.Flush(ctx), ErrPassInFlight)

	close(f.remote.gate)
	require.NoError(t, <-first)
	assert.False(t, f.engine.Status().InFlight)
	assert.Len(t, f.remote.calls(), 1)
}

func TestEngine_StatusMirroredIntoStore(t *testing.T) {
	f := newFixture(t, testConfig())

	_, _ = f.engine.Sync("shift.operatorId", "A1", PriorityNormal, false)
	require.NoError(t, f.engine.Flush(context.Background()))

	assert.Equal(t, 1, f.store.Get("sync.status.succeeded", nil))
	assert.Equal(t, 0, f.store.Get("sync.status.queued", nil))
	assert.Equal(t, false, f.store.Get("sync.status.inFlight", nil))
	assert.Equal(t, f.clock.Now().UTC().Format(time.RFC3339Nano), f.store.Get(LastSuccessPath, nil))

	success := f.bus.History(bus.Filter{Name: EventSuccess})
	require.Len(t, success, 1)
	assert.Equal(t, []string{"operator_id"}, success[0].Payload.(SuccessEvent).Fields)
}

func TestEngine_Clear(t *testing.T) {
	f := newFixture(t, testConfig())
	_, _ = f.engine.Sync("shift.operatorId", "A1", PriorityNormal, false)
	_, _ = f.engine.Sync("production.currentRoll.width", 1, PriorityNormal, false)

	assert.Equal(t, 2, f.engine.Clear())

	assert.Empty(t, f.engine.Items())
	require.NoError(t, f.engine.Flush(context.Background()))
	assert.Empty(t, f.remote.calls())
}

func TestEngine_SyncErrors(t *testing.T) {
	f := newFixture(t, testConfig())

	_, err := f.engine.Sync("not.mapped", 1, PriorityNormal, false)
	var ue *UnmappedPathError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, keypath.Path("not.mapped"), ue.Path)

	_, err = f.engine.Sync("shift.operatorId", 1, "urgent", false)
	assert.ErrorIs(t, err, ErrUnknownPriority)
}

func TestEngine_PathPriorities(t *testing.T) {
	cfg := testConfig()
	cfg.PathPriorities = map[keypath.Path]string{"qc.*": PriorityHigh}
	f := newFixture(t, cfg)
	f.start(t)

	f.store.Set("shift.operatorId", "A1", state.SourceUser)
	f.store.Set("qc.sample", 1, state.SourceUser)

	items := f.engine.Items()
	require.Len(t, items, 2)
	assert.Equal(t, keypath.Path("qc.sample"), items[0].Path)
	assert.Equal(t, PriorityHigh, items[0].Priority)
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"zero retries", func(c *Config) { c.Retry.MaxRetries = 0 }},
		{"shrinking backoff", func(c *Config) { c.Retry.BackoffMultiplier = 0.5 }},
		{"no normal priority", func(c *Config) { c.Priorities = map[string]int{"high": 0} }},
		{"unknown path priority", func(c *Config) { c.PathPriorities = map[keypath.Path]string{"a": "urgent"} }},
		{"empty field", func(c *Config) { c.Fields = map[keypath.Path]string{"a": ""} }},
		{"bad path", func(c *Config) { c.Fields = map[keypath.Path]string{"a..b": "x"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New(state.New(), &fakeRemote{}, cfg)
			assert.Error(t, err)
		})
	}
}

func TestEngine_ManualDrive(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxRetries = 2
	f := newFixture(t, cfg)
	unsub := f.engine.Observe()
	defer unsub()

	_, ok := f.engine.NextWake()
	assert.False(t, ok, "nothing scheduled on an empty queue")

	start := f.clock.Now()
	f.store.Set("shift.operatorId", "OP-1", state.SourceUser)
	at, ok := f.engine.NextWake()
	require.True(t, ok)
	assert.Equal(t, start.Add(cfg.SyncDelay), at)

	f.remote.failNext = 1
	f.clock.Advance(cfg.SyncDelay)
	require.Error(t, f.engine.Flush(context.Background()))

	at, ok = f.engine.NextWake()
	require.True(t, ok)
	assert.Equal(t, f.clock.Now().Add(cfg.Retry.BaseDelay), at)

	f.clock.Advance(cfg.Retry.BaseDelay)
	require.NoError(t, f.engine.Flush(context.Background()))
	_, ok = f.engine.NextWake()
	assert.False(t, ok)
	assert.Len(t, f.remote.calls(), 2)
}

func TestEngine_RetryWakeKeepsDebounce(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	start := f.clock.Now()

	f.remote.failNext = 1
	_, _ = f.engine.Sync("shift.operatorId", "A1", PriorityNormal, false)
	require.Error(t, f.engine.Flush(ctx))

	f.clock.Advance(900 * time.Millisecond)
	_, _ = f.engine.Sync("production.currentRoll.width", 12, PriorityNormal, false)

	at, ok := f.engine.NextWake()
	require.True(t, ok)
	assert.Equal(t, start.Add(time.Second), at, "retry is due before the new debounce")

	f.clock.Advance(100 * time.Millisecond)
	require.NoError(t, f.engine.RunDue(ctx))
	calls := f.remote.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, map[string]any{"operator_id": "A1"}, calls[1].Fields, "only the retried item goes early")

	at, ok = f.engine.NextWake()
	require.True(t, ok)
	assert.Equal(t, start.Add(1900*time.Millisecond), at)

	f.clock.Advance(800 * time.Millisecond)
	require.NoError(t, f.engine.RunDue(ctx))
	assert.Len(t, f.remote.calls(), 2, "still inside the debounce window")

	f.clock.Advance(100 * time.Millisecond)
	require.NoError(t, f.engine.RunDue(ctx))
	calls = f.remote.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, map[string]any{"roll_width": 12}, calls[2].Fields)
	assert.Empty(t, f.engine.Items())
}

func TestEngine_FlushIgnoresDebounce(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, _ = f.engine.Sync("shift.operatorId", "A1", PriorityNormal, false)
	require.NoError(t, f.engine.RunDue(ctx))
	assert.Empty(t, f.remote.calls(), "scheduled pass waits for the debounce")

	require.NoError(t, f.engine.Flush(ctx))
	assert.Len(t, f.remote.calls(), 1)
}

func TestEngine_StatusPublishesInFlight(t *testing.T) {
	f := newFixture(t, testConfig())

	var seen []any
	unsub := f.store.Subscribe(StatusPath, func(c state.Change) {
		seen = append(seen, c.Value.(map[string]any)["inFlight"])
	})
	defer unsub()

	_, _ = f.engine.Sync("shift.operatorId", "A1", PriorityNormal, false)
	require.NoError(t, f.engine.Flush(context.Background()))

	assert.Equal(t, []any{true, false}, seen)
	assert.Equal(t, false, f.store.Get("sync.status.inFlight", nil))
}
