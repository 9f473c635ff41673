package command

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/roach88/floorstate/internal/bus"
	"github.com/roach88/floorstate/internal/ids"
	"github.com/roach88/floorstate/internal/keypath"
	"github.com/roach88/floorstate/internal/state"
	"github.com/roach88/floorstate/internal/validate"
)

func newTestDispatcher(opts ...Option) *Dispatcher {
	clock := clockz.NewFakeClock()
	store := state.New(state.WithClock(clock))
	base := []Option{WithClock(clock), WithIDs(ids.NewSequence("cmd"))}
	return New(store, append(base, opts...)...)
}

func echo(_ context.Context, payload any, _ *Dispatcher) (any, error) {
	return payload, nil
}

func TestExecute_Unregistered(t *testing.T) {
	d := newTestDispatcher()

	_, err := d.Execute(context.Background(), "missing", nil)

	var ue *UnregisteredCommandError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "missing", ue.Name)
	assert.True(t, IsUnregistered(err))
	assert.Empty(t, d.Log())
}

func TestExecute_HandlerWritesStore(t *testing.T) {
	d := newTestDispatcher()
	d.Register("roll.setWidth", func(_ context.Context, payload any, d *Dispatcher) (any, error) {
		d.Store().Set("production.currentRoll.width", payload, state.SourceUser)
		return "ok", nil
	})

	out, err := d.Execute(context.Background(), "roll.setWidth", 1200)

	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 1200, d.Store().Get("production.currentRoll.width", nil))
}

func TestExecute_ValidationFailureSkipsHandler(t *testing.T) {
	d := newTestDispatcher()
	var calls int
	d.Register("roll.start", func(context.Context, any, *Dispatcher) (any, error) {
		calls++
		return nil, nil
	}, WithValidator(func(any) []FieldError {
		return []FieldError{{Field: "width", Message: "is required"}}
	}))

	_, err := d.Execute(context.Background(), "roll.start", map[string]any{})

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []FieldError{{Field: "width", Message: "is required"}}, ve.Errors)
	assert.Equal(t, 0, calls)
	assert.True(t, IsValidationError(err))
}

func TestExecute_HandlerError(t *testing.T) {
	d := newTestDispatcher()
	boom := errors.New("printer offline")
	d.Register("label.print", func(context.Context, any, *Dispatcher) (any, error) {
		return nil, boom
	})

	_, err := d.Execute(context.Background(), "label.print", nil)

	assert.ErrorIs(t, err, boom)
	log := d.Log()
	require.Len(t, log, 1)
	assert.Equal(t, StatusError, log[0].Status)
	assert.Equal(t, "printer offline", log[0].Error)
}

func TestExecute_HandlerPanicBecomesError(t *testing.T) {
	d := newTestDispatcher()
	d.Register("bad", func(context.Context, any, *Dispatcher) (any, error) {
		panic("nil map")
	})

	_, err := d.Execute(context.Background(), "bad", nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map")
}

func TestExecute_EffectsRunInOrderAndFailuresAreIsolated(t *testing.T) {
	d := newTestDispatcher()
	var order []string
	d.Register("roll.finish", echo, WithEffects(
		func(_ context.Context, result, _ any, _ *Dispatcher) error {
			order = append(order, fmt.Sprintf("first:%v", result))
			return nil
		},
		func(context.Context, any, any, *Dispatcher) error {
			order = append(order, "second")
			return errors.New("scale timeout")
		},
		func(context.Context, any, any, *Dispatcher) error {
			order = append(order, "third")
			panic("label template missing")
		},
		func(context.Context, any, any, *Dispatcher) error {
			order = append(order, "fourth")
			return nil
		},
	))

	out, err := d.Execute(context.Background(), "roll.finish", "R-1")

	require.NoError(t, err)
	assert.Equal(t, "R-1", out)
	assert.Equal(t, []string{"first:R-1", "second", "third", "fourth"}, order)

	rec := d.Log()[0]
	assert.Equal(t, StatusSuccess, rec.Status)
	require.Len(t, rec.EffectErrors, 2)
	assert.Equal(t, 1, rec.EffectErrors[0].Index)
	assert.EqualError(t, rec.EffectErrors[0].Err, "scale timeout")
	assert.Equal(t, 2, rec.EffectErrors[1].Index)
}

func TestExecute_EffectsSkippedOnFailure(t *testing.T) {
	d := newTestDispatcher()
	var ran bool
	d.Register("x", func(context.Context, any, *Dispatcher) (any, error) {
		return nil, errors.New("no")
	}, WithEffects(func(context.Context, any, any, *Dispatcher) error {
		ran = true
		return nil
	}))

	_, _ = d.Execute(context.Background(), "x", nil)

	assert.False(t, ran)
}

func TestExecute_Interceptors(t *testing.T) {
	d := newTestDispatcher()
	var order []string
	d.Use(Interceptor{
		Before: func(_ context.Context, name string, _ any) error {
			order = append(order, "before1:"+name)
			return nil
		},
		After: func(_ context.Context, name string, _, result any) {
			order = append(order, fmt.Sprintf("after1:%v", result))
		},
		OnError: func(_ context.Context, name string, _ any, err error) {
			order = append(order, "error1:"+err.Error())
		},
	})
	d.Use(Interceptor{
		Before: func(_ context.Context, name string, _ any) error {
			order = append(order, "before2:"+name)
			return nil
		},
	})
	d.Register("ok", echo)
	d.Register("fail", func(context.Context, any, *Dispatcher) (any, error) {
		return nil, errors.New("bad")
	})

	_, _ = d.Execute(context.Background(), "ok", 1)
	_, _ = d.Execute(context.Background(), "fail", nil)

	assert.Equal(t, []string{
		"before1:ok", "before2:ok", "after1:1",
		"before1:fail", "before2:fail", "error1:bad",
	}, order)
}

func TestExecute_BeforeErrorAborts(t *testing.T) {
	d := newTestDispatcher()
	var handled, onError bool
	d.Use(Interceptor{
		Before:  func(context.Context, string, any) error { return errors.New("shift closed") },
		OnError: func(context.Context, string, any, error) { onError = true },
	})
	d.Register("x", func(context.Context, any, *Dispatcher) (any, error) {
		handled = true
		return nil, nil
	})

	_, err := d.Execute(context.Background(), "x", nil)

	assert.EqualError(t, err, "shift closed")
	assert.False(t, handled)
	assert.True(t, onError)
}

func TestExecute_CancelledContext(t *testing.T) {
	d := newTestDispatcher()
	d.Register("x", echo)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Execute(ctx, "x", nil)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecute_Reentrant(t *testing.T) {
	d := newTestDispatcher()
	d.Register("roll.regenerateId", func(_ context.Context, _ any, d *Dispatcher) (any, error) {
		d.Store().Set("production.currentRoll.id", "R-0002", state.SourceSystem)
		return "R-0002", nil
	})
	d.Register("roll.start", func(ctx context.Context, _ any, d *Dispatcher) (any, error) {
		return d.Execute(ctx, "roll.regenerateId", nil)
	})

	out, err := d.Execute(context.Background(), "roll.start", nil)

	require.NoError(t, err)
	assert.Equal(t, "R-0002", out)
	log := d.Log()
	require.Len(t, log, 2)
	assert.Equal(t, "roll.regenerateId", log[0].Command, "inner command finishes first")
	assert.Equal(t, "roll.start", log[1].Command)
}

func TestExecute_LogSanitizesSecrets(t *testing.T) {
	d := newTestDispatcher()
	d.Register("login", func(context.Context, any, *Dispatcher) (any, error) {
		return map[string]any{"sessionToken": "abc", "user": "A1"}, nil
	})

	_, err := d.Execute(context.Background(), "login", map[string]any{
		"user":     "A1",
		"Password": "hunter2",
		"device":   map[string]any{"apiSecret": "s3"},
	})
	require.NoError(t, err)

	rec := d.Log()[0]
	assert.Equal(t, map[string]any{
		"user":     "A1",
		"Password": Redacted,
		"device":   map[string]any{"apiSecret": Redacted},
	}, rec.Payload)
	assert.Equal(t, map[string]any{"sessionToken": Redacted, "user": "A1"}, rec.Result)
}

func TestExecute_LogIsBounded(t *testing.T) {
	d := newTestDispatcher(WithMaxLog(3))
	d.Register("x", echo)

	for i := 0; i < 5; i++ {
		_, _ = d.Execute(context.Background(), "x", i)
	}

	log := d.Log()
	require.Len(t, log, 3)
	assert.Equal(t, 2, log[0].Payload)
	assert.Equal(t, Stats{Total: 5, Succeeded: 5}, d.Stats())
}

func TestExecute_RecordLifecycle(t *testing.T) {
	clock := clockz.NewFakeClock()
	d := New(state.New(), WithClock(clock), WithIDs(ids.NewSequence("cmd")))
	start := clock.Now()

	var during []Record
	d.Register("roll.weigh", func(_ context.Context, _ any, d *Dispatcher) (any, error) {
		during = d.Log()
		clock.Advance(40 * time.Millisecond)
		return 812.5, nil
	})
	d.Register("roll.reject", func(context.Context, any, *Dispatcher) (any, error) {
		return nil, errors.New("scale offline")
	})

	_, err := d.Execute(context.Background(), "roll.weigh", nil)
	require.NoError(t, err)
	_, err = d.Execute(context.Background(), "roll.reject", nil)
	require.Error(t, err)

	require.Len(t, during, 1)
	assert.Equal(t, StatusPending, during[0].Status)
	assert.True(t, during[0].Ended.IsZero())
	assert.Equal(t, start, during[0].Started)

	log := d.Log()
	require.Len(t, log, 2)
	assert.Equal(t, StatusSuccess, log[0].Status)
	assert.Equal(t, 812.5, log[0].Result)
	assert.Equal(t, start, log[0].Started)
	assert.Equal(t, start.Add(40*time.Millisecond), log[0].Ended)
	assert.Equal(t, 40*time.Millisecond, log[0].Duration)
	assert.Equal(t, StatusError, log[1].Status)
	assert.Equal(t, "scale offline", log[1].Error)
	assert.Equal(t, Stats{Total: 2, Succeeded: 1, Failed: 1}, d.Stats())
}

func TestExecute_LifecycleEvents(t *testing.T) {
	clock := clockz.NewFakeClock()
	b := bus.New(bus.WithClock(clock))
	d := New(state.New(), WithBus(b), WithClock(clock), WithIDs(ids.NewSequence("cmd")))
	d.Register("ok", func(context.Context, any, *Dispatcher) (any, error) {
		clock.Advance(25 * time.Millisecond)
		return nil, nil
	})
	d.Register("fail", func(context.Context, any, *Dispatcher) (any, error) {
		return nil, errors.New("bad")
	})

	_, _ = d.Execute(context.Background(), "ok", nil)
	_, _ = d.Execute(context.Background(), "fail", nil)

	var names []string
	for _, ev := range b.History(bus.Filter{}) {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{EventStarted, EventCompleted, EventStarted, EventFailed}, names)

	completed := b.History(bus.Filter{Name: EventCompleted})[0]
	assert.Equal(t, Lifecycle{ID: "cmd-1", Command: "ok", Duration: 25 * time.Millisecond}, completed.Payload)
	assert.Equal(t, "command", completed.Metadata.Source)

	failed := b.History(bus.Filter{Name: EventFailed})[0]
	assert.Equal(t, "bad", failed.Payload.(Lifecycle).Error)
}

func TestRegister_Replaces(t *testing.T) {
	d := newTestDispatcher()
	d.Register("x", func(context.Context, any, *Dispatcher) (any, error) { return 1, nil })
	d.Register("x", func(context.Context, any, *Dispatcher) (any, error) { return 2, nil })

	out, err := d.Execute(context.Background(), "x", nil)

	require.NoError(t, err)
	assert.Equal(t, 2, out)
	assert.Equal(t, []string{"x"}, d.Commands())
}

func TestHasAndCommands(t *testing.T) {
	d := newTestDispatcher()
	d.Register("shift.open", echo)
	d.Register("roll.start", echo)

	assert.True(t, d.Has("roll.start"))
	assert.False(t, d.Has("roll.stop"))
	assert.Equal(t, []string{"roll.start", "shift.open"}, d.Commands())
}

func TestExecuteSequence_StopsAtFirstFailure(t *testing.T) {
	d := newTestDispatcher()
	d.Register("ok", echo)
	d.Register("fail", func(context.Context, any, *Dispatcher) (any, error) {
		return nil, errors.New("bad")
	})

	out := d.ExecuteSequence(context.Background(), []Call{
		{Name: "ok", Payload: 1},
		{Name: "fail"},
		{Name: "ok", Payload: 3},
	})

	require.Len(t, out, 2)
	assert.True(t, out[0].Success)
	assert.Equal(t, 1, out[0].Result)
	assert.False(t, out[1].Success)
	assert.EqualError(t, out[1].Err, "bad")
}

func TestExecuteParallel_CollectsAll(t *testing.T) {
	d := newTestDispatcher()
	var n atomic.Int32
	d.Register("count", func(_ context.Context, p any, _ *Dispatcher) (any, error) {
		n.Add(1)
		return p, nil
	})
	d.Register("fail", func(context.Context, any, *Dispatcher) (any, error) {
		n.Add(1)
		return nil, errors.New("bad")
	})

	out := d.ExecuteParallel(context.Background(), []Call{
		{Name: "count", Payload: "a"},
		{Name: "fail"},
		{Name: "count", Payload: "c"},
		{Name: "missing"},
	})

	require.Len(t, out, 4)
	assert.Equal(t, int32(3), n.Load())
	assert.Equal(t, "a", out[0].Result)
	assert.False(t, out[1].Success)
	assert.Equal(t, "c", out[2].Result)
	assert.True(t, IsUnregistered(out[3].Err))
	assert.Equal(t, Stats{Total: 3, Succeeded: 2, Failed: 1}, d.Stats())
}

type startRoll struct {
	Width    float64 `json:"width" validate:"required,gt=0"`
	Operator string  `json:"operator" validate:"required"`
}

func (startRoll) CommandName() string { return "roll.start" }

type stopRoll struct{}

func (stopRoll) CommandName() string { return "roll.stop" }

func TestTyped_HandleAndRun(t *testing.T) {
	d := newTestDispatcher()
	Handle(d, func(_ context.Context, c startRoll, d *Dispatcher) (string, error) {
		d.Store().Set("production.currentRoll.width", c.Width, state.SourceUser)
		return "R-" + c.Operator, nil
	}, WithValidator(Struct()))

	id, err := Run[string](context.Background(), d, startRoll{Width: 1200, Operator: "A1"})

	require.NoError(t, err)
	assert.Equal(t, "R-A1", id)
	assert.Equal(t, 1200.0, d.Store().Get("production.currentRoll.width", nil))
}

func TestTyped_StructValidation(t *testing.T) {
	d := newTestDispatcher()
	Handle(d, func(context.Context, startRoll, *Dispatcher) (string, error) {
		return "", nil
	}, WithValidator(Struct()))

	_, err := Run[string](context.Background(), d, startRoll{Width: -1})

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []FieldError{
		{Field: "width", Message: "must be greater than 0"},
		{Field: "operator", Message: "is required"},
	}, ve.Errors)
}

func TestTyped_ResultTypeMismatch(t *testing.T) {
	d := newTestDispatcher()
	Handle(d, func(context.Context, stopRoll, *Dispatcher) (int, error) { return 7, nil })

	_, err := Run[string](context.Background(), d, stopRoll{})

	var rte *ResultTypeError
	require.ErrorAs(t, err, &rte)
	assert.Equal(t, "int", rte.Got)
}

func TestTyped_PayloadTypeMismatch(t *testing.T) {
	d := newTestDispatcher()
	Handle(d, func(context.Context, stopRoll, *Dispatcher) (int, error) { return 7, nil })

	_, err := d.Execute(context.Background(), "roll.stop", "not a stopRoll")

	var pte *PayloadTypeError
	require.ErrorAs(t, err, &pte)
	assert.Equal(t, "command.stopRoll", pte.Want)
}

func TestRulesValidator(t *testing.T) {
	eng := validate.NewEngine()
	require.NoError(t, eng.DefineRules("production.currentRoll.width", validate.Required(), validate.Between(100, 5000)))
	d := newTestDispatcher()
	d.Register("roll.setWidth", echo, WithValidator(Rules(eng, map[string]keypath.Path{
		"width": "production.currentRoll.width",
	})))

	_, err := d.Execute(context.Background(), "roll.setWidth", map[string]any{"width": "12"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []FieldError{{Field: "width", Message: "must be at least 100"}}, ve.Errors)

	_, err = d.Execute(context.Background(), "roll.setWidth", map[string]any{"width": "1200"})
	assert.NoError(t, err)
}
