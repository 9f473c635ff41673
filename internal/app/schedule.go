package app

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/zoobzio/clockz"
)

// schedule fires a callback on a cron expression, measured on clock.
type schedule struct {
	expr  string
	clock clockz.Clock
}

func newSchedule(expr string, clock clockz.Clock) (*schedule, error) {
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	return &schedule{expr: expr, clock: clock}, nil
}

// next returns the first tick strictly after t.
func (s *schedule) next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.expr, t, false)
}

// run calls fn on every tick until ctx is done.
func (s *schedule) run(ctx context.Context, fn func()) {
	for {
		now := s.clock.Now()
		at, err := s.next(now)
		if err != nil {
			return
		}
		timer := s.clock.NewTimer(at.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
			fn()
		}
	}
}
