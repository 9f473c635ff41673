package command

import (
	"context"
	"sync"
)

// Call names one command in a sequence or parallel batch.
type Call struct {
	Name    string `json:"name" yaml:"name"`
	Payload any    `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Outcome is the result of one Call.
type Outcome struct {
	Name    string
	Result  any
	Err     error
	Success bool
}

// ExecuteSequence runs calls in order and stops at the first failure. The
// returned slice holds one outcome per attempted call, the failing one last.
func (d *Dispatcher) ExecuteSequence(ctx context.Context, calls []Call) []Outcome {
	out := make([]Outcome, 0, len(calls))
	for _, c := range calls {
		res, err := d.Execute(ctx, c.Name, c.Payload)
		out = append(out, Outcome{Name: c.Name, Result: res, Err: err, Success: err == nil})
		if err != nil {
			break
		}
	}
	return out
}

// ExecuteParallel runs every call concurrently and waits for all of them.
// Failures do not cancel the others. Outcomes are in input order.
func (d *Dispatcher) ExecuteParallel(ctx context.Context, calls []Call) []Outcome {
	out := make([]Outcome, len(calls))
	var wg sync.WaitGroup
	for i, c := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.Execute(ctx, c.Name, c.Payload)
			out[i] = Outcome{Name: c.Name, Result: res, Err: err, Success: err == nil}
		}()
	}
	wg.Wait()
	return out
}
