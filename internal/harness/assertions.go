package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/floorstate/internal/keypath"
	"github.com/roach88/floorstate/internal/state"
	"github.com/roach88/floorstate/internal/value"
)

// Assertion checks the trace or final state after a run.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Field is the remote field (remote_field).
	Field string `yaml:"field,omitempty"`

	// Path is the store path (state).
	Path string `yaml:"path,omitempty"`

	// Equals is the expected value (remote_field, state). Numbers compare
	// by value, so 42 matches 42.0.
	Equals any `yaml:"equals,omitempty"`

	// Absent asserts the field or path has no value.
	Absent bool `yaml:"absent,omitempty"`

	// Status is queued, pending or failed (queue).
	Status string `yaml:"status,omitempty"`

	// Event is the bus event name (event_count).
	Event string `yaml:"event,omitempty"`

	// Count is the expected count (queue, event_count, writes).
	Count int `yaml:"count"`
}

// Assertion types.
const (
	AssertRemoteField = "remote_field"
	AssertState       = "state"
	AssertQueue       = "queue"
	AssertEventCount  = "event_count"
	AssertWrites      = "writes"
)

// AssertionError describes a failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertRemoteField:
		if a.Field == "" {
			return fmt.Errorf("assertions[%d]: field is required for remote_field", index)
		}
	case AssertState:
		if _, err := keypath.Parse(a.Path); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	case AssertQueue:
		switch a.Status {
		case "queued", "pending", "failed":
		default:
			return fmt.Errorf("assertions[%d]: status must be queued, pending or failed", index)
		}
	case AssertEventCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for event_count", index)
		}
	case AssertWrites:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}

// EvaluateAssertions returns one message per failed assertion.
func EvaluateAssertions(r *Result, assertions []Assertion, s *state.Store) []string {
	var msgs []string
	for i, a := range assertions {
		if err := evaluate(r.Trace, a, s); err != nil {
			msgs = append(msgs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return msgs
}

func evaluate(t Trace, a Assertion, s *state.Store) error {
	switch a.Type {
	case AssertRemoteField:
		got, ok := t.Final.Remote[a.Field]
		return compareValue(a, "remote field "+a.Field, got, ok)

	case AssertState:
		p := keypath.Path(a.Path)
		return compareValue(a, "state "+a.Path, s.Get(p, nil), s.Has(p))

	case AssertQueue:
		got := map[string]int{
			"queued":  t.Final.Queued,
			"pending": t.Final.Pending,
			"failed":  t.Final.Failed,
		}[a.Status]
		return compareCount(a.Type, a.Status+" items", a.Count, got)

	case AssertEventCount:
		n := 0
		for _, ev := range t.Events {
			if ev.Name == a.Event {
				n++
			}
		}
		return compareCount(a.Type, a.Event+" events", a.Count, n)

	case AssertWrites:
		return compareCount(a.Type, "remote write attempts", a.Count, len(t.Writes))
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func compareValue(a Assertion, what string, got any, present bool) error {
	if a.Absent {
		if present {
			return &AssertionError{Type: a.Type, Expected: what + " absent", Actual: render(got)}
		}
		return nil
	}
	if !present {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s = %s", what, render(a.Equals)), Actual: "absent"}
	}
	if !value.Equal(got, a.Equals) {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s = %s", what, render(a.Equals)), Actual: render(got)}
	}
	return nil
}

func compareCount(typ, what string, want, got int) error {
	if want != got {
		return &AssertionError{Type: typ, Expected: fmt.Sprintf("%d %s", want, what), Actual: fmt.Sprintf("%d", got)}
	}
	return nil
}
