package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/floorstate/internal/keypath"
	"github.com/roach88/floorstate/internal/state"
)

// Scenario is a replayable sequence of edits and scheduler actions.
type Scenario struct {
	// Name identifies the scenario and its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Config is decoded over config.Default().
	Config yaml.Node `yaml:"config,omitempty"`

	// Snapshot is loaded with the configured bootstrap mapping before the
	// first step.
	Snapshot map[string]any `yaml:"snapshot,omitempty"`

	// RemoteFailures makes the first N remote writes fail.
	RemoteFailures int `yaml:"remote_failures,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one action. Exactly one field must be set.
type Step struct {
	Set         *SetStep `yaml:"set,omitempty"`
	Flush       bool     `yaml:"flush,omitempty"`
	Advance     string   `yaml:"advance,omitempty"`
	RetryFailed bool     `yaml:"retry_failed,omitempty"`
	Clear       bool     `yaml:"clear,omitempty"`
	FailNext    int      `yaml:"fail_next,omitempty"`
}

// SetStep writes a value to the store.
type SetStep struct {
	Path  string `yaml:"path"`
	Value any    `yaml:"value"`
	// Source defaults to "user".
	Source string `yaml:"source,omitempty"`
}

// Step operation names, as they appear in traces.
const (
	OpSet         = "set"
	OpFlush       = "flush"
	OpAdvance     = "advance"
	OpRetryFailed = "retry_failed"
	OpClear       = "clear"
	OpFailNext    = "fail_next"
)

// Op returns the step's operation name, or "" if none or several are set.
func (s Step) Op() string {
	var ops []string
	if s.Set != nil {
		ops = append(ops, OpSet)
	}
	if s.Flush {
		ops = append(ops, OpFlush)
	}
	if s.Advance != "" {
		ops = append(ops, OpAdvance)
	}
	if s.RetryFailed {
		ops = append(ops, OpRetryFailed)
	}
	if s.Clear {
		ops = append(ops, OpClear)
	}
	if s.FailNext > 0 {
		ops = append(ops, OpFailNext)
	}
	if len(ops) != 1 {
		return ""
	}
	return ops[0]
}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.RemoteFailures < 0 {
		return fmt.Errorf("remote_failures must be non-negative")
	}
	for i, step := range s.Steps {
		switch step.Op() {
		case "":
			return fmt.Errorf("steps[%d]: exactly one of set, flush, advance, retry_failed, clear, fail_next is required", i)
		case OpSet:
			if _, err := keypath.Parse(step.Set.Path); err != nil {
				return fmt.Errorf("steps[%d].set: %w", i, err)
			}
			switch state.Source(step.Set.Source) {
			case "", state.SourceUser, state.SourceSystem, state.SourceAPI:
			default:
				return fmt.Errorf("steps[%d].set: unknown source %q", i, step.Set.Source)
			}
		case OpAdvance:
			d, err := time.ParseDuration(step.Advance)
			if err != nil || d < 0 {
				return fmt.Errorf("steps[%d].advance: invalid duration %q", i, step.Advance)
			}
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}
