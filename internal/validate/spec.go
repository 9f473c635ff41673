package validate

import (
	"fmt"

	"github.com/roach88/floorstate/internal/keypath"
	"github.com/roach88/floorstate/internal/value"
)

// RuleSpec is the declarative form of a Rule, as read from configuration.
type RuleSpec struct {
	Type     Kind     `yaml:"type" json:"type" validate:"required,oneof=required numeric range length pattern date time custom"`
	Min      *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max      *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	AlertMin *float64 `yaml:"alert_min,omitempty" json:"alert_min,omitempty"`
	AlertMax *float64 `yaml:"alert_max,omitempty" json:"alert_max,omitempty"`
	MinLen   *int     `yaml:"min_len,omitempty" json:"min_len,omitempty"`
	MaxLen   *int     `yaml:"max_len,omitempty" json:"max_len,omitempty"`
	Pattern  string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Layout   string   `yaml:"layout,omitempty" json:"layout,omitempty"`
	Message  string   `yaml:"message,omitempty" json:"message,omitempty"`

	// Name selects a function registered with RegisterCustom.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// WhenField/WhenEquals make the rule conditional on a context entry.
	WhenField  string `yaml:"when_field,omitempty" json:"when_field,omitempty"`
	WhenEquals any    `yaml:"when_equals,omitempty" json:"when_equals,omitempty"`
}

// RegisterCustom makes fn available to RuleSpecs of type custom.
func (e *Engine) RegisterCustom(name string, fn CustomFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.customs[name] = fn
}

// Compile turns specs into rules.
func (e *Engine) Compile(specs []RuleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for i, s := range specs {
		r := Rule{
			Kind:     s.Type,
			Min:      s.Min,
			Max:      s.Max,
			AlertMin: s.AlertMin,
			AlertMax: s.AlertMax,
			MinLen:   s.MinLen,
			MaxLen:   s.MaxLen,
			Pattern:  s.Pattern,
			Layout:   s.Layout,
			Message:  s.Message,
		}
		if s.Type == KindCustom {
			e.mu.Lock()
			fn, ok := e.customs[s.Name]
			e.mu.Unlock()
			if !ok {
				return nil, fmt.Errorf("rule %d: custom rule %q is not registered", i, s.Name)
			}
			r.Custom = fn
		}
		if s.WhenField != "" {
			field, want := s.WhenField, s.WhenEquals
			r.Condition = func(ctx Context) bool {
				got, ok := ctx[field]
				return ok && value.Equal(got, want)
			}
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Load compiles and defines rule sets for many paths.
func (e *Engine) Load(specs map[string][]RuleSpec) error {
	for raw, list := range specs {
		p, err := keypath.Parse(raw)
		if err != nil {
			return err
		}
		rules, err := e.Compile(list)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		if err := e.DefineRules(p, rules...); err != nil {
			return err
		}
	}
	return nil
}
