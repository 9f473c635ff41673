// Package validate is the rule-based Validation Engine.
//
// Rules are attached to state paths. Validate evaluates a path's rules in
// order and folds their outcomes into a Result. Range rules distinguish hard
// bounds (errors) from alert bounds (warnings on an otherwise valid value).
// Results are cached per (path, value, context) for a short TTL.
package validate

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/roach88/floorstate/internal/value"
)

// Kind selects a rule's check.
type Kind string

const (
	KindRequired Kind = "required"
	KindNumeric  Kind = "numeric"
	KindRange    Kind = "range"
	KindLength   Kind = "length"
	KindPattern  Kind = "pattern"
	KindDate     Kind = "date"
	KindTime     Kind = "time"
	KindCustom   Kind = "custom"
)

// Context carries caller data (sibling fields, mode flags) into When
// predicates and custom rules.
type Context map[string]any

// Outcome is the result of one rule.
type Outcome struct {
	Valid   bool
	Error   string
	Warning string
}

// Pass is the Outcome of a satisfied rule.
var Pass = Outcome{Valid: true}

// Fail returns an invalid Outcome.
func Fail(msg string) Outcome { return Outcome{Error: msg} }

// Warn returns a valid Outcome carrying a warning.
func Warn(msg string) Outcome { return Outcome{Valid: true, Warning: msg} }

// CustomFunc implements a KindCustom rule.
type CustomFunc func(v any, ctx Context) Outcome

// Rule is one check. Only the fields relevant to Kind are read.
type Rule struct {
	Kind Kind

	// Range bounds. Min/Max are hard; AlertMin/AlertMax only warn.
	Min, Max           *float64
	AlertMin, AlertMax *float64

	// Length bounds in runes.
	MinLen, MaxLen *int

	// Pattern is a Go regular expression for KindPattern.
	Pattern string

	// Layout overrides the default date ("2006-01-02") or time ("15:04")
	// layout.
	Layout string

	// Message replaces the default error text.
	Message string

	// Condition skips the rule when it returns false.
	Condition func(Context) bool

	Custom CustomFunc

	re *regexp.Regexp
}

// Float returns a pointer to f, for Rule bounds.
func Float(f float64) *float64 { return &f }

// Int returns a pointer to n, for Rule lengths.
func Int(n int) *int { return &n }

// Required rejects missing and blank values.
func Required() Rule { return Rule{Kind: KindRequired} }

// Numeric rejects values that do not parse as a number.
func Numeric() Rule { return Rule{Kind: KindNumeric} }

// Between is a range rule with hard bounds.
func Between(min, max float64) Rule {
	return Rule{Kind: KindRange, Min: Float(min), Max: Float(max)}
}

// Length bounds a string's rune count. Zero disables a bound.
func Length(min, max int) Rule {
	r := Rule{Kind: KindLength}
	if min > 0 {
		r.MinLen = Int(min)
	}
	if max > 0 {
		r.MaxLen = Int(max)
	}
	return r
}

// Pattern requires a regexp match.
func Pattern(expr string) Rule { return Rule{Kind: KindPattern, Pattern: expr} }

// Date requires a date in layout (default "2006-01-02").
func Date() Rule { return Rule{Kind: KindDate} }

// Time requires a clock time ("15:04" or "15:04:05" unless Layout is set).
func Time() Rule { return Rule{Kind: KindTime} }

// Func wraps a custom check.
func Func(fn CustomFunc) Rule { return Rule{Kind: KindCustom, Custom: fn} }

// WithAlert adds warning thresholds to a range rule.
func (r Rule) WithAlert(min, max float64) Rule {
	r.AlertMin, r.AlertMax = Float(min), Float(max)
	return r
}

// OnlyWhen makes the rule conditional.
func (r Rule) OnlyWhen(cond func(Context) bool) Rule {
	r.Condition = cond
	return r
}

// Msg overrides the error message.
func (r Rule) Msg(msg string) Rule {
	r.Message = msg
	return r
}

func (r *Rule) compile() error {
	switch r.Kind {
	case KindRequired, KindNumeric, KindRange, KindLength, KindDate, KindTime:
	case KindPattern:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("pattern %q: %w", r.Pattern, err)
		}
		r.re = re
	case KindCustom:
		if r.Custom == nil {
			return fmt.Errorf("custom rule without a function")
		}
	default:
		return fmt.Errorf("unknown rule kind %q", r.Kind)
	}
	return nil
}

func (r Rule) fail(def string, args ...any) Outcome {
	if r.Message != "" {
		return Fail(r.Message)
	}
	return Fail(fmt.Sprintf(def, args...))
}

func (r Rule) check(v any, ctx Context) Outcome {
	switch r.Kind {
	case KindRequired:
		if isEmpty(v) {
			return r.fail("is required")
		}
		return Pass

	case KindNumeric:
		if _, ok := toNumber(v); !ok {
			return r.fail("must be a number")
		}
		return Pass

	case KindRange:
		n, ok := toNumber(v)
		if !ok {
			return r.fail("must be a number")
		}
		if r.Min != nil && n < *r.Min {
			return r.fail("must be at least %s", formatNumber(*r.Min))
		}
		if r.Max != nil && n > *r.Max {
			return r.fail("must be at most %s", formatNumber(*r.Max))
		}
		if r.AlertMin != nil && n < *r.AlertMin {
			return Warn(fmt.Sprintf("below alert threshold %s", formatNumber(*r.AlertMin)))
		}
		if r.AlertMax != nil && n > *r.AlertMax {
			return Warn(fmt.Sprintf("above alert threshold %s", formatNumber(*r.AlertMax)))
		}
		return Pass

	case KindLength:
		n := utf8.RuneCountInString(toString(v))
		if r.MinLen != nil && n < *r.MinLen {
			return r.fail("must be at least %d characters", *r.MinLen)
		}
		if r.MaxLen != nil && n > *r.MaxLen {
			return r.fail("must be at most %d characters", *r.MaxLen)
		}
		return Pass

	case KindPattern:
		if r.re == nil || !r.re.MatchString(toString(v)) {
			return r.fail("has an invalid format")
		}
		return Pass

	case KindDate:
		layout := r.Layout
		if layout == "" {
			layout = "2006-01-02"
		}
		if _, err := time.Parse(layout, toString(v)); err != nil {
			return r.fail("must be a date (%s)", layout)
		}
		return Pass

	case KindTime:
		s := toString(v)
		if r.Layout != "" {
			if _, err := time.Parse(r.Layout, s); err != nil {
				return r.fail("must be a time (%s)", r.Layout)
			}
			return Pass
		}
		if _, err := time.Parse("15:04", s); err == nil {
			return Pass
		}
		if _, err := time.Parse("15:04:05", s); err == nil {
			return Pass
		}
		return r.fail("must be a time (HH:MM)")

	case KindCustom:
		return r.Custom(v, ctx)
	}
	return r.fail("unknown rule kind %q", r.Kind)
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// toNumber accepts finite numbers and numeric strings. A decimal comma
// ("1,25") is accepted because operators enter measurements on localized
// keypads. NaN and infinities are not numbers here.
func toNumber(v any) (float64, bool) {
	if n, ok := value.Number(v); ok {
		return n, finite(n)
	}
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	s = strings.TrimSpace(s)
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	n, err := strconv.ParseFloat(s, 64)
	return n, err == nil && finite(n)
}

func finite(n float64) bool {
	return !math.IsNaN(n) && !math.IsInf(n, 0)
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
