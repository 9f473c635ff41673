package state

import (
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/floorstate/internal/keypath"
	"github.com/roach88/floorstate/internal/validate"
)

// ValidationRoot is where ValidationGate records results:
// the result for "roll.width" lives at "validation.roll.width".
const ValidationRoot keypath.Path = "validation"

// NormalizeStrings rewrites every string in the value (including strings
// nested in maps and slices) to Unicode NFC, so "é" typed as e + combining
// accent and "é" typed precomposed compare equal.
func NormalizeStrings() Middleware {
	return func(c Change) (any, error) {
		return normalize(c.Value), nil
	}
}

func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	}
	return v
}

// ValidationGate validates user writes to paths that have rules and records
// the result under ValidationRoot with SourceSystem. A passing value with no
// warnings clears the record. The write itself is never blocked: the UI
// shows the recorded result next to the field.
//
// ctx may be nil; otherwise it supplies the context for When predicates.
func ValidationGate(s *Store, eng *validate.Engine, ctx func() validate.Context) Middleware {
	return func(c Change) (any, error) {
		if c.Source != SourceUser || !eng.HasRules(c.Path) {
			return c.Value, nil
		}
		var vctx validate.Context
		if ctx != nil {
			vctx = ctx()
		}
		res := eng.Validate(c.Path, c.Value, vctx)

		target := ValidationRoot.Child(string(c.Path))
		if res.Valid && len(res.Warnings) == 0 {
			s.Set(target, nil, SourceSystem)
			return c.Value, nil
		}
		s.Set(target, map[string]any{
			"valid":    res.Valid,
			"errors":   toAnySlice(res.Errors),
			"warnings": toAnySlice(res.Warnings),
		}, SourceSystem)
		return c.Value, nil
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
