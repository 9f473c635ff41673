// Package value provides deep copy and structural equality for document
// values.
//
// Documents hold JSON-shaped data (map[string]any, []any, strings, numbers,
// bools) but callers may also store typed Go values; both are handled.
package value

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Clone returns a deep copy of v. Maps, slices, arrays and pointers are
// copied recursively; unexported struct fields are copied shallowly and
// error values are shared.
func Clone(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Clone(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	case string, bool, int, int64, float64:
		return t
	case error:
		return t
	}
	return cloneValue(reflect.ValueOf(v)).Interface()
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func cloneValue(v reflect.Value) reflect.Value {
	// Errors are compared by identity (errors.Is), so they are never copied.
	if v.Type().Implements(errorType) {
		return v
	}
	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneElem(iter.Value(), v.Type().Elem()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(cloneElem(v.Index(i), v.Type().Elem()))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(cloneElem(v.Index(i), v.Type().Elem()))
		}
		return out
	case reflect.Ptr:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(cloneValue(v.Elem()))
		return out
	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		for i := 0; i < v.NumField(); i++ {
			if out.Field(i).CanSet() {
				out.Field(i).Set(cloneElem(v.Field(i), v.Type().Field(i).Type))
			}
		}
		return out
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		return cloneValue(v.Elem())
	default:
		return v
	}
}

// cloneElem clones v and converts the result back to the container's
// element type (interface elements come back as their concrete type).
func cloneElem(v reflect.Value, elem reflect.Type) reflect.Value {
	if v.Kind() == reflect.Interface && v.IsNil() {
		return reflect.Zero(elem)
	}
	c := cloneValue(v)
	if c.Type() != elem {
		out := reflect.New(elem).Elem()
		out.Set(c)
		return out
	}
	return c
}

// Equal reports structural equality. Numbers compare by value regardless of
// their Go type, so int 1 equals float64 1 (a JSON round trip must not turn
// into a spurious change).
func Equal(a, b any) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	switch ta := a.(type) {
	case nil:
		return b == nil
	case map[string]any:
		tb, ok := b.(map[string]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for k, va := range ta {
			vb, ok := tb[k]
			if !ok || !Equal(va, vb) {
				return false
			}
		}
		return true
	case []any:
		tb, ok := b.([]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !Equal(ta[i], tb[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Number converts any Go numeric (or json.Number) to float64.
func Number(v any) (float64, bool) {
	return number(v)
}

// Key renders v as a stable string for use in cache keys. encoding/json
// sorts map keys, which makes the output independent of map iteration order.
// Values that cannot be marshalled (NaN, channels) fall back to their type
// and Go-syntax rendering, so distinct values keep distinct keys.
func Key(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T:%#v", v, v)
	}
	return string(b)
}
