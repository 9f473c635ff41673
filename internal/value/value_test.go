package value

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClone_DoesNotAlias(t *testing.T) {
	orig := map[string]any{
		"thicknesses": []any{1.2, 1.3},
		"meta":        map[string]any{"operator": "A1"},
	}

	c := Clone(orig).(map[string]any)
	c["thicknesses"].([]any)[0] = 9.9
	c["meta"].(map[string]any)["operator"] = "B2"

	assert.Equal(t, 1.2, orig["thicknesses"].([]any)[0])
	assert.Equal(t, "A1", orig["meta"].(map[string]any)["operator"])
}

type roll struct {
	ID     string
	Widths []int
	Notes  *string
}

func TestClone_TypedValues(t *testing.T) {
	note := "edge crack"
	orig := roll{ID: "R1", Widths: []int{100, 200}, Notes: &note}

	c := Clone(orig).(roll)
	c.Widths[0] = 1
	*c.Notes = "changed"

	assert.Equal(t, 100, orig.Widths[0])
	assert.Equal(t, "edge crack", note)

	typed := map[string][]string{"a": {"x"}}
	tc := Clone(typed).(map[string][]string)
	tc["a"][0] = "y"
	assert.Equal(t, "x", typed["a"][0])
}

func TestClone_Nil(t *testing.T) {
	assert.Nil(t, Clone(nil))
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"same string", "A1", "A1", true},
		{"int vs float", 1, 1.0, true},
		{"different numbers", 1, 2, false},
		{"number vs string", 1, "1", false},
		{"nil vs nil", nil, nil, true},
		{"nil vs value", nil, 0, false},
		{"maps order independent", map[string]any{"a": 1, "b": 2}, map[string]any{"b": 2, "a": 1}, true},
		{"maps differ", map[string]any{"a": 1}, map[string]any{"a": 2}, false},
		{"map size", map[string]any{"a": 1}, map[string]any{"a": 1, "b": 1}, false},
		{"slices", []any{1, "x"}, []any{1.0, "x"}, true},
		{"slice order", []any{1, 2}, []any{2, 1}, false},
		{"structs", roll{ID: "a"}, roll{ID: "a"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}

func TestKey_Stable(t *testing.T) {
	a := Key(map[string]any{"b": 1, "a": 2})
	b := Key(map[string]any{"a": 2, "b": 1})
	require.Equal(t, a, b)
	assert.Equal(t, `{"a":2,"b":1}`, a)
}

func TestKey_UnencodableValuesStayDistinct(t *testing.T) {
	assert.NotEqual(t, Key(math.NaN()), Key(math.Inf(1)))
	assert.NotEqual(t, Key(math.Inf(1)), Key(math.Inf(-1)))
	assert.NotEqual(t,
		Key(map[string]any{"thickness": math.NaN()}),
		Key(map[string]any{"thickness": math.Inf(1)}))
	assert.Equal(t,
		Key(map[string]any{"a": math.Inf(1), "b": 1}),
		Key(map[string]any{"b": 1, "a": math.Inf(1)}))
}

func TestClone_SharesErrors(t *testing.T) {
	sentinel := errors.New("boom")
	type payload struct {
		Err error
	}

	c := Clone(payload{Err: sentinel}).(payload)

	assert.Same(t, sentinel, c.Err)
	assert.Equal(t, sentinel, Clone(sentinel))
}
