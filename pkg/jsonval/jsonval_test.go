package jsonval

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalSortsObjectKeys(t *testing.T) {
	got, err := Canonical(map[string]any{"zeta": 1, "alpha": 2, "mid": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":3,"zeta":1}`, got)
}

func TestCanonicalIsDeterministic(t *testing.T) {
	v := map[string]any{
		"nested": map[string]any{"b": []any{1, "two", true, nil}, "a": 0.5},
		"list":   []any{map[string]any{"y": 1, "x": 2}},
	}
	first, err := Canonical(v)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := Canonical(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCanonicalNumberForms(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"integral float", float64(2), "2"},
		{"fraction", 0.25, "0.25"},
		{"int", 42, "42"},
		{"json number", json.Number("1.50"), "1.50"},
		{"negative", float64(-7), "-7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonical(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonicalRejectsNonFiniteNumbers(t *testing.T) {
	_, err := Canonical(math.NaN())
	assert.Error(t, err)
	_, err = Canonical(math.Inf(1))
	assert.Error(t, err)
}

func TestDecodeCanonicalRoundTrip(t *testing.T) {
	raw := []byte(`{"b": [1, 2.5, "x"], "a": {"k": null}}`)
	v, err := Decode(raw)
	require.NoError(t, err)
	got, err := Canonical(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"k":null},"b":[1,2.5,"x"]}`, got)
}

func TestEqualIgnoresKeyOrderAndSpacing(t *testing.T) {
	a, err := Decode([]byte(`{"x":1,"y":{"z":[true,false]}}`))
	require.NoError(t, err)
	b, err := Decode([]byte(`{ "y": { "z": [ true, false ] }, "x": 1 }`))
	require.NoError(t, err)
	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, map[string]any{"x": 2}))
}
