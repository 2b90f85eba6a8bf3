package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveParams(t *testing.T) {
	outputs := map[string]any{
		"fetch": map[string]any{
			"user": map[string]any{"id": "u-1", "name": "Ada"},
			"rows": float64(3),
		},
	}

	tests := []struct {
		name   string
		params map[string]any
		want   map[string]any
	}{
		{
			name:   "ref object keeps type",
			params: map[string]any{"n": map[string]any{"mode": "ref", "nodeId": "fetch", "path": "rows"}},
			want:   map[string]any{"n": float64(3)},
		},
		{
			name:   "nested path",
			params: map[string]any{"who": map[string]any{"mode": "ref", "nodeId": "fetch", "path": "user.name"}},
			want:   map[string]any{"who": "Ada"},
		},
		{
			name:   "sole placeholder keeps type",
			params: map[string]any{"n": "{{fetch.rows}}"},
			want:   map[string]any{"n": float64(3)},
		},
		{
			name:   "embedded placeholder stringifies",
			params: map[string]any{"msg": "hello {{fetch.user.name}}, {{fetch.rows}} rows"},
			want:   map[string]any{"msg": "hello Ada, 3 rows"},
		},
		{
			name:   "plain values pass through",
			params: map[string]any{"s": "literal", "n": 42, "b": true},
			want:   map[string]any{"s": "literal", "n": 42, "b": true},
		},
		{
			name: "refs inside nested maps and lists",
			params: map[string]any{
				"wrap": map[string]any{"inner": "{{fetch.user.id}}"},
				"list": []any{"{{fetch.rows}}", "x"},
			},
			want: map[string]any{
				"wrap": map[string]any{"inner": "u-1"},
				"list": []any{float64(3), "x"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveParams("node-1", tt.params, outputs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveParamsMissingReference(t *testing.T) {
	outputs := map[string]any{"fetch": map[string]any{"rows": float64(1)}}

	for name, params := range map[string]map[string]any{
		"unknown node":        {"v": map[string]any{"mode": "ref", "nodeId": "ghost", "path": "rows"}},
		"unknown path":        {"v": map[string]any{"mode": "ref", "nodeId": "fetch", "path": "missing.deep"}},
		"unknown placeholder": {"v": "{{ghost.rows}}"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := resolveParams("node-1", params, outputs)
			require.Error(t, err)
			var missing *MissingReferenceError
			assert.ErrorAs(t, err, &missing)
			assert.Equal(t, "node-1", missing.NodeID)
		})
	}
}

func TestResolveParamsWholeNodeRef(t *testing.T) {
	outputs := map[string]any{"fetch": map[string]any{"rows": float64(1)}}
	got, err := resolveParams("node-1", map[string]any{
		"all": map[string]any{"mode": "ref", "nodeId": "fetch", "path": ""},
	}, outputs)
	require.NoError(t, err)
	assert.Equal(t, outputs["fetch"], got["all"])
}
