package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalBool(t *testing.T) {
	e := New()
	tests := []struct {
		name string
		src  string
		ctx  map[string]any
		want bool
	}{
		{"literal true", "true", nil, true},
		{"literal false", "false", nil, false},
		{"context lookup", `context["counter"] < 3`, map[string]any{"context": map[string]any{"counter": int64(1)}}, true},
		{"context negative", `context["counter"] < 3`, map[string]any{"context": map[string]any{"counter": int64(7)}}, false},
		{"conjunction", `context["a"] && context["b"]`, map[string]any{"context": map[string]any{"a": true, "b": false}}, false},
		{"string equality", `context["status"] == "paid"`, map[string]any{"context": map[string]any{"status": "paid"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvalBool(tt.src, tt.ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalBoolRejectsNonBoolean(t *testing.T) {
	e := New()
	_, err := e.EvalBool(`context["counter"]`, map[string]any{"context": map[string]any{"counter": int64(1)}})
	assert.Error(t, err)
}

func TestEvalArbitraryExpressions(t *testing.T) {
	e := New()
	v, err := e.Eval(`context["n"] + 1`, map[string]any{"context": map[string]any{"n": int64(41)}})
	require.NoError(t, err)
	assert.EqualValues(t, 42, v)

	v, err = e.Eval(`context["items"]`, map[string]any{"context": map[string]any{"items": []any{"x"}}})
	require.NoError(t, err)
	assert.Equal(t, []any{"x"}, v)
}

func TestEvalCompileErrorSurfaces(t *testing.T) {
	e := New()
	_, err := e.Eval(`this is not an expression`, map[string]any{"context": map[string]any{}})
	assert.Error(t, err)
}

func TestCompiledProgramsAreCached(t *testing.T) {
	e := New()
	ctx := map[string]any{"context": map[string]any{"n": int64(1)}}
	_, err := e.EvalBool(`context["n"] == 1`, ctx)
	require.NoError(t, err)
	_, err = e.EvalBool(`context["n"] == 1`, ctx)
	require.NoError(t, err)
	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}

func TestNoHostAccessFromExpressions(t *testing.T) {
	e := New()
	// The only binding an expression ever sees is "context"; an unknown
	// identifier must never resolve to anything host-backed.
	got, err := e.EvalBool(`os != nil`, map[string]any{"context": map[string]any{}})
	if err == nil {
		assert.False(t, got)
	}
}
