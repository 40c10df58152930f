package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalConditionComparisons(t *testing.T) {
	vars := map[string]any{
		"x":      float64(5),
		"name":   "alice",
		"ready":  true,
		"items":  []any{"a", "b", "c"},
		"nested": map[string]any{"depth": float64(2)},
	}
	cases := []struct {
		expr string
		want bool
	}{
		{"x > 0", true},
		{"x < 0", false},
		{"x >= 5", true},
		{"x <= 4", false},
		{"x == 5", true},
		{"x != 5", false},
		{`name == "alice"`, true},
		{`name != 'bob'`, true},
		{"ready", true},
		{"!ready", false},
		{"x > 0 && ready", true},
		{"x < 0 || ready", true},
		{"x < 0 && ready", false},
		{"(x > 0 || x < -10) && ready", true},
		{"len(items) == 3", true},
		{"len(items) > 5", false},
		{"len(name) == 5", true},
		{`'b' in items`, true},
		{`'z' in items`, false},
		{"nested.depth == 2", true},
		{"missing == 5", false},
	}
	for _, tc := range cases {
		got, err := evalCondition(tc.expr, vars)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvalConditionRejectsNonBoolean(t *testing.T) {
	_, err := evalCondition("x", map[string]any{"x": float64(1)})
	assert.Error(t, err)
}

func TestEvalConditionRejectsTrailingInput(t *testing.T) {
	_, err := evalCondition("x > 0 )", map[string]any{"x": float64(1)})
	assert.Error(t, err)
}

func TestInterpolateSinglePlaceholderYieldsValue(t *testing.T) {
	vars := map[string]any{"x": float64(42), "who": "world", "list": []any{"a"}}
	assert.Equal(t, "42", interpolate("${x}", vars))
	assert.Equal(t, "world", interpolate("${who}", vars))
	assert.Equal(t, `["a"]`, interpolate("${list}", vars))
}

func TestInterpolateEmbeddedAndMissing(t *testing.T) {
	vars := map[string]any{"who": "world"}
	assert.Equal(t, "hello world!", interpolate("hello ${who}!", vars))
	assert.Equal(t, "hello !", interpolate("hello ${missing}!", vars))
	assert.Equal(t, "no placeholders", interpolate("no placeholders", vars))
}

func TestTransformPipeline(t *testing.T) {
	vars := map[string]any{
		"numbers": []any{float64(1), float64(2), float64(3), float64(4)},
	}
	cfg := TransformConfig{Operations: []TransformOp{
		{Kind: OpFilter, Source: "numbers", Expr: "item > 1", Output: "big"},
		{Kind: OpReduce, Source: "big", Expr: "acc", Output: "acc0"},
	}}
	require.NoError(t, applyTransform(cfg, vars))

	big, ok := vars["big"].([]any)
	require.True(t, ok)
	assert.Len(t, big, 3)
}

func TestTransformExtract(t *testing.T) {
	vars := map[string]any{
		"resp": map[string]any{"body": map[string]any{"id": "abc"}},
	}
	cfg := TransformConfig{Operations: []TransformOp{
		{Kind: OpExtract, Source: "resp", Path: "body.id", Output: "id"},
	}}
	require.NoError(t, applyTransform(cfg, vars))
	assert.Equal(t, "abc", vars["id"])
}

func TestTransformMerge(t *testing.T) {
	vars := map[string]any{
		"a": map[string]any{"x": float64(1)},
		"b": map[string]any{"y": float64(2)},
	}
	cfg := TransformConfig{Operations: []TransformOp{
		{Kind: OpMerge, Source: "a", Merge: []string{"b"}, Output: "both"},
	}}
	require.NoError(t, applyTransform(cfg, vars))
	both, ok := vars["both"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), both["x"])
	assert.Equal(t, float64(2), both["y"])
}

func TestTransformFormatScriptIsSandboxed(t *testing.T) {
	vars := map[string]any{"name": "alice"}
	cfg := TransformConfig{Operations: []TransformOp{
		{Kind: OpFormat, Script: "return 'hi ' + vars.name", Output: "greeting"},
	}}
	require.NoError(t, applyTransform(cfg, vars))
	assert.Equal(t, "hi alice", vars["greeting"])

	// The script runtime must not expose an escape hatch.
	bad := TransformConfig{Operations: []TransformOp{
		{Kind: OpFormat, Script: "return require('fs')", Output: "oops"},
	}}
	err := applyTransform(bad, vars)
	require.Error(t, err)
}

func TestTransformUnknownKindErrors(t *testing.T) {
	cfg := TransformConfig{Operations: []TransformOp{{Kind: "explode"}}}
	assert.Error(t, applyTransform(cfg, map[string]any{}))
}
