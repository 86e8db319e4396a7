package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgate/pkg/schema"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator()
	require.NoError(t, err)
	return ev
}

func testScope() map[string]any {
	code := 0
	return BuildScope(
		map[string]any{"score": 7, "env": "prod", "items": []any{"a", "b"}},
		map[string]any{"ticket": "FG-12"},
		map[string]*schema.NodeExecutionState{
			"build": {NodeID: "build", Status: schema.NodeCompleted, Output: "ok", ExitCode: &code},
			"lint":  {NodeID: "lint", Status: schema.NodeFailed, Error: "exit 1"},
		},
	)
}

func TestSplitDialect(t *testing.T) {
	cases := map[string]struct {
		dialect Dialect
		body    string
	}{
		"score > 5":             {DialectExpr, "score > 5"},
		"expr: score > 5":       {DialectExpr, "score > 5"},
		"cel: vars.score > 5":   {DialectCEL, "vars.score > 5"},
		"  jq: .vars.score > 5": {DialectJQ, ".vars.score > 5"},
	}
	for in, want := range cases {
		d, body := SplitDialect(in)
		assert.Equal(t, want.dialect, d, in)
		assert.Equal(t, want.body, body, in)
	}
}

func TestEvaluator_ExprDialect(t *testing.T) {
	ev := newTestEvaluator(t)
	ctx := context.Background()
	scope := testScope()

	ok, err := ev.EvaluateBool(ctx, `score > 5 && env == "prod"`, scope)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.EvaluateBool(ctx, `nodes.build.status == "completed"`, scope)
	require.NoError(t, err)
	assert.True(t, ok)

	out, err := ev.Evaluate(ctx, `len(items)`, scope)
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestEvaluator_ExprCacheSurvivesTypeChange(t *testing.T) {
	ev := newTestEvaluator(t)
	ctx := context.Background()

	out, err := ev.Evaluate(ctx, "x", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, out)

	out, err = ev.Evaluate(ctx, "x", map[string]any{"x": "one"})
	require.NoError(t, err)
	assert.Equal(t, "one", out)
}

func TestEvaluator_UndefinedVariableIsNil(t *testing.T) {
	ev := newTestEvaluator(t)

	ok, err := ev.EvaluateBool(context.Background(), "missing", map[string]any{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluator_CELDialect(t *testing.T) {
	ev := newTestEvaluator(t)

	ok, err := ev.EvaluateBool(context.Background(), `cel: vars.score > 5 && nodes.lint.status == "failed"`, testScope())
	require.NoError(t, err)
	assert.True(t, ok)

	out, err := ev.Evaluate(context.Background(), `cel: work_item.ticket`, testScope())
	require.NoError(t, err)
	assert.Equal(t, "FG-12", out)
}

func TestEvaluator_JQDialect(t *testing.T) {
	ev := newTestEvaluator(t)

	out, err := ev.Evaluate(context.Background(), `jq: .vars.items | length`, testScope())
	require.NoError(t, err)
	assert.Equal(t, 2, out)

	ok, err := ev.EvaluateBool(context.Background(), `jq: .nodes.build.exit_code == 0`, testScope())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluator_CompileErrors(t *testing.T) {
	ev := newTestEvaluator(t)

	for _, bad := range []string{"score >", "cel: vars.score >", "jq: .vars | ", "cel: undeclared_name == 1"} {
		err := ev.Check(bad)
		require.Error(t, err, bad)
		assert.True(t, schema.IsCode(err, schema.ErrCodeExpression), "%s: %v", bad, err)
	}
	assert.NoError(t, ev.Check("score > 5"))
}

func TestEvaluator_EvaluateBoolPropagatesParseError(t *testing.T) {
	ev := newTestEvaluator(t)

	ok, err := ev.EvaluateBool(context.Background(), "((", testScope())
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestTruthy(t *testing.T) {
	falsy := []any{nil, false, 0, int64(0), 0.0, "", "false", "0", []any{}, map[string]any{}, []string{}}
	for _, v := range falsy {
		assert.False(t, Truthy(v), "%#v", v)
	}
	truthy := []any{true, 1, -1, 0.5, "yes", []any{1}, map[string]any{"k": 1}, uint(3)}
	for _, v := range truthy {
		assert.True(t, Truthy(v), "%#v", v)
	}
}

func TestBuildScope_ReservedKeysShadowVariables(t *testing.T) {
	scope := BuildScope(map[string]any{"nodes": "mine", "topic": "go"}, nil, nil)

	assert.Equal(t, "go", scope["topic"])
	assert.IsType(t, map[string]any{}, scope[ScopeNodes])
	assert.Equal(t, map[string]any{}, scope[ScopeWorkItem])
	assert.True(t, IsReserved("vars"))
	assert.False(t, IsReserved("topic"))
}
