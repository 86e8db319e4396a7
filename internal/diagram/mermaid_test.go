package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgate/pkg/schema"
)

func TestRenderMermaidLinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% ETL Pipeline")
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, `transform{{"transform"}}`)
	assert.Contains(t, out, `fetch["fetch"]`)
	assert.Contains(t, out, "transform -->|ok| store")
	assert.Contains(t, out, "classDef waiting")
}

func TestRenderMermaidBranchesAndClusters(t *testing.T) {
	model, err := Build(branchingWorkflow(), nil)
	require.NoError(t, err)
	out := RenderMermaid(model)
	assert.Contains(t, out, `decide{"decide"}`)
	assert.Contains(t, out, "decide -.->|true| deploy")

	model, err = Build(loopWorkflow(), nil)
	require.NoError(t, err)
	out = RenderMermaid(model)
	assert.Contains(t, out, `subgraph group_tests["parallel: tests"]`)
	assert.Contains(t, out, `subgraph body_each["each files"]`)
	assert.Contains(t, out, `each[["each"]]`)
	assert.Equal(t, 1, strings.Count(out, `edit["edit"]`))
}

func TestRenderMermaidStatusClasses(t *testing.T) {
	exec := &schema.Execution{NodeStates: map[string]*schema.NodeExecutionState{
		"fetch":     {Status: schema.NodeCompleted},
		"transform": {Status: schema.NodeWaitingGate},
		"store":     {Status: schema.NodeSkipped},
	}}
	model, err := Build(linearWorkflow(), exec)
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.Contains(t, out, "class fetch completed")
	assert.Contains(t, out, "class transform waiting")
	assert.Contains(t, out, "class store skipped")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "a_b_c_d", mermaidSafeID("a.b-c d"))
	assert.Equal(t, "say 'hi' a/b", mermaidEscapeLabel(`say "hi" a|b`))
}
