package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderASCIILinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "=== ETL Pipeline ===")
	for _, ch := range []string{"┌", "┐", "└", "┘", "│", "─", "▼"} {
		assert.Contains(t, output, ch)
	}
	for _, label := range []string{"Start", "End", "fetch", "transform", "store", "<review>"} {
		assert.Contains(t, output, label)
	}
	assert.Contains(t, output, "transform ─[ok]→ store")
}

func TestRenderASCIIWithStatus(t *testing.T) {
	model := &DiagramModel{
		Title: "Test",
		Nodes: []*Node{
			{ID: "s", Label: "Start", Kind: NodeKindStart},
			{ID: "a", Label: "step-a", Kind: NodeKindAgent, Status: &StatusOverlay{Status: "completed", DurationMs: 100, RetryCount: 1}},
			{ID: "b", Label: "step-b", Kind: NodeKindAgent, Status: &StatusOverlay{Status: "failed"}},
			{ID: "c", Label: "step-c", Kind: NodeKindAgent, Status: &StatusOverlay{Status: "running"}},
			{ID: "d", Label: "step-d", Kind: NodeKindGated, Status: &StatusOverlay{Status: "waiting_gate", RevisionCount: 2}},
			{ID: "e", Label: "step-e", Kind: NodeKindAgent, Status: &StatusOverlay{Status: "skipped"}},
			{ID: "f", Label: "step-f", Kind: NodeKindAgent, Status: &StatusOverlay{Status: "pending"}},
			{ID: "end", Label: "End", Kind: NodeKindEnd},
		},
		Levels: [][]string{{"s"}, {"a", "b", "c"}, {"d", "e", "f"}, {"end"}},
	}

	output := RenderASCII(model)
	for _, tag := range []string{"[OK]", "[FAIL]", "[RUN]", "[GATE]", "[SKIP]", "[PEND]", "100ms", "retries 1", "revisions 2"} {
		assert.Contains(t, output, tag)
	}
}

func TestRenderASCIIClusters(t *testing.T) {
	model, err := Build(loopWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "--- parallel: tests ---")
	assert.Contains(t, output, "--- each files ---")
	assert.Contains(t, output, "each ─[each]→ edit")
}

func TestStatusTagUnknown(t *testing.T) {
	assert.Empty(t, statusTag("bogus"))
	assert.Equal(t, "x", firstLine("x\ny"))
}
