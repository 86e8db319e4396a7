package definitions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgate/pkg/schema"
)

const reviewYAML = `
id: review
name: Plan and review
defaults:
  backend: process
  timeout: 5m
  max_retries: 2
  retryable_codes: [137]
nodes:
  - id: plan
    kind: agent
    type: planner
    config:
      task: Draft a plan for ${{ vars.topic }}
      max_retries: 0
  - id: build
    kind: agent
    type: coding
    config:
      backend: simulated
      gate_mode: review
  - id: check
    kind: control
    type: condition
    config:
      condition:
        expression: nodes.build.status == "completed"
        true_branch: ship
        false_branch: ""
  - id: ship
    kind: agent
    type: writer
transitions:
  - source: plan
    target: build
  - source: build
    target: check
    condition:
      type: on_success
  - source: check
    target: ship
gates:
  - node_id: build
    prompt: Approve the build?
    options:
      - value: approve
        default: true
      - value: reject
variables:
  - name: topic
    default: billing
`

func TestParse_YAML(t *testing.T) {
	def, err := Parse([]byte(reviewYAML), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "review", def.ID)
	require.Len(t, def.Nodes, 4)
	assert.Equal(t, schema.NodeKindControl, def.Nodes[2].Kind)
	assert.Equal(t, "ship", def.Nodes[2].Config.Condition.TrueBranch)
	assert.Equal(t, schema.ConditionOnSuccess, def.Transitions[1].Condition.Type)
	require.Len(t, def.Gates, 1)
	assert.True(t, def.Gates[0].Options[0].Default)
	assert.Equal(t, "billing", def.Variables[0].Default)
}

func TestParse_AppliesDefaults(t *testing.T) {
	def, err := Parse([]byte(reviewYAML), FormatYAML)
	require.NoError(t, err)

	plan := def.Node("plan").Config
	assert.Equal(t, schema.BackendProcess, plan.Backend)
	assert.Equal(t, "5m", plan.Timeout)
	// A zero value on the node cannot be told apart from unset.
	assert.Equal(t, 2, plan.MaxRetries)
	assert.Equal(t, []int{137}, plan.RetryableCodes)

	build := def.Node("build").Config
	assert.Equal(t, schema.BackendSimulated, build.Backend, "node value wins")
	assert.Equal(t, schema.GateModeReview, build.GateMode)

	check := def.Node("check").Config
	assert.Empty(t, check.Backend, "control nodes are left alone")
	assert.Empty(t, check.Timeout)
}

func TestParse_JSON(t *testing.T) {
	doc := `{
  "id": "tiny",
  "nodes": [{"id": "only", "kind": "agent", "type": "planner", "config": {"max_turns": 4}}],
  "metadata": {"owner": "platform"}
}`
	def, err := Parse([]byte(doc), FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "tiny", def.ID)
	assert.Equal(t, 4, def.Nodes[0].Config.MaxTurns)
	assert.Equal(t, "platform", def.Metadata["owner"])
}

func TestParse_UnknownFieldsRejected(t *testing.T) {
	_, err := Parse([]byte("id: x\nnodes: []\nsteps: []\n"), FormatYAML)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = Parse([]byte(`{"id":"x","nodes":[],"steps":[]}`), FormatJSON)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("id: [unclosed"), FormatYAML)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "YAML")

	_, err = Parse([]byte(`{"id":`), FormatJSON)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JSON")

	_, err = Parse([]byte("id: x"), Format("toml"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestFormatOf(t *testing.T) {
	for path, want := range map[string]Format{
		"a.yaml": FormatYAML, "b.YML": FormatYAML, "dir/c.json": FormatJSON,
	} {
		got, err := FormatOf(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}
	_, err := FormatOf("workflow.toml")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "review.yaml")
	require.NoError(t, os.WriteFile(path, []byte(reviewYAML+"working_dir: repo\n"), 0o644))

	def, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "review", def.ID)
	assert.Equal(t, filepath.Join(dir, "repo"), def.WorkingDir)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestApplyDefaults_NoDefaults(t *testing.T) {
	def := &schema.WorkflowDefinition{ID: "x", Nodes: []schema.AgentNode{{ID: "a"}}}
	require.NoError(t, ApplyDefaults(def))
	assert.Equal(t, schema.NodeConfig{}, def.Nodes[0].Config)
}

func TestApplyDefaults_ControlBlocksNotInherited(t *testing.T) {
	def := &schema.WorkflowDefinition{
		ID: "x",
		Defaults: &schema.NodeConfig{
			Model:     "large",
			Condition: &schema.ConditionConfig{Expression: "true"},
		},
		Nodes: []schema.AgentNode{{ID: "a", Kind: schema.NodeKindAgent}},
	}
	require.NoError(t, ApplyDefaults(def))
	assert.Equal(t, "large", def.Nodes[0].Config.Model)
	assert.Nil(t, def.Nodes[0].Config.Condition)
}
