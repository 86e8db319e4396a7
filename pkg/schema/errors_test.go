package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowError_Format(t *testing.T) {
	err := NewError(ErrCodeBackend, "process exited with code 2")
	assert.Equal(t, "[BACKEND_ERROR] process exited with code 2", err.Error())

	withNode := err.WithNode("build")
	assert.Equal(t, "[BACKEND_ERROR] node build: process exited with code 2", withNode.Error())
	assert.Empty(t, err.NodeID, "WithNode must not mutate the receiver")
}

func TestFlowError_IsMatchesCode(t *testing.T) {
	wrapped := fmt.Errorf("dispatch: %w", ErrAborted.WithNode("n1"))
	assert.True(t, errors.Is(wrapped, ErrAborted))
	assert.False(t, errors.Is(wrapped, NewError(ErrCodeTimeout, "x")))
}

func TestFlowError_UnwrapCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewErrorf(ErrCodeBackend, "post %s", "http://x").WithCause(cause)
	assert.ErrorIs(t, err, cause)
}

func TestIsCodeAndCodeOf(t *testing.T) {
	err := fmt.Errorf("wrap: %w", NewError(ErrCodeGate, "Maximum revisions (10) reached"))
	assert.True(t, IsCode(err, ErrCodeGate))
	assert.False(t, IsCode(err, ErrCodeGraph))
	assert.Equal(t, ErrCodeGate, CodeOf(err))
	assert.Equal(t, ErrCodeBackend, CodeOf(errors.New("plain")))
}

func TestExecutionClone_Independent(t *testing.T) {
	exec := &Execution{
		ID:         "e1",
		Workflow:   &WorkflowDefinition{Nodes: []AgentNode{{ID: "a"}}},
		NodeStates: map[string]*NodeExecutionState{"a": {NodeID: "a", Status: NodePending}},
		Variables:  map[string]any{"x": 1},
	}
	cp := exec.Clone()
	cp.NodeStates["a"].Status = NodeCompleted
	cp.Variables["x"] = 2

	assert.Equal(t, NodePending, exec.NodeStates["a"].Status)
	assert.Equal(t, 1, exec.Variables["x"])
	assert.Equal(t, []string{"a"}, cp.CompletedNodes())
}

func TestWorkflowDefinition_DeepCopy(t *testing.T) {
	def := &WorkflowDefinition{
		ID:        "wf",
		Nodes:     []AgentNode{{ID: "a", Config: NodeConfig{Checklist: []string{"one"}}}},
		Variables: []Variable{{Name: "topic", Default: "go"}},
	}
	cp, err := def.DeepCopy()
	assert.NoError(t, err)
	cp.Nodes[0].Config.Checklist[0] = "changed"
	assert.Equal(t, "one", def.Nodes[0].Config.Checklist[0])
	assert.Equal(t, map[string]any{"topic": "go"}, cp.DefaultVariables())
}
