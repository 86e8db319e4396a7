package engine

import (
	"slices"
	"sync"

	"github.com/rendis/flowgate/pkg/schema"
)

// TransitionHook is called after a successful state transition.
type TransitionHook func(id string, from, to string)

// --- Node FSM ---

// ValidNodeTransitions defines the allowed node state transitions.
// completed/failed -> running covers forEach iterations and lane-level retries.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodePending:     {schema.NodeRunning, schema.NodeSkipped, schema.NodeCompleted, schema.NodeFailed},
	schema.NodeRunning:     {schema.NodeCompleted, schema.NodeFailed, schema.NodeWaitingGate, schema.NodeSkipped},
	schema.NodeWaitingGate: {schema.NodeRunning, schema.NodeCompleted, schema.NodeFailed},
	schema.NodeCompleted:   {schema.NodeRunning},
	schema.NodeFailed:      {schema.NodeRunning},
	schema.NodeSkipped:     {},
}

// NodeFSM validates node transitions. The orchestrator is its only caller.
type NodeFSM struct {
	mu    sync.Mutex
	hooks []TransitionHook
}

// NewNodeFSM creates a node state machine.
func NewNodeFSM() *NodeFSM {
	return &NodeFSM{}
}

// OnTransition registers a hook called after every successful transition.
func (f *NodeFSM) OnTransition(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, hook)
}

// Transition validates a node state change and runs hooks.
// from == to is a no-op.
func (f *NodeFSM) Transition(nodeID string, from, to schema.NodeStatus) error {
	if from == to {
		return nil
	}
	if !slices.Contains(ValidNodeTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	f.mu.Lock()
	hooks := slices.Clone(f.hooks)
	f.mu.Unlock()
	for _, hook := range hooks {
		hook(nodeID, string(from), string(to))
	}
	return nil
}

// NodeEventType maps a target node status to the event it produces.
func NodeEventType(to schema.NodeStatus) string {
	switch to {
	case schema.NodeRunning:
		return schema.EventNodeStarted
	case schema.NodeCompleted:
		return schema.EventNodeCompleted
	case schema.NodeFailed:
		return schema.EventNodeFailed
	case schema.NodeSkipped:
		return schema.EventNodeSkipped
	case schema.NodeWaitingGate:
		return schema.EventGateWaiting
	default:
		return ""
	}
}

// --- Execution FSM ---

// ValidExecutionTransitions defines the allowed execution status transitions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionRunning:     {schema.ExecutionPaused, schema.ExecutionWaitingGate, schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionAborted},
	schema.ExecutionPaused:      {schema.ExecutionRunning, schema.ExecutionWaitingGate, schema.ExecutionFailed, schema.ExecutionAborted},
	schema.ExecutionWaitingGate: {schema.ExecutionRunning, schema.ExecutionPaused, schema.ExecutionFailed, schema.ExecutionAborted},
	schema.ExecutionCompleted:   {},
	schema.ExecutionFailed:      {},
	schema.ExecutionAborted:     {},
}

// ExecutionFSM validates execution status transitions.
type ExecutionFSM struct {
	mu    sync.Mutex
	hooks []TransitionHook
}

// NewExecutionFSM creates an execution state machine.
func NewExecutionFSM() *ExecutionFSM {
	return &ExecutionFSM{}
}

// OnTransition registers a hook called after every successful transition.
func (f *ExecutionFSM) OnTransition(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, hook)
}

// Transition validates an execution status change and runs hooks.
func (f *ExecutionFSM) Transition(executionID string, from, to schema.ExecutionStatus) error {
	if from == to {
		return nil
	}
	if !slices.Contains(ValidExecutionTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	f.mu.Lock()
	hooks := slices.Clone(f.hooks)
	f.mu.Unlock()
	for _, hook := range hooks {
		hook(executionID, string(from), string(to))
	}
	return nil
}

// ExecutionEventType maps a target execution status to the event it produces.
func ExecutionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionAborted:
		return schema.EventExecutionAborted
	case schema.ExecutionPaused:
		return schema.EventExecutionPaused
	default:
		return ""
	}
}
