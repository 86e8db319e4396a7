package schema

import (
	"maps"
	"time"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionRunning     ExecutionStatus = "running"
	ExecutionPaused      ExecutionStatus = "paused"
	ExecutionWaitingGate ExecutionStatus = "waiting_gate"
	ExecutionCompleted   ExecutionStatus = "completed"
	ExecutionFailed      ExecutionStatus = "failed"
	ExecutionAborted     ExecutionStatus = "aborted"
)

// IsTerminal reports whether no further node transitions may be applied.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionAborted
}

// NodeStatus represents the lifecycle state of a node.
type NodeStatus string

const (
	NodePending     NodeStatus = "pending"
	NodeRunning     NodeStatus = "running"
	NodeWaitingGate NodeStatus = "waiting_gate"
	NodeCompleted   NodeStatus = "completed"
	NodeFailed      NodeStatus = "failed"
	NodeSkipped     NodeStatus = "skipped"
)

// IsTerminal reports whether the node has settled.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeSkipped
}

// MaxRevisions bounds NodeExecutionState.RevisionCount.
const MaxRevisions = 10

// MaxSubWorkflowDepth bounds sub-workflow nesting.
const MaxSubWorkflowDepth = 3

// Execution is one live run of a workflow definition.
type Execution struct {
	ID          string                         `json:"id"`
	TraceID     string                         `json:"trace_id,omitempty"`
	ParentID    string                         `json:"parent_id,omitempty"`
	Depth       int                            `json:"depth"`
	Workflow    *WorkflowDefinition            `json:"workflow"`
	Status      ExecutionStatus                `json:"status"`
	NodeStates  map[string]*NodeExecutionState `json:"node_states"`
	Events      []ExecutionEvent               `json:"events"`
	Input       map[string]any                 `json:"input,omitempty"`
	Variables   map[string]any                 `json:"variables"`
	WorkItem    map[string]any                 `json:"work_item,omitempty"`
	ReplayOf    string                         `json:"replay_of,omitempty"`
	Pending     []string                       `json:"pending_gates,omitempty"`
	Error       string                         `json:"error,omitempty"`
	CostUSD     float64                        `json:"cost_usd,omitempty"`
	StartedAt   time.Time                      `json:"started_at"`
	UpdatedAt   time.Time                      `json:"updated_at"`
	CompletedAt *time.Time                     `json:"completed_at,omitempty"`
}

// NodeExecutionState tracks one node within an execution.
type NodeExecutionState struct {
	NodeID        string         `json:"node_id"`
	Status        NodeStatus     `json:"status"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Output        any            `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	ExitCode      *int           `json:"exit_code,omitempty"`
	RevisionCount int            `json:"revision_count"`
	RetryCount    int            `json:"retry_count"`
	LastRetryAt   *time.Time     `json:"last_retry_at,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Feedback      string         `json:"feedback,omitempty"`
	Deliverable   map[string]any `json:"deliverable,omitempty"`
	Diff          string         `json:"diff,omitempty"`
	CostUSD       float64        `json:"cost_usd,omitempty"`
}

// Clone returns a snapshot safe to hand to another goroutine. Node states,
// events and variable maps are copied; Output and Deliverable values are shared.
func (e *Execution) Clone() *Execution {
	cp := *e
	cp.NodeStates = make(map[string]*NodeExecutionState, len(e.NodeStates))
	for id, st := range e.NodeStates {
		s := *st
		cp.NodeStates[id] = &s
	}
	cp.Events = append([]ExecutionEvent(nil), e.Events...)
	cp.Pending = append([]string(nil), e.Pending...)
	cp.Input = maps.Clone(e.Input)
	cp.Variables = maps.Clone(e.Variables)
	cp.WorkItem = maps.Clone(e.WorkItem)
	return &cp
}

// CompletedNodes returns the IDs of every node whose status is completed.
func (e *Execution) CompletedNodes() []string {
	var ids []string
	for _, n := range e.Workflow.Nodes {
		if st, ok := e.NodeStates[n.ID]; ok && st.Status == NodeCompleted {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// FailedNodes returns the IDs of every node whose status is failed.
func (e *Execution) FailedNodes() []string {
	var ids []string
	for _, n := range e.Workflow.Nodes {
		if st, ok := e.NodeStates[n.ID]; ok && st.Status == NodeFailed {
			ids = append(ids, n.ID)
		}
	}
	return ids
}
