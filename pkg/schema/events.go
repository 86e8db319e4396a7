package schema

import "time"

// Event type constants for the execution event log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionAborted   = "execution_aborted"
	EventExecutionPaused    = "execution_paused"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionWarning   = "execution_warning"
	EventExecutionTimedOut  = "execution_timed_out"

	EventNodeStarted         = "node_started"
	EventNodeCompleted       = "node_completed"
	EventNodeFailed          = "node_failed"
	EventNodeSkipped         = "node_skipped"
	EventNodeRetry           = "node_retry"
	EventNodeRetryExhausted  = "node_retry_exhausted"
	EventNodeTimeoutWarning  = "node_timeout_warning"
	EventDeliverableCaptured = "deliverable_captured"
	EventDiffCaptured        = "diff_captured"

	EventGateWaiting   = "gate_waiting"
	EventGateDecided   = "gate_decided"
	EventBlockRevision = "block_revision"

	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"

	EventConditionEvaluated   = "condition_evaluated"
	EventForEachIteration     = "foreach_iteration"
	EventForEachCompleted     = "foreach_completed"
	EventSubWorkflowStarted   = "subworkflow_started"
	EventSubWorkflowCompleted = "subworkflow_completed"
	EventLaneStarted          = "lane_started"
	EventLaneCompleted        = "lane_completed"
)

// ExecutionEvent is one entry in an execution's append-only event list.
type ExecutionEvent struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Type        string         `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	NodeID      string         `json:"node_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Message     string         `json:"message,omitempty"`
	TraceID     string         `json:"trace_id,omitempty"`
	SpanID      string         `json:"span_id,omitempty"`
	Sequence    int64          `json:"sequence"`
}
