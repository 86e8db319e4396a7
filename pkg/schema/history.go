package schema

import "time"

// HistoryEntry is the record written once per terminal execution.
type HistoryEntry struct {
	ExecutionID  string          `json:"execution_id"`
	WorkflowID   string          `json:"workflow_id"`
	WorkflowName string          `json:"workflow_name,omitempty"`
	Status       ExecutionStatus `json:"status"`
	Error        string          `json:"error,omitempty"`
	NodeCount    int             `json:"node_count"`
	Completed    int             `json:"completed"`
	Failed       int             `json:"failed"`
	Skipped      int             `json:"skipped"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  time.Time       `json:"completed_at"`
	DurationMs   int64           `json:"duration_ms"`
}

// ExecutionSummary carries cost and retry figures for analytics.
type ExecutionSummary struct {
	ExecutionID string             `json:"execution_id"`
	WorkflowID  string             `json:"workflow_id"`
	Status      ExecutionStatus    `json:"status"`
	CostUSD     float64            `json:"cost_usd"`
	NodeCosts   map[string]float64 `json:"node_costs,omitempty"`
	Retries     int                `json:"retries"`
	Revisions   int                `json:"revisions"`
	DurationMs  int64              `json:"duration_ms"`
	CreatedAt   time.Time          `json:"created_at"`
}

// NewHistoryEntry derives a history record from a terminal execution.
func NewHistoryEntry(e *Execution) HistoryEntry {
	h := HistoryEntry{
		ExecutionID: e.ID,
		Status:      e.Status,
		Error:       e.Error,
		NodeCount:   len(e.NodeStates),
		StartedAt:   e.StartedAt,
		CompletedAt: e.UpdatedAt,
	}
	if e.Workflow != nil {
		h.WorkflowID, h.WorkflowName = e.Workflow.ID, e.Workflow.Name
	}
	if e.CompletedAt != nil {
		h.CompletedAt = *e.CompletedAt
	}
	h.DurationMs = h.CompletedAt.Sub(h.StartedAt).Milliseconds()
	for _, st := range e.NodeStates {
		switch st.Status {
		case NodeCompleted:
			h.Completed++
		case NodeFailed:
			h.Failed++
		case NodeSkipped:
			h.Skipped++
		}
	}
	return h
}

// NewExecutionSummary derives the cost summary of an execution.
func NewExecutionSummary(e *Execution) ExecutionSummary {
	s := ExecutionSummary{
		ExecutionID: e.ID,
		Status:      e.Status,
		CostUSD:     e.CostUSD,
		NodeCosts:   make(map[string]float64),
		CreatedAt:   time.Now().UTC(),
	}
	if e.Workflow != nil {
		s.WorkflowID = e.Workflow.ID
	}
	for id, st := range e.NodeStates {
		if st.CostUSD > 0 {
			s.NodeCosts[id] = st.CostUSD
		}
		s.Retries += st.RetryCount
		s.Revisions += st.RevisionCount
	}
	end := e.UpdatedAt
	if e.CompletedAt != nil {
		end = *e.CompletedAt
	}
	s.DurationMs = end.Sub(e.StartedAt).Milliseconds()
	return s
}
