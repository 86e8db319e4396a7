package store

import (
	"time"

	"github.com/rendis/flowgate/pkg/schema"
)

// HistoryFilter narrows ListEntries. Zero values match everything.
type HistoryFilter struct {
	WorkflowID string
	Status     schema.ExecutionStatus
	Since      *time.Time
	Limit      int
	Offset     int
}

// SnapshotFilter narrows ListSnapshots.
type SnapshotFilter struct {
	WorkflowID string
	ParentID   string
	Status     schema.ExecutionStatus
	// TopLevel excludes sub-workflow children.
	TopLevel bool
	Limit    int
}

// SnapshotInfo describes a stored snapshot without decoding it.
type SnapshotInfo struct {
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	ParentID    string                 `json:"parent_id,omitempty"`
	Status      schema.ExecutionStatus `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	ExecutionID string
	NodeID      string
	Since       *time.Time
	Limit       int
}
