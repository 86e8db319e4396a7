package store

import (
	"context"

	"github.com/rendis/flowgate/internal/engine"
	"github.com/rendis/flowgate/internal/streaming"
	"github.com/rendis/flowgate/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	engine.Persistence

	// History
	GetEntry(ctx context.Context, executionID string) (*schema.HistoryEntry, error)
	ListEntries(ctx context.Context, filter HistoryFilter) ([]schema.HistoryEntry, error)

	// Analytics
	GetSummary(ctx context.Context, executionID string) (*schema.ExecutionSummary, error)
	TotalCost(ctx context.Context, workflowID string) (float64, error)

	// Snapshots
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]SnapshotInfo, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event schema.ExecutionEvent) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]schema.ExecutionEvent, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]schema.ExecutionEvent, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

var (
	_ Store          = (*LibSQLStore)(nil)
	_ streaming.Sink = (*EventLog)(nil)
)
