package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowgate/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/flowgate.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Open opens the database and applies pending migrations.
func Open(ctx context.Context, dbPath string) (*LibSQLStore, error) {
	s, err := NewLibSQLStore(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- History ---

// AddEntry records a settled execution. A second entry for the same
// execution replaces the first.
func (s *LibSQLStore) AddEntry(ctx context.Context, e schema.HistoryEntry) error {
	if e.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "history entry has no execution id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (execution_id, workflow_id, workflow_name, status, error, node_count, completed, failed, skipped, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
		   status=excluded.status, error=excluded.error, node_count=excluded.node_count,
		   completed=excluded.completed, failed=excluded.failed, skipped=excluded.skipped,
		   completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		e.ExecutionID, e.WorkflowID, nullStr(e.WorkflowName), string(e.Status), nullStr(e.Error),
		e.NodeCount, e.Completed, e.Failed, e.Skipped,
		timeOrNow(e.StartedAt), timeOrNow(e.CompletedAt), e.DurationMs,
	)
	if err != nil {
		return storeError("add history entry", err)
	}
	return nil
}

const historyColumns = `execution_id, workflow_id, workflow_name, status, error, node_count, completed, failed, skipped, started_at, completed_at, duration_ms`

func (s *LibSQLStore) GetEntry(ctx context.Context, executionID string) (*schema.HistoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM history WHERE execution_id = ?`, executionID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("history entry", executionID)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *LibSQLStore) ListEntries(ctx context.Context, filter HistoryFilter) ([]schema.HistoryEntry, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + historyColumns + ` FROM history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []schema.HistoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (schema.HistoryEntry, error) {
	var (
		e            schema.HistoryEntry
		name, errMsg sql.NullString
		status       string
	)
	err := row.Scan(&e.ExecutionID, &e.WorkflowID, &name, &status, &errMsg,
		&e.NodeCount, &e.Completed, &e.Failed, &e.Skipped, &e.StartedAt, &e.CompletedAt, &e.DurationMs)
	if err != nil {
		return e, err
	}
	e.WorkflowName = name.String
	e.Error = errMsg.String
	e.Status = schema.ExecutionStatus(status)
	return e, nil
}

// --- Analytics ---

func (s *LibSQLStore) SaveExecution(ctx context.Context, sum schema.ExecutionSummary) error {
	if sum.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution summary has no execution id")
	}
	costs, err := marshalOrNil(sum.NodeCosts)
	if err != nil {
		return fmt.Errorf("marshal node costs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_summaries (execution_id, workflow_id, status, cost_usd, node_costs, retries, revisions, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
		   status=excluded.status, cost_usd=excluded.cost_usd, node_costs=excluded.node_costs,
		   retries=excluded.retries, revisions=excluded.revisions, duration_ms=excluded.duration_ms`,
		sum.ExecutionID, sum.WorkflowID, string(sum.Status), sum.CostUSD, costs,
		sum.Retries, sum.Revisions, sum.DurationMs, timeOrNow(sum.CreatedAt),
	)
	if err != nil {
		return storeError("save execution summary", err)
	}
	return nil
}

func (s *LibSQLStore) GetSummary(ctx context.Context, executionID string) (*schema.ExecutionSummary, error) {
	sum := &schema.ExecutionSummary{}
	var (
		status string
		costs  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT execution_id, workflow_id, status, cost_usd, node_costs, retries, revisions, duration_ms, created_at
		 FROM execution_summaries WHERE execution_id = ?`, executionID,
	).Scan(&sum.ExecutionID, &sum.WorkflowID, &status, &sum.CostUSD, &costs,
		&sum.Retries, &sum.Revisions, &sum.DurationMs, &sum.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution summary", executionID)
	}
	if err != nil {
		return nil, err
	}
	sum.Status = schema.ExecutionStatus(status)
	if costs.Valid && costs.String != "" {
		if err := json.Unmarshal([]byte(costs.String), &sum.NodeCosts); err != nil {
			return nil, fmt.Errorf("unmarshal node costs: %w", err)
		}
	}
	return sum, nil
}

// TotalCost sums recorded cost for a workflow, or for every workflow when
// workflowID is empty.
func (s *LibSQLStore) TotalCost(ctx context.Context, workflowID string) (float64, error) {
	query := `SELECT COALESCE(SUM(cost_usd), 0) FROM execution_summaries`
	var args []any
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	var total float64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// --- Snapshots ---

// SaveSnapshot upserts the latest state of an execution. Events are kept in
// the event log rather than inside the snapshot.
func (s *LibSQLStore) SaveSnapshot(ctx context.Context, exec *schema.Execution) error {
	if exec == nil || exec.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "snapshot has no execution id")
	}
	cp := *exec
	cp.Events = nil
	doc, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	var workflowID string
	if exec.Workflow != nil {
		workflowID = exec.Workflow.ID
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, parent_id, status, snapshot, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, snapshot=excluded.snapshot, updated_at=excluded.updated_at`,
		exec.ID, workflowID, nullStr(exec.ParentID), string(exec.Status), string(doc),
		timeOrNow(exec.StartedAt), timeOrNow(exec.UpdatedAt),
	)
	if err != nil {
		return storeError("save snapshot", err)
	}
	return nil
}

// LoadSnapshot returns the latest snapshot with its events rehydrated from
// the event log.
func (s *LibSQLStore) LoadSnapshot(ctx context.Context, executionID string) (*schema.Execution, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM executions WHERE id = ?`, executionID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", executionID)
	}
	if err != nil {
		return nil, err
	}
	exec := &schema.Execution{}
	if err := json.Unmarshal([]byte(doc), exec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "corrupt snapshot for execution %s", executionID).WithCause(err)
	}
	if exec.NodeStates == nil {
		exec.NodeStates = make(map[string]*schema.NodeExecutionState)
	}
	events, err := s.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}
	exec.Events = events
	return exec, nil
}

func (s *LibSQLStore) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]SnapshotInfo, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, filter.ParentID)
	}
	if filter.TopLevel {
		where = append(where, "parent_id IS NULL")
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT id, workflow_id, parent_id, status, started_at, updated_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []SnapshotInfo
	for rows.Next() {
		var (
			info   SnapshotInfo
			parent sql.NullString
			status string
		)
		if err := rows.Scan(&info.ExecutionID, &info.WorkflowID, &parent, &status, &info.StartedAt, &info.UpdatedAt); err != nil {
			return nil, err
		}
		info.ParentID = parent.String
		info.Status = schema.ExecutionStatus(status)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// --- Events ---

// AppendEvent stores an event. Events that arrive without a sequence get
// the next one for their execution; a duplicate (execution, sequence) pair
// is ignored so redelivery is harmless.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event schema.ExecutionEvent) error {
	if event.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event has no execution id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	seq := event.Sequence
	if seq <= 0 {
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
		).Scan(&seq)
		if err != nil {
			return fmt.Errorf("get next sequence: %w", err)
		}
	}

	payload, err := marshalOrNil(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (id, execution_id, sequence, event_type, node_id, message, payload, trace_id, span_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, sequence) DO NOTHING`,
		event.ID, event.ExecutionID, seq, event.Type, nullStr(event.NodeID), nullStr(event.Message),
		payload, nullStr(event.TraceID), nullStr(event.SpanID), timeOrNow(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

const eventColumns = `id, execution_id, sequence, event_type, node_id, message, payload, trace_id, span_id, timestamp`

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]schema.ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]schema.ExecutionEvent, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC, sequence DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]schema.ExecutionEvent, error) {
	var events []schema.ExecutionEvent
	for rows.Next() {
		var (
			e                                     schema.ExecutionEvent
			nodeID, message, payload, trace, span sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Sequence, &e.Type, &nodeID, &message,
			&payload, &trace, &span, &e.Timestamp); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Message = message.String
		e.TraceID = trace.String
		e.SpanID = span.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload of event %s: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s failed", op).WithCause(err)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalOrNil[T any](m map[string]T) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
