package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/flowgate/internal/backends"
	"github.com/rendis/flowgate/internal/expressions"
	"github.com/rendis/flowgate/internal/sandbox"
	"github.com/rendis/flowgate/internal/streaming"
	"github.com/rendis/flowgate/pkg/schema"
)

const (
	// DefaultPausePoll is how often a paused run checks whether it may continue.
	DefaultPausePoll = 250 * time.Millisecond

	// DefaultBackoffBaseMs applies to nodes that set no backoff base.
	DefaultBackoffBaseMs int64 = 1000
)

// Persistence receives best-effort records of executions. Failures are
// logged and never affect the run.
type Persistence interface {
	AddEntry(ctx context.Context, entry schema.HistoryEntry) error
	SaveExecution(ctx context.Context, summary schema.ExecutionSummary) error
	SaveSnapshot(ctx context.Context, exec *schema.Execution) error
	LoadSnapshot(ctx context.Context, executionID string) (*schema.Execution, error)
}

// WorkflowResolver looks up definitions referenced by subWorkflow nodes.
type WorkflowResolver interface {
	ResolveWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
}

// Validator performs load-time checks beyond graph ordering.
type Validator interface {
	Validate(ctx context.Context, def *schema.WorkflowDefinition) *schema.ValidationResult
	CheckDeliverable(schemaDoc, deliverable map[string]any) error
}

// Config wires the engine's collaborators. Only Backends is required in
// practice; New fills the rest with working defaults.
type Config struct {
	Backends  *backends.Registry
	Pool      sandbox.Pool
	Store     Persistence
	Workflows WorkflowResolver
	Validator Validator
	Sink      streaming.Sink
	Evaluator *expressions.Evaluator
	Metrics   *Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger

	// Headless resolves every gate without waiting and enables the
	// aggregate workflow deadline.
	Headless HeadlessResolver

	StrictLanes      bool
	PausePoll        time.Duration
	DefaultTimeout   time.Duration
	DefaultBackoffMs int64
	WorkingDir       string
}

// StartOptions seeds a new execution.
type StartOptions struct {
	Variables map[string]any
	WorkItem  map[string]any

	replayOf string
	prior    map[string]*schema.NodeExecutionState
}

// Engine drives at most one top-level execution at a time. It is the
// execution context handed to callers; there is no package-level state.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	eval     *expressions.Evaluator
	resolver *ConditionResolver
	lanes    *LaneExecutor
	nodeFSM  *NodeFSM
	execFSM  *ExecutionFSM

	mu     sync.Mutex
	active *run
	last   *run
}

// New creates an engine. A missing backend registry defaults to the
// simulated dispatcher.
func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Backends == nil {
		cfg.Backends = backends.NewRegistry(backends.NewSimulated(0, 0))
	}
	if cfg.Evaluator == nil {
		eval, err := expressions.NewEvaluator()
		if err != nil {
			return nil, err
		}
		cfg.Evaluator = eval
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/rendis/flowgate/internal/engine")
	}
	if cfg.PausePoll <= 0 {
		cfg.PausePoll = DefaultPausePoll
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = backends.DefaultTimeout
	}
	if cfg.DefaultBackoffMs <= 0 {
		cfg.DefaultBackoffMs = DefaultBackoffBaseMs
	}

	return &Engine{
		cfg:      cfg,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		eval:     cfg.Evaluator,
		resolver: NewConditionResolver(cfg.Evaluator),
		lanes:    NewLaneExecutor(cfg.Pool, cfg.Logger, cfg.Metrics),
		nodeFSM:  NewNodeFSM(),
		execFSM:  NewExecutionFSM(),
	}, nil
}

// Start validates def and launches an execution in the background. It
// returns the initial snapshot. A second Start while one is active fails
// with CONFLICT; a cyclic graph fails with GRAPH_ERROR after the failed
// execution has been recorded.
func (e *Engine) Start(ctx context.Context, def *schema.WorkflowDefinition, opts StartOptions) (*schema.Execution, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is required")
	}

	e.mu.Lock()
	if e.active != nil {
		id := e.active.exec.ID
		e.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s is still active", id).
			WithDetails(map[string]any{"execution_id": id})
	}

	lanes, graphErr := BuildLanes(def)
	var warnings []schema.ValidationIssue
	if graphErr == nil {
		res := e.validate(ctx, def)
		if err := res.ToError(); err != nil {
			e.mu.Unlock()
			return nil, err
		}
		warnings = res.Warnings
	}

	r := newRun(context.WithoutCancel(ctx), e, def, opts, nil, &control{})
	r.lanes = lanes
	r.warnings = warnings
	e.last = r

	if graphErr != nil {
		e.mu.Unlock()
		r.failGraph(graphErr)
		return r.snapshot(), graphErr
	}

	e.active = r
	e.mu.Unlock()

	snap := r.snapshot()
	go r.execute()
	return snap, nil
}

// Run starts def and blocks until it settles or ctx ends.
func (e *Engine) Run(ctx context.Context, def *schema.WorkflowDefinition, opts StartOptions) (*schema.Execution, error) {
	snap, err := e.Start(ctx, def, opts)
	if err != nil {
		return snap, err
	}
	return e.Wait(ctx, snap.ID)
}

// Wait blocks until the execution with id settles.
func (e *Engine) Wait(ctx context.Context, id string) (*schema.Execution, error) {
	r, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// Status returns a snapshot of the active execution, or of the most recent
// one when nothing is running.
func (e *Engine) Status() (*schema.Execution, error) {
	e.mu.Lock()
	r := e.active
	if r == nil {
		r = e.last
	}
	e.mu.Unlock()
	if r == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no execution has been started")
	}
	return r.snapshot(), nil
}

// Active reports whether a top-level execution is running.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

// Pause stops the active execution from starting further nodes. In-flight
// nodes keep running.
func (e *Engine) Pause(ctx context.Context) error {
	r, err := e.current()
	if err != nil {
		return err
	}
	return r.pause(ctx)
}

// Resume lets a paused execution continue.
func (e *Engine) Resume(ctx context.Context) error {
	r, err := e.current()
	if err != nil {
		return err
	}
	return r.unpause(ctx)
}

// Abort resolves every pending gate with an abort, cancels in-flight
// dispatches and lets the run unwind to aborted.
func (e *Engine) Abort(ctx context.Context) error {
	r, err := e.current()
	if err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "aborting execution", "execution_id", r.exec.ID)
	r.abort()
	return nil
}

// SubmitDecision resolves the gate waiting on nodeID, searching nested
// sub-workflow runs as well.
func (e *Engine) SubmitDecision(nodeID, value string) error {
	r, err := e.current()
	if err != nil {
		return err
	}
	target := r.findGate(nodeID)
	if target == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no gate is waiting for node %s", nodeID).WithNode(nodeID)
	}
	return target.gates.Decide(nodeID, value)
}

// ReviseBlock sends a gated node back for re-dispatch with feedback. It
// fails with GATE_ERROR once the node has used all its revisions.
func (e *Engine) ReviseBlock(nodeID, feedback string) error {
	r, err := e.current()
	if err != nil {
		return err
	}
	target := r.findGate(nodeID)
	if target == nil {
		target = r.findNode(nodeID)
	}
	if target == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "node %s is not part of the active execution", nodeID).WithNode(nodeID)
	}
	return target.gates.Revise(nodeID, feedback)
}

// PendingGates lists node ids waiting for a decision across the run tree.
func (e *Engine) PendingGates() []string {
	r, err := e.current()
	if err != nil {
		return nil
	}
	return r.pendingTree()
}

func (e *Engine) current() (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no active execution")
	}
	return e.active, nil
}

func (e *Engine) lookup(id string) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range []*run{e.active, e.last} {
		if r != nil && r.exec.ID == id {
			return r, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
}

func (e *Engine) release(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == r {
		e.active = nil
	}
}

func (e *Engine) validate(ctx context.Context, def *schema.WorkflowDefinition) *schema.ValidationResult {
	if e.cfg.Validator != nil {
		return e.cfg.Validator.Validate(ctx, def)
	}
	return ExpressionIssues(def, e.eval)
}
