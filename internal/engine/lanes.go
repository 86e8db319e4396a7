package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/flowgate/internal/sandbox"
	"github.com/rendis/flowgate/pkg/schema"
)

// Plan is an ordered list of lanes handed to the LaneExecutor.
type Plan struct {
	Lanes []Lane
	// Strict stops tasks that have not started yet once any task fails.
	Strict bool
	// Unpooled nodes run without a sandbox.
	Unpooled map[string]bool
}

// TaskResult is the settled outcome of one lane task.
type TaskResult struct {
	LaneID  string
	NodeID  string
	Err     error
	Aborted bool
	// Retryable is set by the task when its last attempt may be tried again.
	Retryable bool
}

// Failed reports whether the task did not succeed.
func (r TaskResult) Failed() bool { return r.Err != nil }

// TaskFunc runs one node inside an acquired sandbox. sb is nil when the
// executor has no pool.
type TaskFunc func(ctx context.Context, nodeID string, sb *sandbox.Handle) TaskResult

// LaneExecutor runs plans against a sandbox pool. Every acquired sandbox is
// released exactly once, whatever the task outcome.
type LaneExecutor struct {
	pool    sandbox.Pool
	logger  *slog.Logger
	metrics *Metrics
}

// NewLaneExecutor returns an executor. pool may be nil.
func NewLaneExecutor(pool sandbox.Pool, logger *slog.Logger, metrics *Metrics) *LaneExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LaneExecutor{pool: pool, logger: logger, metrics: metrics}
}

// cancelToken is shared by the tasks of one strict plan.
type cancelToken struct {
	set atomic.Bool
}

func (t *cancelToken) cancel() { t.set.Store(true) }

func (t *cancelToken) cancelled() bool { return t.set.Load() }

// Run executes plan lane by lane. Sequential lanes run their node in order;
// parallel lanes launch every member before waiting for all of them. Results
// are returned in plan order.
func (x *LaneExecutor) Run(ctx context.Context, plan Plan, task TaskFunc) []TaskResult {
	var (
		token   cancelToken
		results []TaskResult
	)

	for _, lane := range plan.Lanes {
		switch lane.Kind {
		case LaneParallel:
			results = append(results, x.runParallel(ctx, &plan, &token, lane, task)...)
		default:
			for _, id := range lane.NodeIDs {
				res := x.runTask(ctx, &plan, &token, lane.ID, id, task)
				results = append(results, res)
			}
		}
	}
	return results
}

func (x *LaneExecutor) runParallel(ctx context.Context, plan *Plan, token *cancelToken, lane Lane, task TaskFunc) []TaskResult {
	results := make([]TaskResult, len(lane.NodeIDs))
	var g errgroup.Group
	for i, id := range lane.NodeIDs {
		g.Go(func() error {
			results[i] = x.runTask(ctx, plan, token, lane.ID, id, task)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (x *LaneExecutor) runTask(ctx context.Context, plan *Plan, token *cancelToken, laneID, nodeID string, task TaskFunc) (res TaskResult) {
	strict := plan.Strict
	aborted := func() TaskResult {
		return TaskResult{LaneID: laneID, NodeID: nodeID, Err: schema.ErrAborted, Aborted: true}
	}
	if ctx.Err() != nil || (strict && token.cancelled()) {
		return aborted()
	}

	var handle *sandbox.Handle
	if x.pool != nil && !plan.Unpooled[nodeID] {
		h, err := x.pool.Acquire(ctx, nodeID)
		if err != nil {
			if ctx.Err() != nil {
				return aborted()
			}
			res = TaskResult{LaneID: laneID, NodeID: nodeID, Err: err}
			if strict {
				token.cancel()
			}
			return res
		}
		handle = h
		x.metrics.sandboxAcquired()

		defer func() {
			x.metrics.sandboxReleased()
			if err := x.pool.Release(h.ID); err != nil {
				x.logger.Warn("sandbox release failed", "node_id", nodeID, "sandbox", h.ID, "error", err)
			}
		}()

		if strict && token.cancelled() {
			return aborted()
		}
	}

	defer func() {
		if r := recover(); r != nil {
			res = TaskResult{LaneID: laneID, NodeID: nodeID,
				Err: schema.NewErrorf(schema.ErrCodeBackend, "node %s panicked: %v", nodeID, r).WithNode(nodeID)}
		}
		if strict && res.Failed() && !res.Aborted {
			token.cancel()
		}
	}()

	res = task(ctx, nodeID, handle)
	res.LaneID = laneID
	res.NodeID = nodeID
	return res
}

// singleLane wraps one node as a plan lane.
func singleLane(kind LaneKind, nodeID string) Lane {
	return Lane{ID: fmt.Sprintf("%s:%s", kind, nodeID), Kind: kind, NodeIDs: []string{nodeID}}
}
