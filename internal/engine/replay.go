package engine

import (
	"context"

	"github.com/rendis/flowgate/pkg/schema"
)

// ReplayMode selects how a previous execution is re-driven.
type ReplayMode string

const (
	// ReplayFull re-runs the stored definition from scratch.
	ReplayFull ReplayMode = "full"
	// ReplayResume carries completed nodes over and runs the rest.
	ReplayResume ReplayMode = "resume"
)

// Replay starts a new execution from a settled one. In resume mode every
// node that completed before is marked completed again without dispatch.
func (e *Engine) Replay(ctx context.Context, executionID string, mode ReplayMode) (*schema.Execution, error) {
	prev, err := e.loadExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if prev.Workflow == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "execution %s has no stored workflow", executionID)
	}
	if !prev.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s is still %s", executionID, prev.Status)
	}

	opts := StartOptions{WorkItem: prev.WorkItem, replayOf: prev.ID}
	switch mode {
	case ReplayFull, "":
		opts.Variables = prev.Input
	case ReplayResume:
		opts.Variables = prev.Variables
		opts.prior = make(map[string]*schema.NodeExecutionState)
		for id, st := range prev.NodeStates {
			if st.Status == schema.NodeCompleted {
				cp := *st
				opts.prior[id] = &cp
			}
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown replay mode %q", mode)
	}

	e.logger.InfoContext(ctx, "replaying execution", "execution_id", executionID, "mode", mode, "carried_over", len(opts.prior))
	return e.Start(ctx, prev.Workflow, opts)
}

func (e *Engine) loadExecution(ctx context.Context, id string) (*schema.Execution, error) {
	if r, err := e.lookup(id); err == nil {
		return r.snapshot(), nil
	}
	if e.cfg.Store == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	exec, err := e.cfg.Store.LoadSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	return exec, nil
}
