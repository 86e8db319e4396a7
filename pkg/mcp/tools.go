package mcp

import (
	"context"
	"encoding/base64"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowgate/internal/definitions"
	"github.com/rendis/flowgate/internal/diagram"
	"github.com/rendis/flowgate/internal/engine"
	"github.com/rendis/flowgate/internal/store"
	"github.com/rendis/flowgate/pkg/schema"
)

const defaultHistoryLimit = 20

// handleRun starts a workflow from the catalog or an inline definition.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := s.definitionFrom(ctx, req)
	if errResult != nil {
		return errResult, nil
	}

	opts := engine.StartOptions{
		Variables: mcp.ParseStringMap(req, "variables", nil),
		WorkItem:  mcp.ParseStringMap(req, "work_item", nil),
	}

	exec, err := s.runtime.Start(ctx, def, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
	}
	s.captureSession(ctx, exec.ID)
	s.logger.InfoContext(ctx, "execution started via mcp", "execution_id", exec.ID, "workflow_id", def.ID)

	if req.GetBool("wait", false) {
		settled, waitErr := s.runtime.Wait(ctx, exec.ID)
		if waitErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("wait failed: %v", waitErr)), nil
		}
		exec = settled
	}
	return marshalResult(exec)
}

// handleStatus returns the active or most recent execution.
func (s *Server) handleStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	exec, err := s.runtime.Status()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(exec)
}

func (s *Server) handleDecide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	value := req.GetString("value", "")

	if decErr := s.runtime.SubmitDecision(nodeID, value); decErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decision failed: %v", decErr)), nil
	}
	s.logger.InfoContext(ctx, "gate decided via mcp", "node_id", nodeID, "value", value)

	return marshalResult(map[string]any{
		"ok":            true,
		"node_id":       nodeID,
		"value":         value,
		"pending_gates": s.runtime.PendingGates(),
	})
}

func (s *Server) handleRevise(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	feedback, err := req.RequireString("feedback")
	if err != nil {
		return mcp.NewToolResultError("feedback is required"), nil
	}

	if revErr := s.runtime.ReviseBlock(nodeID, feedback); revErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("revision failed: %v", revErr)), nil
	}
	s.logger.InfoContext(ctx, "block revised via mcp", "node_id", nodeID)

	return marshalResult(map[string]any{"ok": true, "node_id": nodeID})
}

func (s *Server) handlePause(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, "pause", s.runtime.Pause)
}

func (s *Server) handleResume(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, "resume", s.runtime.Resume)
}

func (s *Server) handleAbort(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, "abort", s.runtime.Abort)
}

func (s *Server) control(ctx context.Context, action string, fn func(context.Context) error) (*mcp.CallToolResult, error) {
	if err := fn(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, err)), nil
	}
	exec, err := s.runtime.Status()
	if err != nil {
		return marshalResult(map[string]any{"ok": true, "action": action})
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"action":       action,
		"execution_id": exec.ID,
		"status":       exec.Status,
	})
}

// handleReplay re-drives a settled execution. Resume mode is the default.
func (s *Server) handleReplay(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	mode := engine.ReplayMode(req.GetString("mode", string(engine.ReplayResume)))
	if mode != engine.ReplayFull && mode != engine.ReplayResume {
		return mcp.NewToolResultError(fmt.Sprintf("unknown replay mode %q", mode)), nil
	}

	exec, replayErr := s.runtime.Replay(ctx, execID, mode)
	if replayErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("replay failed: %v", replayErr)), nil
	}
	s.captureSession(ctx, exec.ID)
	return marshalResult(exec)
}

// handleHistory lists history entries, or returns one entry with its
// event log when execution_id is set.
func (s *Server) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.history == nil {
		return mcp.NewToolResultError("history is not configured"), nil
	}

	if execID := req.GetString("execution_id", ""); execID != "" {
		entry, err := s.history.GetEntry(ctx, execID)
		if err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("history lookup failed: %v", err)), nil
		}
		events, err := s.history.GetEvents(ctx, execID, int64(req.GetInt("since", 0)))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event lookup failed: %v", err)), nil
		}
		if entry == nil && len(events) == 0 {
			return mcp.NewToolResultError(fmt.Sprintf("execution %s not found", execID)), nil
		}
		return marshalResult(map[string]any{"entry": entry, "events": events})
	}

	filter := store.HistoryFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		Status:     schema.ExecutionStatus(req.GetString("status", "")),
		Limit:      req.GetInt("limit", defaultHistoryLimit),
	}
	entries, err := s.history.ListEntries(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"entries": entries})
}

func (s *Server) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.validator == nil {
		return mcp.NewToolResultError("validator is not configured"), nil
	}
	def, errResult := s.definitionFrom(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	result := s.validator.Validate(ctx, def)
	return marshalResult(map[string]any{
		"workflow_id": def.ID,
		"valid":       result.Valid(),
		"errors":      result.Errors,
		"warnings":    result.Warnings,
	})
}

func (s *Server) handleWorkflows(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.workflows == nil {
		return mcp.NewToolResultError("no workflow directory is configured"), nil
	}
	defs, err := s.workflows.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("listing workflows failed: %v", err)), nil
	}
	type summary struct {
		ID          string `json:"id"`
		Name        string `json:"name,omitempty"`
		Description string `json:"description,omitempty"`
		Nodes       int    `json:"nodes"`
		Gates       int    `json:"gates"`
	}
	out := make([]summary, 0, len(defs))
	for _, d := range defs {
		out = append(out, summary{ID: d.ID, Name: d.Name, Description: d.Description, Nodes: len(d.Nodes), Gates: len(d.Gates)})
	}
	return marshalResult(map[string]any{"workflows": out})
}

func (s *Server) handleSchedules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.schedules == nil {
		return mcp.NewToolResultError("scheduler is not configured"), nil
	}
	if id := req.GetString("run_now", ""); id != "" {
		state, err := s.schedules.RunNow(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
		}
		return marshalResult(state)
	}
	return marshalResult(map[string]any{"jobs": s.schedules.Jobs()})
}

// handleDiagram renders a definition, with node states from the active
// execution or a stored snapshot when execution_id is set.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var exec *schema.Execution
	if execID := req.GetString("execution_id", ""); execID != "" {
		found, errResult := s.executionFor(ctx, execID)
		if errResult != nil {
			return errResult, nil
		}
		exec = found
	}

	var def *schema.WorkflowDefinition
	if exec != nil && req.GetString("workflow_id", "") == "" && req.GetArguments()["definition"] == nil {
		def = exec.Workflow
	}
	if def == nil {
		resolved, errResult := s.definitionFrom(ctx, req)
		if errResult != nil {
			return errResult, nil
		}
		def = resolved
	}

	model, err := diagram.Build(def, exec)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	switch format := req.GetString("format", "mermaid"); format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "png", "svg":
		imgFormat := diagram.ImageFormat(format)
		img, err := diagram.RenderImage(ctx, model, imgFormat)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("render failed: %v", err)), nil
		}
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(img), imgFormat.MIMEType()), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown format %q", format)), nil
	}
}

// --- Helpers ---

// executionFor prefers the live execution so a running diagram shows
// current state, then falls back to the stored snapshot.
func (s *Server) executionFor(ctx context.Context, id string) (*schema.Execution, *mcp.CallToolResult) {
	if cur, err := s.runtime.Status(); err == nil && cur != nil && cur.ID == id {
		return cur, nil
	}
	if s.history == nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("execution %s not found", id))
	}
	exec, err := s.history.LoadSnapshot(ctx, id)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", err))
	}
	return exec, nil
}

// definitionFrom resolves workflow_id through the catalog or decodes an
// inline definition. A non-nil result is a tool error to return as is.
func (s *Server) definitionFrom(ctx context.Context, req mcp.CallToolRequest) (*schema.WorkflowDefinition, *mcp.CallToolResult) {
	if id := req.GetString("workflow_id", ""); id != "" {
		if s.workflows == nil {
			return nil, mcp.NewToolResultError("no workflow directory is configured")
		}
		def, err := s.workflows.ResolveWorkflow(ctx, id)
		if err != nil {
			return nil, mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", err))
		}
		return def, nil
	}

	raw, ok := req.GetArguments()["definition"]
	if !ok || raw == nil {
		return nil, mcp.NewToolResultError("workflow_id or definition is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	def, err := definitions.Parse(data, definitions.FormatJSON)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	return def, nil
}

func (s *Server) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
