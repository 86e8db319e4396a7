package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowgate/internal/engine"
	"github.com/rendis/flowgate/internal/scheduler"
	"github.com/rendis/flowgate/internal/store"
	"github.com/rendis/flowgate/pkg/schema"
)

// Runtime is the slice of the engine the tool surface drives.
// *engine.Engine satisfies it.
type Runtime interface {
	Start(ctx context.Context, def *schema.WorkflowDefinition, opts engine.StartOptions) (*schema.Execution, error)
	Wait(ctx context.Context, id string) (*schema.Execution, error)
	Status() (*schema.Execution, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Abort(ctx context.Context) error
	SubmitDecision(nodeID, value string) error
	ReviseBlock(nodeID, feedback string) error
	PendingGates() []string
	Replay(ctx context.Context, executionID string, mode engine.ReplayMode) (*schema.Execution, error)
}

// Catalog resolves and lists stored workflow definitions.
type Catalog interface {
	engine.WorkflowResolver
	List(ctx context.Context) ([]*schema.WorkflowDefinition, error)
}

// History is the read side of the store used by flowgate.history and
// flowgate.diagram.
type History interface {
	ListEntries(ctx context.Context, filter store.HistoryFilter) ([]schema.HistoryEntry, error)
	GetEntry(ctx context.Context, executionID string) (*schema.HistoryEntry, error)
	GetEvents(ctx context.Context, executionID string, since int64) ([]schema.ExecutionEvent, error)
	LoadSnapshot(ctx context.Context, executionID string) (*schema.Execution, error)
}

// Schedules is the scheduler surface exposed by flowgate.schedules.
type Schedules interface {
	Jobs() []scheduler.JobState
	RunNow(ctx context.Context, id string) (scheduler.JobState, error)
}

// ServerDeps holds the dependencies for creating a Server. Runtime is
// required; every other collaborator disables the tools that need it.
type ServerDeps struct {
	Runtime   Runtime
	Workflows Catalog
	History   History
	Validator engine.Validator
	Schedules Schedules
	Sessions  *SessionRegistry
	Logger    *slog.Logger
}

// Server wraps an MCP server with flowgate tool handlers.
type Server struct {
	runtime   Runtime
	workflows Catalog
	history   History
	validator engine.Validator
	schedules Schedules
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &Server{
		runtime:   deps.Runtime,
		workflows: deps.Workflows,
		history:   deps.History,
		validator: deps.Validator,
		schedules: deps.Schedules,
		sessions:  sessions,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"flowgate",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(s.hooks()),
		server.WithInstructions("Flowgate runs DAG workflows of agent nodes with human review gates. "+
			"Use flowgate.run to start a workflow, flowgate.status to watch it, flowgate.decide and "+
			"flowgate.revise to answer gates, flowgate.pause/resume/abort to steer it, and "+
			"flowgate.replay or flowgate.history to work with past executions. flowgate.diagram draws a workflow."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the registry that maps executions to client sessions.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

// hooks drops session mappings once a client goes away.
func (s *Server) hooks() *server.Hooks {
	h := &server.Hooks{}
	h.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})
	return h
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: decideTool(), Handler: s.handleDecide},
		{Tool: reviseTool(), Handler: s.handleRevise},
		{Tool: controlTool("flowgate.pause", "Stop the active execution from starting further nodes"), Handler: s.handlePause},
		{Tool: controlTool("flowgate.resume", "Let a paused execution continue"), Handler: s.handleResume},
		{Tool: controlTool("flowgate.abort", "Abort the active execution and cancel in-flight nodes"), Handler: s.handleAbort},
		{Tool: replayTool(), Handler: s.handleReplay},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: workflowsTool(), Handler: s.handleWorkflows},
		{Tool: schedulesTool(), Handler: s.handleSchedules},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("flowgate.run",
		mcp.WithDescription("Start a workflow execution"),
		mcp.WithString("workflow_id", mcp.Description("ID of a stored workflow definition")),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition, used when workflow_id is empty")),
		mcp.WithObject("variables", mcp.Description("Initial variable values")),
		mcp.WithObject("work_item", mcp.Description("Work item exposed to prompts and expressions")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution settles (default: false)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flowgate.status",
		mcp.WithDescription("Get the active or most recent execution"),
	)
}

func decideTool() mcp.Tool {
	return mcp.NewTool("flowgate.decide",
		mcp.WithDescription("Resolve a waiting review gate"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Node whose gate is waiting")),
		mcp.WithString("value", mcp.Description("Option value; empty selects the gate default")),
	)
}

func reviseTool() mcp.Tool {
	return mcp.NewTool("flowgate.revise",
		mcp.WithDescription("Send a gated node back for another attempt with feedback"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Node to revise")),
		mcp.WithString("feedback", mcp.Required(), mcp.Description("Reviewer feedback appended to the prompt")),
	)
}

func controlTool(name, description string) mcp.Tool {
	return mcp.NewTool(name, mcp.WithDescription(description))
}

func replayTool() mcp.Tool {
	return mcp.NewTool("flowgate.replay",
		mcp.WithDescription("Start a new execution from a settled one"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution to replay")),
		mcp.WithString("mode",
			mcp.Enum(string(engine.ReplayFull), string(engine.ReplayResume)),
			mcp.Description("full re-runs every node; resume keeps completed nodes (default: resume)"),
		),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("flowgate.history",
		mcp.WithDescription("List past executions, or the event log of one"),
		mcp.WithString("execution_id", mcp.Description("Return this execution's entry and events")),
		mcp.WithString("workflow_id", mcp.Description("Filter entries by workflow")),
		mcp.WithString("status", mcp.Description("Filter entries by execution status")),
		mcp.WithNumber("limit", mcp.Description("Maximum entries to return (default: 20)")),
		mcp.WithNumber("since", mcp.Description("Only events after this sequence number")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("flowgate.validate",
		mcp.WithDescription("Validate a workflow definition without running it"),
		mcp.WithString("workflow_id", mcp.Description("ID of a stored workflow definition")),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition")),
	)
}

func workflowsTool() mcp.Tool {
	return mcp.NewTool("flowgate.workflows",
		mcp.WithDescription("List stored workflow definitions"),
	)
}

func schedulesTool() mcp.Tool {
	return mcp.NewTool("flowgate.schedules",
		mcp.WithDescription("List scheduled jobs or trigger one now"),
		mcp.WithString("run_now", mcp.Description("Job ID to run immediately")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flowgate.diagram",
		mcp.WithDescription("Draw a workflow, optionally overlaid with an execution's node states"),
		mcp.WithString("workflow_id", mcp.Description("ID of a stored workflow definition")),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition")),
		mcp.WithString("execution_id", mcp.Description("Overlay this execution; its workflow is used when none is given")),
		mcp.WithString("format",
			mcp.Enum("ascii", "mermaid", "png", "svg"),
			mcp.Description("Output format (default: mermaid)"),
		),
	)
}
