package backends

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rendis/flowgate/internal/sandbox"
	"github.com/rendis/flowgate/pkg/schema"
)

// TimeoutExitCode is the exit code reported when a dispatch hits its deadline.
const TimeoutExitCode = -1

// DefaultTimeout applies when neither the node nor the request sets one.
const DefaultTimeout = 10 * time.Minute

// EmitFunc records an execution event on behalf of a dispatcher.
type EmitFunc func(eventType, message string, payload map[string]any)

// Request is everything a dispatcher needs to run one node attempt.
type Request struct {
	ExecutionID string
	Node        schema.AgentNode
	Prompt      string
	WorkingDir  string
	Sandbox     *sandbox.Handle
	Timeout     time.Duration
	Attempt     int
	Emit        EmitFunc
}

// Dir is where the agent runs: the project working directory, or the
// sandbox slot when no working directory is configured.
func (r *Request) Dir() string {
	if r.WorkingDir != "" {
		return r.WorkingDir
	}
	return r.ScratchDir()
}

// ScratchDir is the sandbox slot's private directory, wiped on release.
func (r *Request) ScratchDir() string {
	if r.Sandbox == nil {
		return ""
	}
	return r.Sandbox.WorkDir
}

func (r *Request) emit(eventType, message string, payload map[string]any) {
	if r.Emit != nil {
		r.Emit(eventType, message, payload)
	}
}

func (r *Request) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return r.Node.Config.TimeoutDuration(DefaultTimeout)
}

// Outcome is the uniform result of one dispatch.
// ExitCode 0 means success, TimeoutExitCode a deadline kill, anything else a failure.
type Outcome struct {
	ExitCode  int     `json:"exit_code"`
	Output    any     `json:"output,omitempty"`
	Error     string  `json:"error,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
}

// Succeeded reports whether the outcome is a success.
func (o *Outcome) Succeeded() bool { return o != nil && o.ExitCode == 0 }

// TimedOut reports whether the outcome is a deadline kill.
func (o *Outcome) TimedOut() bool { return o != nil && o.ExitCode == TimeoutExitCode }

// Dispatcher executes a single agent node attempt.
// Infrastructure problems and aborts are returned as errors; process and HTTP
// failures are returned as an Outcome with a non-zero exit code.
type Dispatcher interface {
	Backend() schema.Backend
	Dispatch(ctx context.Context, req Request) (*Outcome, error)
}

// Registry maps backend selectors to dispatchers.
type Registry struct {
	mu          sync.RWMutex
	dispatchers map[schema.Backend]Dispatcher
	fallback    schema.Backend
}

// NewRegistry registers the given dispatchers. The first one becomes the
// default for nodes that name no backend.
func NewRegistry(ds ...Dispatcher) *Registry {
	r := &Registry{dispatchers: make(map[schema.Backend]Dispatcher, len(ds))}
	for _, d := range ds {
		r.Register(d)
	}
	return r
}

// Register adds or replaces a dispatcher.
func (r *Registry) Register(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fallback == "" {
		r.fallback = d.Backend()
	}
	r.dispatchers[d.Backend()] = d
}

// SetDefault changes the backend used for nodes without an explicit selector.
func (r *Registry) SetDefault(b schema.Backend) {
	r.mu.Lock()
	r.fallback = b
	r.mu.Unlock()
}

// Resolve returns the dispatcher for a node.
func (r *Registry) Resolve(node *schema.AgentNode) (Dispatcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b := node.Config.Backend
	if b == "" {
		b = r.fallback
	}
	d, ok := r.dispatchers[b]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unsupported backend %q", b).WithNode(node.ID)
	}
	return d, nil
}

// contextError maps a finished context onto the error taxonomy.
func contextError(ctx context.Context, nodeID string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "execution deadline exceeded").WithNode(nodeID).WithCause(ctx.Err())
	}
	return schema.NewError(schema.ErrCodeAborted, schema.AbortedMessage).WithNode(nodeID).WithCause(ctx.Err())
}
