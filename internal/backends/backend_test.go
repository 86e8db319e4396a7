package backends

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgate/internal/sandbox"
	"github.com/rendis/flowgate/pkg/schema"
)

func agent(id string, cfg schema.NodeConfig) schema.AgentNode {
	return schema.AgentNode{ID: id, Kind: schema.NodeKindAgent, Type: "planner", Config: cfg}
}

type recordedEvent struct {
	Type    string
	Message string
	Payload map[string]any
}

type eventRecorder struct {
	events chan recordedEvent
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{events: make(chan recordedEvent, 128)}
}

func (r *eventRecorder) emit(eventType, message string, payload map[string]any) {
	r.events <- recordedEvent{Type: eventType, Message: message, Payload: payload}
}

func (r *eventRecorder) ofType(eventType string) []recordedEvent {
	var out []recordedEvent
	for {
		select {
		case ev := <-r.events:
			if ev.Type == eventType {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func TestRegistry_ResolveDefaultAndExplicit(t *testing.T) {
	sim := NewSimulated(time.Millisecond, time.Millisecond)
	proc := NewProcess(ProcessConfig{})
	reg := NewRegistry(sim, proc)

	node := agent("a", schema.NodeConfig{})
	d, err := reg.Resolve(&node)
	require.NoError(t, err)
	assert.Equal(t, schema.BackendSimulated, d.Backend())

	node.Config.Backend = schema.BackendProcess
	d, err = reg.Resolve(&node)
	require.NoError(t, err)
	assert.Equal(t, schema.BackendProcess, d.Backend())

	reg.SetDefault(schema.BackendProcess)
	node.Config.Backend = ""
	d, err = reg.Resolve(&node)
	require.NoError(t, err)
	assert.Equal(t, schema.BackendProcess, d.Backend())
}

func TestRegistry_UnknownBackend(t *testing.T) {
	reg := NewRegistry(NewSimulated(0, 0))
	node := agent("a", schema.NodeConfig{Backend: schema.BackendRemote})
	_, err := reg.Resolve(&node)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestRequest_DirPrefersWorkingDir(t *testing.T) {
	req := Request{Sandbox: &sandbox.Handle{WorkDir: "/sandbox/1"}}
	assert.Equal(t, "/sandbox/1", req.Dir())

	req.WorkingDir = "/work"
	assert.Equal(t, "/work", req.Dir())
	assert.Equal(t, "/sandbox/1", req.ScratchDir())

	assert.Empty(t, (&Request{}).ScratchDir())
}

func TestSimulated_Succeeds(t *testing.T) {
	sim := NewSimulated(time.Millisecond, 5*time.Millisecond)
	out, err := sim.Dispatch(context.Background(), Request{Node: agent("a", schema.NodeConfig{})})
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Equal(t, "a", out.Output.(map[string]any)["node_id"])
}

func TestSimulated_HonorsAbort(t *testing.T) {
	sim := NewSimulated(time.Second, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := sim.Dispatch(ctx, Request{Node: agent("a", schema.NodeConfig{})})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAborted))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSimulated_DeadlineIsTimeout(t *testing.T) {
	sim := NewSimulated(time.Second, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := sim.Dispatch(ctx, Request{Node: agent("a", schema.NodeConfig{})})
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout))
}
