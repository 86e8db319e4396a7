package backends

import (
	"context"
	"os/exec"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgate/pkg/schema"
)

// fakeSpawner scripts a session: the given lines are emitted, then the exit
// code is delivered unless hang is set.
type fakeSpawner struct {
	mu      sync.Mutex
	lines   []string
	code    int
	hang    bool
	spawned []SpawnSpec
	written []string
	killed  []string
	kill    chan struct{}
}

func (f *fakeSpawner) Spawn(_ context.Context, spec SpawnSpec) (*Session, error) {
	f.mu.Lock()
	f.spawned = append(f.spawned, spec)
	f.kill = make(chan struct{})
	kill := f.kill
	f.mu.Unlock()

	out := make(chan string)
	exit := make(chan int, 1)
	go func() {
		for _, l := range f.lines {
			out <- l
		}
		if f.hang {
			<-kill
			close(out)
			exit <- 137
			return
		}
		close(out)
		exit <- f.code
	}()
	return &Session{ID: "sess-1", PID: 42, Output: out, Exit: exit}, nil
}

func (f *fakeSpawner) Write(_ string, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, text)
	return true
}

func (f *fakeSpawner) CloseInput(string) bool { return true }

func (f *fakeSpawner) Kill(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	if f.kill != nil {
		close(f.kill)
		f.kill = nil
	}
	return true
}

func TestProcess_ExitZeroSucceeds(t *testing.T) {
	sp := &fakeSpawner{lines: []string{
		`{"type":"tool_use","id":"t1","name":"Read","input":{"path":"a.go"}}`,
		`{"type":"tool_result","tool_use_id":"t1","content":"ok"}`,
		`{"type":"result","result":"all done","total_cost_usd":0.25,"session_id":"s-9"}`,
	}}
	rec := newEventRecorder()
	p := NewProcess(ProcessConfig{Spawner: sp, DefaultCommand: "agent", DefaultArgs: []string{"-p"}})

	out, err := p.Dispatch(context.Background(), Request{
		ExecutionID: "exec-1",
		Node:        agent("plan", schema.NodeConfig{Model: "m1"}),
		Prompt:      "do it",
		WorkingDir:  "/tmp",
		Timeout:     time.Second,
		Emit:        rec.emit,
	})
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Equal(t, "all done", out.Output)
	assert.InDelta(t, 0.25, out.CostUSD, 1e-9)
	assert.Equal(t, "s-9", out.SessionID)

	require.Len(t, sp.spawned, 1)
	assert.Equal(t, "agent", sp.spawned[0].Command)
	assert.Equal(t, []string{"-p", "--model", "m1"}, sp.spawned[0].Args)
	assert.Contains(t, sp.spawned[0].Env, "FLOWGATE_NODE_ID=plan")
	assert.Equal(t, []string{"do it"}, sp.written)

	assert.Len(t, rec.ofType(schema.EventToolCall), 1)
}

func TestProcess_NonZeroExitFails(t *testing.T) {
	sp := &fakeSpawner{code: 137}
	p := NewProcess(ProcessConfig{Spawner: sp, DefaultCommand: "agent"})

	out, err := p.Dispatch(context.Background(), Request{Node: agent("a", schema.NodeConfig{}), Timeout: time.Second})
	require.NoError(t, err)
	assert.False(t, out.Succeeded())
	assert.Equal(t, 137, out.ExitCode)
	assert.Contains(t, out.Error, "137")
}

func TestProcess_DeadlineKillsAndTimesOut(t *testing.T) {
	sp := &fakeSpawner{hang: true}
	rec := newEventRecorder()
	p := NewProcess(ProcessConfig{Spawner: sp, DefaultCommand: "agent"})

	out, err := p.Dispatch(context.Background(), Request{
		Node:    agent("a", schema.NodeConfig{}),
		Timeout: 200 * time.Millisecond,
		Emit:    rec.emit,
	})
	require.NoError(t, err)
	assert.True(t, out.TimedOut())
	assert.Equal(t, TimeoutExitCode, out.ExitCode)
	assert.Equal(t, []string{"sess-1"}, sp.killed)
	assert.Len(t, rec.ofType(schema.EventNodeTimeoutWarning), 1)
}

func TestProcess_AbortKillsSession(t *testing.T) {
	sp := &fakeSpawner{hang: true}
	p := NewProcess(ProcessConfig{Spawner: sp, DefaultCommand: "agent"})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := p.Dispatch(ctx, Request{Node: agent("a", schema.NodeConfig{}), Timeout: time.Minute})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAborted))
	assert.Equal(t, []string{"sess-1"}, sp.killed)
}

func TestProcess_NodeCommandOverridesDefault(t *testing.T) {
	sp := &fakeSpawner{}
	p := NewProcess(ProcessConfig{Spawner: sp, DefaultCommand: "agent", DefaultArgs: []string{"-x"}})

	_, err := p.Dispatch(context.Background(), Request{
		Node:    agent("a", schema.NodeConfig{Command: "custom", Args: []string{"--flag"}, MaxTurns: 4}),
		Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "custom", sp.spawned[0].Command)
	assert.Equal(t, []string{"--flag", "--max-turns", "4"}, sp.spawned[0].Args)
}

func TestExecSpawner_RoundTrip(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	p := NewProcess(ProcessConfig{
		Spawner:        NewExecSpawner(nil),
		DefaultCommand: "sh",
		DefaultArgs:    []string{"-c", `read line; echo "{\"type\":\"result\",\"result\":\"$line\"}"`},
	})
	out, err := p.Dispatch(context.Background(), Request{
		Node:       agent("a", schema.NodeConfig{}),
		Prompt:     "hello\n",
		WorkingDir: t.TempDir(),
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Equal(t, "hello", out.Output)
}

func TestExecSpawner_ExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	p := NewProcess(ProcessConfig{
		Spawner:        NewExecSpawner(nil),
		DefaultCommand: "sh",
		DefaultArgs:    []string{"-c", "exit 3"},
	})
	out, err := p.Dispatch(context.Background(), Request{Node: agent("a", schema.NodeConfig{}), Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
}

func TestExecSpawner_MissingCommand(t *testing.T) {
	_, err := NewExecSpawner(nil).Spawn(context.Background(), SpawnSpec{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
