package backends

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/flowgate/internal/sandbox"
	"github.com/rendis/flowgate/pkg/schema"
)

const maxCollectedOutput = 256 * 1024

// ProcessConfig configures the spawned-process dispatcher.
type ProcessConfig struct {
	Spawner        Spawner
	DefaultCommand string
	DefaultArgs    []string
	Env            []string
	Limits         sandbox.Limits
}

// Process hands the composed prompt to an external agent process and waits
// for it to exit or for the deadline to pass.
type Process struct {
	cfg ProcessConfig
}

// NewProcess returns a process dispatcher.
func NewProcess(cfg ProcessConfig) *Process {
	return &Process{cfg: cfg}
}

func (p *Process) Backend() schema.Backend { return schema.BackendProcess }

func (p *Process) Dispatch(ctx context.Context, req Request) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(ctx, req.Node.ID)
	}
	if p.cfg.Spawner == nil {
		return nil, schema.NewError(schema.ErrCodeBackend, "process backend: no spawner configured").WithNode(req.Node.ID)
	}

	command, args := req.Node.Config.Command, req.Node.Config.Args
	if command == "" {
		command, args = p.cfg.DefaultCommand, p.cfg.DefaultArgs
	}
	if req.Node.Config.Model != "" {
		args = append(append([]string(nil), args...), "--model", req.Node.Config.Model)
	}
	if req.Node.Config.MaxTurns > 0 {
		args = append(append([]string(nil), args...), "--max-turns", fmt.Sprint(req.Node.Config.MaxTurns))
	}

	env := append(append([]string(nil), p.cfg.Env...),
		"FLOWGATE_EXECUTION_ID="+req.ExecutionID,
		"FLOWGATE_NODE_ID="+req.Node.ID,
		fmt.Sprintf("FLOWGATE_ATTEMPT=%d", req.Attempt),
	)
	if scratch := req.ScratchDir(); scratch != "" {
		env = append(env, "FLOWGATE_SANDBOX_DIR="+scratch)
	}

	limits := p.cfg.Limits
	if req.Node.Config.ReadOnly && req.Dir() != "" {
		limits.ReadOnlyPaths = append(append([]string(nil), limits.ReadOnlyPaths...), req.Dir())
	}

	sess, err := p.cfg.Spawner.Spawn(ctx, SpawnSpec{
		Command: command,
		Args:    args,
		Dir:     req.Dir(),
		Env:     env,
		Limits:  limits,
	})
	if err != nil {
		return nil, err
	}
	// A failed write means the process already exited; its exit code tells the rest.
	delivered := req.Prompt == "" || p.cfg.Spawner.Write(sess.ID, req.Prompt)
	p.cfg.Spawner.CloseInput(sess.ID)

	out, err := p.await(ctx, req, sess)
	if err == nil && !delivered && !out.Succeeded() {
		out.Error += " (prompt was not delivered)"
	}
	return out, err
}

func (p *Process) await(ctx context.Context, req Request, sess *Session) (*Outcome, error) {
	deadline := req.timeout()
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	warn := time.NewTimer(deadline * 8 / 10)
	defer warn.Stop()

	c := collector{req: &req}
	out := sess.Output
	for {
		select {
		case line, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			c.consume(line)

		case code := <-sess.Exit:
			if out != nil {
				for line := range out {
					c.consume(line)
				}
			}
			o := &Outcome{ExitCode: code, Output: c.output(), SessionID: c.sessionID, CostUSD: c.cost}
			if code != 0 {
				o.Error = fmt.Sprintf("agent process exited with code %d", code)
				if c.failure != "" {
					o.Error += ": " + c.failure
				}
			}
			return o, nil

		case <-warn.C:
			req.emit(schema.EventNodeTimeoutWarning, fmt.Sprintf("node %s reached 80%% of its %s deadline", req.Node.ID, deadline),
				map[string]any{"timeout_ms": deadline.Milliseconds(), "session_id": sess.ID})

		case <-timer.C:
			p.cfg.Spawner.Kill(sess.ID)
			drain(sess)
			return &Outcome{
				ExitCode:  TimeoutExitCode,
				Output:    c.output(),
				Error:     fmt.Sprintf("agent process timed out after %s", deadline),
				SessionID: sess.ID,
				CostUSD:   c.cost,
			}, nil

		case <-ctx.Done():
			p.cfg.Spawner.Kill(sess.ID)
			drain(sess)
			return nil, contextError(ctx, req.Node.ID)
		}
	}
}

// drain consumes what is left of a killed session so its reader goroutine can exit.
func drain(sess *Session) {
	go func() {
		if sess.Output != nil {
			for range sess.Output {
			}
		}
		if sess.Exit != nil {
			<-sess.Exit
		}
	}()
}

// collector turns stdout lines into events and a final output value.
type collector struct {
	req       *Request
	final     string
	hasFinal  bool
	failure   string
	raw       strings.Builder
	cost      float64
	sessionID string
}

func (c *collector) consume(line string) {
	events := ParseToolOutput(line)
	if len(events) == 0 {
		if c.raw.Len() < maxCollectedOutput {
			c.raw.WriteString(line)
			c.raw.WriteByte('\n')
		}
		return
	}
	for _, ev := range events {
		switch ev.Kind {
		case ToolUse:
			c.req.emit(schema.EventToolCall, "tool call: "+ev.Name,
				map[string]any{"tool": ev.Name, "tool_use_id": ev.ID, "input": ev.Input})
		case ToolResult:
			c.req.emit(schema.EventToolResult, "tool result",
				map[string]any{"tool_use_id": ev.ID, "is_error": ev.IsError, "content": Sanitize(ev.Text, 2000)})
		case ToolText:
			if c.raw.Len() < maxCollectedOutput {
				c.raw.WriteString(ev.Text)
				c.raw.WriteByte('\n')
			}
		case ToolFinal:
			c.final, c.hasFinal = ev.Text, true
			c.cost += ev.CostUSD
			if ev.SessionID != "" {
				c.sessionID = ev.SessionID
			}
			if ev.IsError {
				c.failure = ev.Text
			}
		}
	}
}

func (c *collector) output() any {
	if c.hasFinal {
		return c.final
	}
	return strings.TrimRight(c.raw.String(), "\n")
}
