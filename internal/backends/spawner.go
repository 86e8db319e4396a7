package backends

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/flowgate/internal/sandbox"
	"github.com/rendis/flowgate/pkg/schema"
)

const (
	defaultMaxStderr = 64 * 1024
	maxLineSize      = 4 * 1024 * 1024
)

// SpawnSpec describes an agent process to start.
type SpawnSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Limits  sandbox.Limits
}

// Session is a running agent process. Output yields stdout lines and is
// closed at EOF; Exit receives the exit code exactly once after Output closes.
type Session struct {
	ID     string
	PID    int
	Output <-chan string
	Exit   <-chan int
}

// Spawner is the process collaborator used by the process dispatcher.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (*Session, error)
	Write(id, text string) bool
	CloseInput(id string) bool
	Kill(id string) bool
}

var _ Spawner = (*ExecSpawner)(nil)

// ExecSpawner starts local processes through sandbox.Wrap.
type ExecSpawner struct {
	logger    *slog.Logger
	maxStderr int64

	mu       sync.Mutex
	sessions map[string]*execSession
}

type execSession struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// NewExecSpawner returns a spawner backed by os/exec.
func NewExecSpawner(logger *slog.Logger) *ExecSpawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecSpawner{
		logger:    logger,
		maxStderr: defaultMaxStderr,
		sessions:  make(map[string]*execSession),
	}
}

func (s *ExecSpawner) Spawn(ctx context.Context, spec SpawnSpec) (*Session, error) {
	if spec.Command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "process backend: missing command")
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	wrapped, cleanup, err := sandbox.Wrap(ctx, cmd, spec.Limits)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeResource, "process backend: wrap command").WithCause(err)
	}

	stdin, err := wrapped.StdinPipe()
	if err != nil {
		cleanup()
		return nil, schema.NewError(schema.ErrCodeBackend, "process backend: stdin pipe").WithCause(err)
	}
	stdout, err := wrapped.StdoutPipe()
	if err != nil {
		cleanup()
		return nil, schema.NewError(schema.ErrCodeBackend, "process backend: stdout pipe").WithCause(err)
	}
	var stderr bytes.Buffer
	wrapped.Stderr = &limitedWriter{w: &stderr, limit: s.maxStderr}

	if err := wrapped.Start(); err != nil {
		cleanup()
		return nil, schema.NewErrorf(schema.ErrCodeBackend, "process backend: start %s", spec.Command).WithCause(err)
	}

	id := uuid.New().String()
	s.mu.Lock()
	s.sessions[id] = &execSession{cmd: wrapped, stdin: stdin}
	s.mu.Unlock()

	lines := make(chan string, 64)
	exit := make(chan int, 1)

	go func() {
		defer cleanup()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		_, _ = io.Copy(io.Discard, stdout)
		close(lines)

		code := 0
		if err := wrapped.Wait(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = 1
			}
		}
		if code != 0 && stderr.Len() > 0 {
			s.logger.Debug("agent process stderr", slog.String("session_id", id), slog.String("stderr", stderr.String()))
		}

		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		exit <- code
	}()

	return &Session{ID: id, PID: wrapped.Process.Pid, Output: lines, Exit: exit}, nil
}

func (s *ExecSpawner) Write(id, text string) bool {
	sess := s.get(id)
	if sess == nil {
		return false
	}
	_, err := io.WriteString(sess.stdin, text)
	return err == nil
}

func (s *ExecSpawner) CloseInput(id string) bool {
	sess := s.get(id)
	if sess == nil {
		return false
	}
	return sess.stdin.Close() == nil
}

func (s *ExecSpawner) Kill(id string) bool {
	sess := s.get(id)
	if sess == nil || sess.cmd.Process == nil {
		return false
	}
	return sess.cmd.Process.Kill() == nil
}

func (s *ExecSpawner) get(id string) *execSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// limitedWriter discards bytes beyond limit while reporting full writes so
// the child never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
