package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/flowgate/pkg/schema"
)

// Limits constrains one spawned agent process.
type Limits struct {
	Timeout       time.Duration `json:"timeout,omitempty"`
	Env           []string      `json:"env,omitempty"`
	ReadOnlyPaths []string      `json:"read_only_paths,omitempty"`
	DenyPaths     []string      `json:"deny_paths,omitempty"`
}

// PathAccess describes the intended operation on a filesystem path.
type PathAccess int

const (
	PathAccessRead PathAccess = iota
	PathAccessWrite
)

// ValidatePath checks path against the deny and read-only lists.
// Deny entries win over everything; read-only entries only block writes.
func (l Limits) ValidatePath(path string, access PathAccess) error {
	clean := resolveCleanPath(path)
	for _, deny := range l.DenyPaths {
		if isUnderPath(clean, resolveCleanPath(deny)) {
			return schema.NewErrorf(schema.ErrCodeResource, "path denied: %s", path).
				WithDetails(map[string]any{"path": path})
		}
	}
	if access == PathAccessWrite {
		for _, ro := range l.ReadOnlyPaths {
			if isUnderPath(clean, resolveCleanPath(ro)) {
				return schema.NewErrorf(schema.ErrCodeResource, "path is read-only: %s", path).
					WithDetails(map[string]any{"path": path})
			}
		}
	}
	return nil
}

func resolveCleanPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

func isUnderPath(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// Wrap clones cmd onto a context-aware exec.Cmd that is killed when ctx ends
// or the timeout elapses. The returned cleanup must be called once the
// process has exited. Callers must use the returned command.
func Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if cmd.Dir != "" {
		if err := limits.ValidatePath(cmd.Dir, PathAccessRead); err != nil {
			return nil, nil, err
		}
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}

	// exec.Cmd.Cancel is only honored for commands built with CommandContext.
	wrapped := exec.CommandContext(execCtx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	if len(limits.Env) > 0 {
		base := cmd.Env
		if base == nil {
			base = os.Environ()
		}
		wrapped.Env = append(append([]string(nil), base...), limits.Env...)
	}
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr
	wrapped.Cancel = func() error {
		if wrapped.Process != nil {
			return wrapped.Process.Kill()
		}
		return nil
	}
	wrapped.WaitDelay = 5 * time.Second

	cleanup := func() {
		if cancel != nil {
			cancel()
		}
	}
	return wrapped, cleanup, nil
}
