package backends

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/flowgate/pkg/schema"
)

const (
	maxDiffSize    = 512 * 1024
	gitCallTimeout = 30 * time.Second
)

// DiffBase records the working tree state before a coding node runs. It
// returns a tree object usable by CaptureDiff; untracked files that are not
// ignored are part of it.
func DiffBase(ctx context.Context, dir string) (string, error) {
	return worktreeTree(ctx, dir)
}

// CaptureDiff returns the diff between base and the current working tree,
// new untracked files included, truncated to a bounded size.
func CaptureDiff(ctx context.Context, dir, base string) (string, error) {
	if base == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "git diff: empty base")
	}
	head, err := worktreeTree(ctx, dir)
	if err != nil {
		return "", err
	}
	out, err := runGit(ctx, dir, "diff", base, head, "--")
	if err != nil {
		return "", err
	}
	if len(out) > maxDiffSize {
		out = out[:maxDiffSize] + "\n[diff truncated]\n"
	}
	return out, nil
}

// worktreeTree writes the whole working tree as a tree object through a
// throwaway index. The repository's own index is left untouched.
func worktreeTree(ctx context.Context, dir string) (string, error) {
	tmp, err := os.MkdirTemp("", "flowgate-index-")
	if err != nil {
		return "", schema.NewError(schema.ErrCodeResource, "git diff: temp index").WithCause(err)
	}
	defer os.RemoveAll(tmp)

	env := []string{"GIT_INDEX_FILE=" + filepath.Join(tmp, "index")}
	if _, err := runGitEnv(ctx, dir, env, "add", "--all", "--", "."); err != nil {
		return "", err
	}
	out, err := runGitEnv(ctx, dir, env, "write-tree")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	return runGitEnv(ctx, dir, nil, args...)
}

func runGitEnv(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitCallTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: maxDiffSize + 1}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: 4096}
	if err := cmd.Run(); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeBackend, "git %s: %s", args[0], strings.TrimSpace(stderr.String())).WithCause(err)
	}
	return stdout.String(), nil
}
