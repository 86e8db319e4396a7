package backends

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q"},
		{"config", "user.email", "dev@example.com"},
		{"config", "user.name", "dev"},
	} {
		_, err := runGit(context.Background(), dir, args...)
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	_, err := runGit(context.Background(), dir, "add", ".")
	require.NoError(t, err)
	_, err = runGit(context.Background(), dir, "commit", "-q", "-m", "init")
	require.NoError(t, err)
	return dir
}

func TestCaptureDiff_ShowsChangesSinceBase(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()

	base, err := DiffBase(ctx, dir)
	require.NoError(t, err)
	require.NotEmpty(t, base)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))
	diff, err := CaptureDiff(ctx, dir, base)
	require.NoError(t, err)
	assert.Contains(t, diff, "+func main() {}")
}

func TestCaptureDiff_DirtyBaseExcludesEarlierEdits(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n// before\n"), 0o644))

	base, err := DiffBase(ctx, dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n// before\n// after\n"), 0o644))
	diff, err := CaptureDiff(ctx, dir, base)
	require.NoError(t, err)
	assert.Contains(t, diff, "+// after")
	assert.NotContains(t, diff, "+// before")
}

func TestDiffBase_NotARepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	_, err := DiffBase(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestCaptureDiff_IncludesNewUntrackedFiles(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("already here\n"), 0o644))

	base, err := DiffBase(ctx, dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "added.go"), []byte("package main\n\nvar added = 1\n"), 0o644))
	diff, err := CaptureDiff(ctx, dir, base)
	require.NoError(t, err)
	assert.Contains(t, diff, "added.go")
	assert.Contains(t, diff, "+var added = 1")
	assert.NotContains(t, diff, "scratch.txt")

	// The repository index is untouched: added.go is still untracked.
	status, err := runGit(ctx, dir, "status", "--porcelain")
	require.NoError(t, err)
	assert.Contains(t, status, "?? added.go")
}
