package sandbox

import (
	"bytes"
	"context"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgate/pkg/schema"
)

func TestValidatePath_EmptyLists_Unrestricted(t *testing.T) {
	l := Limits{}
	assert.NoError(t, l.ValidatePath("/any/path", PathAccessRead))
	assert.NoError(t, l.ValidatePath("/any/path", PathAccessWrite))
}

func TestValidatePath_DenyBlocksReadAndWrite(t *testing.T) {
	l := Limits{DenyPaths: []string{"/secret"}}
	assertResourceErr(t, l.ValidatePath("/secret/file.txt", PathAccessRead))
	assertResourceErr(t, l.ValidatePath("/secret", PathAccessWrite))
}

func TestValidatePath_ReadOnlyAllowsRead(t *testing.T) {
	l := Limits{ReadOnlyPaths: []string{"/config"}}
	assert.NoError(t, l.ValidatePath("/config/settings.json", PathAccessRead))
	assertResourceErr(t, l.ValidatePath("/config/settings.json", PathAccessWrite))
}

func TestValidatePath_PartialDirName_NotConfused(t *testing.T) {
	l := Limits{DenyPaths: []string{"/tmp/deny"}}
	assert.NoError(t, l.ValidatePath("/tmp/denyother/file", PathAccessRead))
}

func TestValidatePath_TraversalResolved(t *testing.T) {
	l := Limits{DenyPaths: []string{"/denied"}}
	assertResourceErr(t, l.ValidatePath("/allowed/../denied/secret", PathAccessRead))
}

func TestIsUnderPath(t *testing.T) {
	assert.True(t, isUnderPath("/a", "/a"))
	assert.True(t, isUnderPath("/a/b", "/a"))
	assert.False(t, isUnderPath("/b", "/a"))
	assert.False(t, isUnderPath("/ab", "/a"))
}

func TestWrap_PreservesFields(t *testing.T) {
	original := exec.Command("echo", "hello")
	original.Dir = "/tmp"
	original.Env = []string{"FOO=bar"}
	var buf bytes.Buffer
	original.Stdout = &buf

	wrapped, cleanup, err := Wrap(context.Background(), original, Limits{})
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, original.Path, wrapped.Path)
	assert.Equal(t, original.Args, wrapped.Args)
	assert.Equal(t, "/tmp", wrapped.Dir)
	assert.Equal(t, []string{"FOO=bar"}, wrapped.Env)
	assert.Equal(t, &buf, wrapped.Stdout)
}

func TestWrap_AppendsLimitEnv(t *testing.T) {
	original := exec.Command("echo")
	original.Env = []string{"A=1"}

	wrapped, cleanup, err := Wrap(context.Background(), original, Limits{Env: []string{"B=2"}})
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, []string{"A=1", "B=2"}, wrapped.Env)
	assert.Equal(t, []string{"A=1"}, original.Env)
}

func TestWrap_DeniedWorkingDir(t *testing.T) {
	cmd := exec.Command("echo")
	cmd.Dir = "/secret/work"
	_, _, err := Wrap(context.Background(), cmd, Limits{DenyPaths: []string{"/secret"}})
	assertResourceErr(t, err)
}

func TestWrap_CancelledCtx_ReturnsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := Wrap(ctx, exec.Command("echo", "hello"), Limits{})
	require.Error(t, err)
}

func TestWrap_Timeout_KillsProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sleep command not available on windows")
	}

	wrapped, cleanup, err := Wrap(context.Background(), exec.Command("sleep", "60"), Limits{
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer cleanup()

	start := time.Now()
	err = wrapped.Run()
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWrap_CleanupIdempotent(t *testing.T) {
	_, cleanup, err := Wrap(context.Background(), exec.Command("echo"), Limits{Timeout: time.Second})
	require.NoError(t, err)
	cleanup()
	cleanup()
}

func assertResourceErr(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeResource), "expected RESOURCE_ERROR, got %v", err)
}
