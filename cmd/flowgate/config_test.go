package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("FLOWGATE_HOME", home)

	cfg, err := loadConfig(viper.New(), nil, "")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "flowgate.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.Sandbox.PoolSize)
	assert.Equal(t, "simulated", cfg.Backend.Default)
	assert.Equal(t, 30*time.Minute, cfg.Backend.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.PausePoll)
	assert.Empty(t, cfg.Schedules)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("FLOWGATE_HOME", home)
	settings := `
log_level: debug
sandbox:
  pool_size: 8
backend:
  default: process
  timeout: 90s
  command: agent
  args: [--json]
engine:
  strict_lanes: true
schedules:
  - id: nightly
    spec: "@daily"
    workflow_id: review
    variables:
      topic: billing
`
	require.NoError(t, os.WriteFile(filepath.Join(home, "settings.yaml"), []byte(settings), 0o644))
	t.Setenv("FLOWGATE_LOG_LEVEL", "warn")
	t.Setenv("FLOWGATE_SANDBOX_POOL_SIZE", "2")

	cfg, err := loadConfig(viper.New(), nil, "")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel, "env beats file")
	assert.Equal(t, 2, cfg.Sandbox.PoolSize)
	assert.Equal(t, "process", cfg.Backend.Default)
	assert.Equal(t, 90*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, []string{"--json"}, cfg.Backend.Args)
	assert.True(t, cfg.Engine.StrictLanes)

	require.Len(t, cfg.Schedules, 1)
	job := cfg.Schedules[0]
	assert.Equal(t, "nightly", job.ID)
	assert.Equal(t, "@daily", job.Spec)
	assert.Equal(t, "review", job.WorkflowID)
	assert.Equal(t, "billing", job.Variables["topic"])
}

func TestLoadConfig_ExplicitFileMustExist(t *testing.T) {
	t.Setenv("FLOWGATE_HOME", t.TempDir())
	_, err := loadConfig(viper.New(), nil, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_FlagsWin(t *testing.T) {
	t.Setenv("FLOWGATE_HOME", t.TempDir())
	t.Setenv("FLOWGATE_LOG_LEVEL", "warn")

	root := newRootCmd()
	root.SetArgs([]string{"version", "--log-level", "error", "--workflows-dir", "/srv/workflows"})
	cmd, err := root.ExecuteC()
	require.NoError(t, err)
	require.Equal(t, "version", cmd.Name())

	cfg, err := loadConfig(viper.New(), cmd, "")
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, "/srv/workflows", cfg.WorkflowsDir)
}
