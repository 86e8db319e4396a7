package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/flowgate/internal/scheduler"
)

const envPrefix = "FLOWGATE"

// Config holds all flowgate configuration.
// Priority: flags > FLOWGATE_* env vars > settings file > defaults.
type Config struct {
	DBPath       string `mapstructure:"db_path"`
	LogLevel     string `mapstructure:"log_level"`
	LogFormat    string `mapstructure:"log_format"`
	WorkingDir   string `mapstructure:"working_dir"`
	WorkflowsDir string `mapstructure:"workflows_dir"`
	MetricsAddr  string `mapstructure:"metrics_addr"`

	Sandbox struct {
		PoolSize int    `mapstructure:"pool_size"`
		Root     string `mapstructure:"root"`
		Prewarm  int    `mapstructure:"prewarm"`
	} `mapstructure:"sandbox"`

	Backend struct {
		Default string        `mapstructure:"default"`
		Timeout time.Duration `mapstructure:"timeout"`
		Command string        `mapstructure:"command"`
		Args    []string      `mapstructure:"args"`
	} `mapstructure:"backend"`

	Remote struct {
		Endpoint   string  `mapstructure:"endpoint"`
		RatePerSec float64 `mapstructure:"rate_per_sec"`
	} `mapstructure:"remote"`

	Engine struct {
		StrictLanes bool          `mapstructure:"strict_lanes"`
		PausePoll   time.Duration `mapstructure:"pause_poll"`
		Headless    bool          `mapstructure:"headless"`
	} `mapstructure:"engine"`

	Redis struct {
		Addr    string `mapstructure:"addr"`
		Channel string `mapstructure:"channel"`
	} `mapstructure:"redis"`

	Telemetry struct {
		ServiceName  string  `mapstructure:"service_name"`
		OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
		SampleRate   float64 `mapstructure:"sample_rate"`
	} `mapstructure:"telemetry"`

	Schedules []scheduler.Job `mapstructure:"schedules"`
}

func flowgateDir() string {
	if dir := os.Getenv(envPrefix + "_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowgate"
	}
	return filepath.Join(home, ".flowgate")
}

func setDefaults(v *viper.Viper) {
	dir := flowgateDir()
	v.SetDefault("db_path", filepath.Join(dir, "flowgate.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("workflows_dir", filepath.Join(dir, "workflows"))
	v.SetDefault("sandbox.pool_size", 4)
	v.SetDefault("sandbox.root", filepath.Join(dir, "sandboxes"))
	v.SetDefault("sandbox.prewarm", 0)
	v.SetDefault("backend.default", "simulated")
	v.SetDefault("backend.timeout", 30*time.Minute)
	v.SetDefault("remote.rate_per_sec", 0)
	v.SetDefault("engine.pause_poll", 250*time.Millisecond)
	v.SetDefault("redis.channel", "flowgate")
	v.SetDefault("telemetry.service_name", "flowgate")
	v.SetDefault("telemetry.sample_rate", 1.0)
}

// bindFlags maps persistent flags onto their config keys.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	bindings := map[string]string{
		"db-path":       "db_path",
		"log-level":     "log_level",
		"log-format":    "log_format",
		"working-dir":   "working_dir",
		"workflows-dir": "workflows_dir",
	}
	for flag, key := range bindings {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// loadConfig layers defaults, the settings file, env and flags. A missing
// default settings file is not an error; a missing explicit one is.
func loadConfig(v *viper.Viper, cmd *cobra.Command, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("settings")
		v.AddConfigPath(flowgateDir())
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if cmd != nil {
		if err := bindFlags(v, cmd); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}
