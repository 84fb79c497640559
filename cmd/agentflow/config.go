package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/agentflow/internal/runners"
	"github.com/rendis/agentflow/internal/scheduler"
)

// Config holds all agentflow server configuration.
// Priority: env vars (AGENTFLOW_*) > config file > defaults.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	DBPath     string `mapstructure:"db_path"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`
	PoolSize   int    `mapstructure:"pool_size"`

	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`

	Agents  RunnerConfig  `mapstructure:"agents"`
	Tools   RunnerConfig  `mapstructure:"tools"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Tracing TracingConfig `mapstructure:"tracing"`

	// Builtins serves the in-process functions under tool id "builtin".
	Builtins   bool                      `mapstructure:"builtins"`
	MCPServers []runners.MCPServerConfig `mapstructure:"mcp_servers"`

	Schedules []scheduler.JobSpec `mapstructure:"schedules"`
}

// RunnerConfig points at an agent or tool collaborator service.
type RunnerConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// IDs restricts definitions to the listed ids. Empty allows any.
	IDs []string `mapstructure:"ids"`
}

// WebhookConfig enables event delivery to an HTTP endpoint.
type WebhookConfig struct {
	URL        string `mapstructure:"url"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// TracingConfig enables span export to stdout or a file.
type TracingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Output  string `mapstructure:"output"`
}

func agentflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentflow"
	}
	return filepath.Join(home, ".agentflow")
}

func binDir() string {
	return filepath.Join(agentflowDir(), "bin")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":4200")
	v.SetDefault("db_path", filepath.Join(agentflowDir(), "agentflow.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("pool_size", 16)
	v.SetDefault("retry_delay", time.Second)
	v.SetDefault("reconcile_interval", 5*time.Minute)
	v.SetDefault("agents.timeout", 2*time.Minute)
	v.SetDefault("tools.timeout", 2*time.Minute)
	v.SetDefault("builtins", true)
	v.SetDefault("webhook.max_retries", 5)
	v.SetDefault("tracing.output", "stderr")
}

// loadConfig reads path, or agentflow.yaml from the working directory and
// ~/.agentflow when path is empty. A missing default file is not an error.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agentflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(agentflowDir())
	}

	v.SetEnvPrefix("AGENTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("pool_size must be positive, got %d", cfg.PoolSize)
	}
	return &cfg, nil
}
