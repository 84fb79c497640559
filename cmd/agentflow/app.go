package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/runners"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/internal/validation"
)

// app carries the loaded configuration and process logger shared by all
// commands.
type app struct {
	configPath string
	logLevel   string

	cfg    *Config
	logger *slog.Logger
}

// load reads the configuration and builds the logger. Called once per
// command invocation.
func (a *app) load(stderr io.Writer) error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg
	a.logger = logging.New(stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(a.logger)
	return nil
}

// openStore opens the libSQL database at the configured path and applies
// pending migrations.
func (a *app) openStore(ctx context.Context) (store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dsn := a.cfg.DBPath
	if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, "://") {
		dsn = "file:" + dsn
	}
	s, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// catalog restricts definitions to the configured agent and tool ids. An
// explicit tool list always admits the builtin and MCP server ids.
func (a *app) catalog() *runners.Catalog {
	tools := a.cfg.Tools.IDs
	if len(tools) > 0 {
		tools = slices.Clone(tools)
		if a.cfg.Builtins {
			tools = append(tools, runners.BuiltinToolID)
		}
		for _, srv := range a.cfg.MCPServers {
			tools = append(tools, srv.ID)
		}
	}
	return runners.NewCatalog(a.cfg.Agents.IDs, tools)
}

func (a *app) validator() (*validation.WorkflowValidator, error) {
	return validation.NewWorkflowValidator(a.catalog())
}

// orchestratorDeps are the per-command pieces an orchestrator is built from.
type orchestratorDeps struct {
	store      store.Store
	notifier   streaming.Notifier
	registerer prometheus.Registerer
	validator  engine.InputValidator
}

// newOrchestrator wires the collaborator runners from config into an
// orchestrator. An agent runner without an endpoint is left unset and agent
// steps fail with a clear error. Tool calls route to the builtin functions,
// configured MCP servers, then the HTTP tool service. The returned func
// shuts the orchestrator down and disconnects MCP servers.
func (a *app) newOrchestrator(deps orchestratorDeps) (engine.Orchestrator, func(), error) {
	cfg := engine.Config{
		Store:      deps.store,
		Notifier:   deps.notifier,
		Validator:  deps.validator,
		Registerer: deps.registerer,
		PoolSize:   a.cfg.PoolSize,
		RetryDelay: a.cfg.RetryDelay,
		Logger:     a.logger,
	}

	if a.cfg.Agents.Endpoint != "" {
		agents, err := runners.NewAgentClient(runners.HTTPConfig{
			BaseURL: a.cfg.Agents.Endpoint,
			Token:   a.cfg.Agents.Token,
			Timeout: a.cfg.Agents.Timeout,
			Logger:  a.logger,
		})
		if err != nil {
			return nil, nil, err
		}
		cfg.Agents = agents
	}

	var fallback engine.ToolRunner
	if a.cfg.Tools.Endpoint != "" {
		tools, err := runners.NewToolClient(runners.HTTPConfig{
			BaseURL: a.cfg.Tools.Endpoint,
			Token:   a.cfg.Tools.Token,
			Timeout: a.cfg.Tools.Timeout,
			Logger:  a.logger,
		})
		if err != nil {
			return nil, nil, err
		}
		fallback = tools
	}
	mux := runners.NewToolMux(fallback)

	if a.cfg.Builtins {
		builtins, err := runners.NewBuiltins()
		if err != nil {
			return nil, nil, err
		}
		mux.Handle(runners.BuiltinToolID, builtins)
	}

	mcpTools, err := runners.NewMCPTools(a.cfg.MCPServers, runners.StdioDialer, a.logger)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range mcpTools.IDs() {
		mux.Handle(id, mcpTools)
	}
	cfg.Tools = mux

	orch, err := engine.NewOrchestrator(cfg)
	if err != nil {
		_ = mcpTools.Close()
		return nil, nil, err
	}
	shutdown := func() {
		orch.Shutdown()
		if err := mcpTools.Close(); err != nil {
			a.logger.Warn("close mcp servers", slog.String("error", err.Error()))
		}
	}
	return orch, shutdown, nil
}
