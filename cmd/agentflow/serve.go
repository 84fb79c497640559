package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rendis/agentflow/internal/hitl"
	"github.com/rendis/agentflow/internal/panel"
	"github.com/rendis/agentflow/internal/scheduler"
	"github.com/rendis/agentflow/internal/streaming"
	mcpserver "github.com/rendis/agentflow/pkg/mcp"
)

func newServeCommand(a *app) *cobra.Command {
	var stdio bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agentflow server",
		Long: `Run the agentflow server. It exposes:

  /mcp        MCP streamable HTTP transport (agentflow.* tools)
  /api/...    operator JSON API (workflows, executions, approvals, jobs)
  /sse/events live execution events as Server-Sent Events
  /metrics    Prometheus metrics

Configured schedules start on their cron expressions, and executions left
RUNNING by a previous process are reconciled on startup.`,
		Example: `  # Serve with ./agentflow.yaml
  agentflow serve

  # Serve MCP over stdio for a local agent host
  agentflow serve --stdio`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context(), stdio)
		},
	}

	cmd.Flags().BoolVar(&stdio, "stdio", false, "serve MCP over stdin/stdout instead of HTTP")
	return cmd
}

// deferredClient forwards MCP notifications once the server exists. The
// orchestrator needs its notifier before the MCP server can be built.
type deferredClient struct {
	srv atomic.Pointer[server.MCPServer]
}

func (d *deferredClient) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	srv := d.srv.Load()
	if srv == nil {
		return nil
	}
	return srv.SendNotificationToSpecificClient(sessionID, method, params)
}

func (a *app) serve(ctx context.Context, stdio bool) error {
	logger := a.logger

	shutdownTracing, err := setupTracing(a.cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}()

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	validator, err := a.validator()
	if err != nil {
		return err
	}

	// In-process pub/sub: lifecycle events are published on it and approval
	// decisions are consumed from it.
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, watermill.NewSlogLogger(logger))
	defer pubSub.Close()

	hub := streaming.NewMemoryHub()
	sessions := mcpserver.NewSessionRegistry()
	mcpClient := &deferredClient{}

	sinks := []streaming.Notifier{
		hub,
		mcpserver.NewMCPNotifier(mcpClient, sessions),
		streaming.NewWatermillPublisher(pubSub, streaming.DefaultEventsTopic),
	}
	if a.cfg.Webhook.URL != "" {
		sinks = append(sinks, streaming.NewWebhookNotifier(streaming.WebhookConfig{
			URL:        a.cfg.Webhook.URL,
			MaxRetries: a.cfg.Webhook.MaxRetries,
		}, nil, logger))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	orch, shutdown, err := a.newOrchestrator(orchestratorDeps{
		store:      st,
		notifier:   streaming.NewFanOut(logger, sinks...),
		registerer: registry,
		validator:  validator,
	})
	if err != nil {
		return err
	}
	defer shutdown()

	mcpSrv := mcpserver.NewServer(mcpserver.ServerDeps{
		Orchestrator: orch,
		Store:        st,
		Validator:    validator,
		Sessions:     sessions,
		Logger:       logger,
	})
	mcpClient.srv.Store(mcpSrv.MCPServer())

	sched := scheduler.NewScheduler(orch, scheduler.Config{
		ReconcileInterval: a.cfg.ReconcileInterval,
		Logger:            logger,
	})
	for _, spec := range a.cfg.Schedules {
		if _, err := sched.AddJob(spec); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
	}

	// HTTP answers 503 until startup reconciliation has settled the store.
	swapper := newHandlerSwapper(startingHandler())
	var (
		httpSrv *http.Server
		errCh   = make(chan error, 1)
	)
	if !stdio {
		httpSrv = &http.Server{
			Addr:              a.cfg.ListenAddr,
			Handler:           swapper,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("agentflow listening", "addr", a.cfg.ListenAddr, "version", version)
			errCh <- httpSrv.ListenAndServe()
		}()
	}

	report, err := orch.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}
	logger.Info("startup reconcile complete",
		"interrupted", len(report.Interrupted),
		"resumed", len(report.Resumed),
		"expired_requests", report.ExpiredRequests,
	)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	decisions := hitl.NewDecisionSubscriber(pubSub, hitl.DefaultDecisionsTopic,
		func(ctx context.Context, requestID string, d hitl.Decision) error {
			_, err := orch.ResolveHITL(ctx, requestID, d)
			return err
		}, logger)
	go func() {
		if err := decisions.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("decision subscriber stopped", "error", err)
		}
	}()

	if stdio {
		logger.Info("serving MCP over stdio")
		return mcpSrv.Serve(ctx)
	}

	ops := panel.NewPanelServer(panel.PanelDeps{
		Store:        st,
		Orchestrator: orch,
		Validator:    validator,
		Hub:          hub,
		Scheduler:    sched,
		Logger:       logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpSrv.HTTPHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/", ops.Handler())
	swapper.Swap(mux)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
