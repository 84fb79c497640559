package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "agentflow",
		Short: "agentflow - workflow execution engine for AI agents",
		Long: `agentflow runs no-code AI agent workflows: graphs of agent, tool,
condition, loop and human-approval steps connected by conditional edges.

Executions are persisted after every step, can be paused, resumed and
cancelled, and survive restarts. Lifecycle events stream over SSE, MCP
notifications, webhooks and watermill.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file path (default: ./agentflow.yaml or ~/.agentflow/agentflow.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log level: debug, info, warn, error")

	rootCmd.AddCommand(newServeCommand(a))
	rootCmd.AddCommand(newRunCommand(a))
	rootCmd.AddCommand(newValidateCommand(a))
	rootCmd.AddCommand(newReconcileCommand(a))
	rootCmd.AddCommand(newDiagramCommand(a))
	rootCmd.AddCommand(newInstallCommand(a))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}
