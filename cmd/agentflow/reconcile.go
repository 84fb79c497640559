package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newReconcileCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Repair executions left behind by a stopped server",
		Long: `Fail RUNNING executions no process owns, expire overdue approval
requests and resume executions whose approvals were resolved while the
server was down. Resumed executions are driven until they finish or pause
again before the command exits. Prints the reconcile report as JSON.

Run it only while no server uses the same database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			orch, shutdown, err := a.newOrchestrator(orchestratorDeps{store: st})
			if err != nil {
				return err
			}
			defer shutdown()

			report, err := orch.Reconcile(ctx)
			if err != nil {
				return err
			}
			for _, id := range report.Resumed {
				if _, err := orch.Wait(ctx, id); err != nil {
					a.logger.Warn("resumed execution did not complete", "execution_id", id, "error", err)
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
