package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <workflow-file>...",
		Short: "Validate workflow definition files",
		Long: `Validate workflow definitions without storing them.

This command checks:
  - structure against the workflow JSON schema
  - node payloads, expressions, mappings and agent/tool references
  - graph shape: start/end nodes, reachability, loop bodies and cycles`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.validator()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			invalid := 0
			for _, path := range args {
				wf, err := readWorkflowFile(path)
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", path, err)
					invalid++
					continue
				}
				result := v.Validate(wf)
				for _, issue := range result.Errors {
					fmt.Fprintf(out, "%s: error %s [%s] %s\n", path, issue.Path, issue.Code, issue.Message)
				}
				for _, issue := range result.Warnings {
					fmt.Fprintf(out, "%s: warning %s [%s] %s\n", path, issue.Path, issue.Code, issue.Message)
				}
				if !result.Valid() {
					invalid++
					continue
				}
				fmt.Fprintf(out, "%s: ok\n", path)
			}

			if invalid > 0 {
				return fmt.Errorf("%d of %d workflow(s) invalid", invalid, len(args))
			}
			return nil
		},
	}
	return cmd
}
