package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/validation"
	"github.com/rendis/agentflow/pkg/schema"
)

func newRunCommand(a *app) *cobra.Command {
	var (
		inputJSON string
		inputFile string
		ephemeral bool
		sessionID string
		userID    string
	)

	cmd := &cobra.Command{
		Use:   "run <workflow-file | workflow-id>",
		Short: "Execute a workflow and print its result",
		Long: `Execute a workflow on the calling process and print the execution result
as JSON. The argument is a workflow definition file, which is validated and
stored before running, or the id of a stored workflow.

The command returns when the execution completes, fails or pauses on a
human approval step.`,
		Example: `  # Run a definition without touching the database
  agentflow run --ephemeral ./review.json --input '{"topic":"go"}'

  # Run a stored workflow
  agentflow run content-review --input-file input.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readInput(inputJSON, inputFile)
			if err != nil {
				return err
			}
			return a.run(cmd.Context(), cmd.OutOrStdout(), runOptions{
				target:    args[0],
				input:     input,
				ephemeral: ephemeral,
				exec:      engine.ExecuteOptions{SessionID: sessionID, UserID: userID},
			})
		},
	}

	cmd.Flags().StringVar(&inputJSON, "input", "", "execution input as a JSON object")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "file holding the execution input JSON object")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "use an in-memory store; nothing is persisted")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "session forwarded to agents")
	cmd.Flags().StringVar(&userID, "user-id", "", "user recorded on the execution")
	cmd.MarkFlagsMutuallyExclusive("input", "input-file")

	return cmd
}

type runOptions struct {
	target    string
	input     map[string]any
	ephemeral bool
	exec      engine.ExecuteOptions
}

func (a *app) run(ctx context.Context, out io.Writer, opts runOptions) error {
	validator, err := a.validator()
	if err != nil {
		return err
	}

	var st store.Store
	if opts.ephemeral {
		st = store.NewMemoryStore()
	} else {
		if st, err = a.openStore(ctx); err != nil {
			return err
		}
	}
	defer st.Close()

	workflowID, err := a.resolveWorkflow(ctx, st, validator, opts.target, opts.ephemeral)
	if err != nil {
		return err
	}

	shutdownTracing, err := setupTracing(a.cfg.Tracing)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	orch, shutdown, err := a.newOrchestrator(orchestratorDeps{store: st, validator: validator})
	if err != nil {
		return err
	}
	defer shutdown()

	result, runErr := orch.Execute(ctx, workflowID, opts.input, opts.exec)
	if result != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	}
	return runErr
}

// resolveWorkflow returns the id to execute. A readable file is validated
// and stored first, as the next version of its id.
func (a *app) resolveWorkflow(ctx context.Context, st store.Store, v *validation.WorkflowValidator, target string, ephemeral bool) (string, error) {
	wf, err := readWorkflowFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		if ephemeral {
			return "", fmt.Errorf("--ephemeral needs a workflow file, %q not found", target)
		}
		return target, nil
	}
	if err != nil {
		return "", err
	}

	if err := v.Validate(wf).ToError(); err != nil {
		return "", err
	}
	wf.Version = 1
	if prev, getErr := st.GetWorkflow(ctx, wf.ID); getErr == nil {
		wf.Version = prev.Version + 1
	}
	wf.Status = schema.WorkflowStatusActive
	if err := st.SaveWorkflow(ctx, wf); err != nil {
		return "", err
	}
	a.logger.Debug("workflow stored", "workflow_id", wf.ID, "version", wf.Version)
	return wf.ID, nil
}

func readWorkflowFile(path string) (*schema.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var wf schema.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &wf, nil
}

func readInput(inline, path string) (map[string]any, error) {
	data := []byte(inline)
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
	}
	if len(data) == 0 {
		return nil, nil
	}
	var input map[string]any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return input, nil
}
