package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/specflow/internal/orchestrator"
	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

var (
	runInput   string
	runOutput  string
	runJSON    bool
	runNoStore bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "input folder (default workflow.input_folder)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "output folder (default workflow.output_folder)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full run record as JSON")
	runCmd.Flags().BoolVar(&runNoStore, "no-store", false, "do not record the run in the run store")
}

// runCmd executes a workflow synchronously
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a workflow and print its summary",
	Long: `Run the manifest's workflow to completion and print a summary of every
step attempt. The command exits non-zero when the run fails.

Examples:
  # Run the bundled text extraction workflow
  specflow run -m manifests/text_extraction.yaml -i ./notes -o ./items

  # Print the full record, including spec results and traces
  specflow run -m manifests/text_extraction.yaml -i ./notes -o ./items --json`,
	Args: cobra.NoArgs,
	RunE: runWorkflow,
}

func runWorkflow(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{store: !runNoStore, events: true, telemetry: true, logStderr: true})
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	_, graph, err := a.loadGraph(ctx)
	if err != nil {
		return err
	}
	data, err := a.runData(runInput, runOutput)
	if err != nil {
		return err
	}

	var opts []orchestrator.Option
	if !runJSON {
		opts = append(opts, orchestrator.WithProgress(progressPrinter(cmd.ErrOrStderr())))
	}
	orch := a.orchestrator(graph, opts...)
	wc, err := orch.NewContext(a.runConfig(), data)
	if err != nil {
		return err
	}

	run, runErr := orch.Run(ctx, wc)
	if runJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(run); err != nil {
			return err
		}
	} else {
		renderRun(cmd.OutOrStdout(), run)
	}
	if runErr != nil {
		return fmt.Errorf("run %s failed: %w", run.RunID, runErr)
	}
	return nil
}

// progressPrinter reports each finished attempt on w.
func progressPrinter(w io.Writer) orchestrator.ProgressFunc {
	return func(_ string, _ int, _ workflow.StepStatus, a workflow.StepAttempt) {
		fmt.Fprintln(w, renderAttemptLine(a))
	}
}
