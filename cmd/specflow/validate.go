package main

import (
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/specflow/internal/manifest"
	"github.com/fyrsmithlabs/specflow/internal/specs"
)

func init() {
	rootCmd.AddCommand(validateCmd)
}

// validateCmd checks a manifest without running it
var validateCmd = &cobra.Command{
	Use:   "validate [manifest]",
	Short: "Validate a workflow manifest",
	Long: `Parse a manifest, check every spec and agent reference and the graph
structure, and print the resulting workflow. Problems that do not prevent
execution, such as unreachable steps, are printed as warnings.

Examples:
  specflow validate manifests/text_extraction.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if len(args) == 1 {
		manifestPath = args[0]
	}

	a, err := newApp(ctx, appOptions{logStderr: true})
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	path, err := a.manifestFile()
	if err != nil {
		return err
	}
	def, err := manifest.ParseFile(path)
	if err != nil {
		return err
	}
	if len(def.Policies) > 0 {
		if err := specs.RegisterPolicies(ctx, a.specs, def.Policies); err != nil {
			return err
		}
	}
	graph, warnings, err := manifest.Load(def, a.specs, a.agents)
	if err != nil {
		return err
	}

	renderGraph(cmd.OutOrStdout(), path, graph, warnings)
	return nil
}
