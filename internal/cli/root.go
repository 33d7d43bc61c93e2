// Package cli implements the coverage-agent command line.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/coral-mesh/coverage-agent/internal/cli/collect"
	"github.com/coral-mesh/coverage-agent/internal/cli/config"
	"github.com/coral-mesh/coverage-agent/internal/cli/helpers"
	"github.com/coral-mesh/coverage-agent/internal/cli/queue"
	"github.com/coral-mesh/coverage-agent/internal/cli/serve"
	"github.com/coral-mesh/coverage-agent/pkg/version"
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coverage-agent",
		Short: "Per-test runtime code coverage agent",
		Long: `Records which probes of instrumented code run during each test and
ships the results to a coverage collector.

Test runners mark test boundaries through the local control endpoint
(coverage-agent serve). Batches that cannot be delivered are retained in a
byte-bounded queue until the collector is reachable again.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "Path to coverage-agent.yaml (default: $COVERAGE_CONFIG, ./coverage-agent.yaml, ~/.coverage-agent/coverage-agent.yaml)")

	cmd.AddCommand(serve.NewServeCmd())
	cmd.AddCommand(collect.NewCollectCmd())
	cmd.AddCommand(config.NewConfigCmd())
	cmd.AddCommand(queue.NewQueueCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			if format == string(helpers.FormatTable) {
				cmd.Printf("coverage-agent version %s\n", info.Version)
				cmd.Printf("Git commit: %s\n", info.GitCommit)
				cmd.Printf("Build date: %s\n", info.BuildDate)
				cmd.Printf("Go version: %s\n", info.GoVersion)
				cmd.Printf("Platform: %s\n", info.Platform)
				return nil
			}
			return helpers.Print(cmd.OutOrStdout(), format, info)
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, []helpers.OutputFormat{
		helpers.FormatTable,
		helpers.FormatJSON,
		helpers.FormatYAML,
	})
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
