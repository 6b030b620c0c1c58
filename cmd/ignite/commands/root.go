package commands

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// globalOptions holds the persistent flags.
type globalOptions struct {
	configPath  string
	logLevel    string
	metricsAddr string
	jsonOutput  bool
	noColor     bool
	version     string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	g := &globalOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "ignite",
		Short: "ignite - declarative deployment engine",
		Long: `ignite deploys modules of declared actions (contract creations, calls and
reads) against a chain backend.

Actions run in dependency order with bounded parallelism. Every attempt is
recorded in a journal, so an interrupted deployment resumes where it stopped
and completed actions are never sent twice.

Modules are written in Starlark (.star), CUE (.cue) or YAML (.yaml, .yml).`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if g.noColor || g.jsonOutput {
				pterm.DisableStyling()
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config")
	rootCmd.PersistentFlags().StringVar(&g.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	rootCmd.PersistentFlags().BoolVar(&g.jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&g.noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(newDeployCommand(g))
	rootCmd.AddCommand(newPlanCommand(g))
	rootCmd.AddCommand(newStatusCommand(g))
	rootCmd.AddCommand(newRunsCommand(g))
	rootCmd.AddCommand(newValidateCommand(g))

	return rootCmd
}
