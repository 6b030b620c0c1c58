package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/ignite/pkg/engine"
	"github.com/openfroyo/ignite/pkg/telemetry"
)

func newDeployCommand(g *globalOptions) *cobra.Command {
	var (
		deploymentID string
		dryRun       bool
		parallelism  int
		maxAttempts  int
		vars         map[string]string
	)

	cmd := &cobra.Command{
		Use:   "deploy <module>",
		Short: "Deploy a module",
		Long: `Deploy a module against the configured backend.

The module is planned against the deployment's journal: actions that already
succeeded are skipped, the rest run in dependency order. Policies are checked
before anything is sent. Failed actions are retried with exponential backoff
up to --max-attempts; their dependents are reported as blocked.

Running deploy again resumes the deployment.`,
		Example: `  # Deploy to the default deployment of the configured network
  ignite deploy counter.star

  # Resume a named deployment with a lower parallelism
  ignite deploy counter.star --deployment-id staging --parallelism 2

  # Show what would run
  ignite deploy module.cue --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := g.newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			m, err := rt.loadModule(ctx, args[0], vars)
			if err != nil {
				return err
			}
			deployment, err := rt.deployment(deploymentID)
			if err != nil {
				return err
			}

			opts := rt.cfg.ExecutorOptions()
			if cmd.Flags().Changed("parallelism") {
				opts.MaxParallel = parallelism
			}
			if cmd.Flags().Changed("max-attempts") {
				opts.MaxAttempts = maxAttempts
			}
			opts.DryRun = dryRun

			rt.tel.Logger.WithModule(m.Name()).
				WithField("deployment", deployment).
				WithField("actions", m.Len()).
				WithField("dry_run", dryRun).
				Info("Deploying module")

			journal, store, err := rt.openJournal(ctx, deployment)
			if err != nil {
				return err
			}
			gate, err := rt.openPolicy(ctx)
			if err != nil {
				return err
			}

			var be engine.Backend
			if !dryRun {
				if be, err = rt.openBackend(ctx); err != nil {
					return err
				}
			}

			execOpts := []engine.ExecutorOption{
				engine.WithOptions(opts),
				engine.WithTelemetry(rt.tel),
				engine.WithPlanGate(gate),
			}
			if store != nil {
				execOpts = append(execOpts, engine.WithRunRecorder(store))
			}
			if !g.jsonOutput {
				rt.tel.Events.Subscribe(progressPrinter(cmd.ErrOrStderr()), telemetry.FilterByType(
					telemetry.EventTypeActionSucceeded,
					telemetry.EventTypeActionFailed,
					telemetry.EventTypeActionRetrying,
					telemetry.EventTypeActionSkipped,
				))
			}

			report, err := engine.NewExecutor(be, journal, execOpts...).Run(ctx, m)
			if err != nil {
				return err
			}
			rt.flushEvents()

			if err := renderReport(cmd.OutOrStdout(), report, g.jsonOutput); err != nil {
				return err
			}
			return reportError(report)
		},
	}

	cmd.Flags().StringVar(&deploymentID, "deployment-id", "", "journal scope (default \"chain-<network>\")")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and check policies without sending anything")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "max actions in flight (default from config)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt ceiling per action (default from config)")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "starlark variable, name=value (repeatable)")

	return cmd
}

// reportError turns an unsuccessful run into the command's error.
func reportError(report *engine.Report) error {
	s := report.Summary()
	switch report.Status {
	case engine.RunStatusFailed, engine.RunStatusPartial:
		return fmt.Errorf("deployment of %s %s: %d failed, %d blocked", report.Module, report.Status, s.Failed, s.DependencyFailed)
	case engine.RunStatusCancelled:
		return fmt.Errorf("deployment of %s cancelled: %d action(s) not started", report.Module, s.Cancelled)
	}
	return nil
}
