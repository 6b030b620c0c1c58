package commands

import (
	"github.com/spf13/cobra"
)

func newRunsCommand(g *globalOptions) *cobra.Command {
	var (
		deploymentID string
		limit        int
		events       bool
	)

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List deployment runs",
		Long: `List the recorded runs of a deployment, most recent first, or show the
report of one run. Requires the sqlite journal.`,
		Example: `  # Last 20 runs
  ignite runs

  # Report and events of one run
  ignite runs 4f7c... --events`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := g.newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			deployment, err := rt.deployment(deploymentID)
			if err != nil {
				return err
			}
			store, err := rt.openStore(ctx, deployment)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				runs, err := store.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if g.jsonOutput {
					return writeJSON(out, runs)
				}
				return renderRuns(out, runs)
			}

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			if g.jsonOutput && !events {
				return writeJSON(out, run)
			}

			if events {
				list, err := store.ListEvents(ctx, run.ID, 0)
				if err != nil {
					return err
				}
				if g.jsonOutput {
					return writeJSON(out, map[string]interface{}{"run": run, "events": list})
				}
				if err := renderEvents(out, list); err != nil {
					return err
				}
			}
			if run.Report == nil {
				return nil
			}
			return renderReport(out, run.Report, false)
		},
	}

	cmd.Flags().StringVar(&deploymentID, "deployment-id", "", "journal scope (default \"chain-<network>\")")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	cmd.Flags().BoolVar(&events, "events", false, "include the lifecycle events of the run")

	return cmd
}
