package commands

import (
	"sort"

	"github.com/spf13/cobra"

	"github.com/openfroyo/ignite/pkg/engine"
)

func newStatusCommand(g *globalOptions) *cobra.Command {
	var (
		deploymentID string
		history      string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the journal of a deployment",
		Long: `Show the latest journal entry of every action in a deployment.

With --history, show every write recorded for one action (sqlite journal only).`,
		Example: `  # Journal of the default deployment
  ignite status

  # Every attempt of one action
  ignite status --deployment-id staging --history 'CounterModule#Counter'`,
		Args: cobra.NoArgs,
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

			if history != "" {
				store, err := rt.openStore(ctx, deployment)
				if err != nil {
					return err
				}
				entries, err := store.History(ctx, history)
				if err != nil {
					return err
				}
				if g.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), entries)
				}
				return renderHistory(cmd.OutOrStdout(), entries)
			}

			journal, _, err := rt.openJournal(ctx, deployment)
			if err != nil {
				return err
			}
			entries, err := journal.All(ctx)
			if err != nil {
				return err
			}
			sort.Slice(entries, func(i, j int) bool {
				if !entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
					return entries[i].UpdatedAt.Before(entries[j].UpdatedAt)
				}
				return entries[i].ActionID < entries[j].ActionID
			})

			if g.jsonOutput {
				if entries == nil {
					entries = []engine.JournalEntry{}
				}
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			return renderEntries(cmd.OutOrStdout(), entries)
		},
	}

	cmd.Flags().StringVar(&deploymentID, "deployment-id", "", "journal scope (default \"chain-<network>\")")
	cmd.Flags().StringVar(&history, "history", "", "show the write history of this action id")

	return cmd
}
