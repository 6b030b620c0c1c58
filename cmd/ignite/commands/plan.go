package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/ignite/pkg/engine"
)

func newPlanCommand(g *globalOptions) *cobra.Command {
	var (
		deploymentID string
		dotFile      string
		vars         map[string]string
	)

	cmd := &cobra.Command{
		Use:   "plan <module>",
		Short: "Show the execution plan of a module",
		Long: `Resolve a module against the deployment's journal and show the order in
which its actions would run, which are already done, and what the policies
say about it. Nothing is sent to the backend.`,
		Example: `  # Show the plan
  ignite plan counter.star

  # Write the dependency graph for graphviz
  ignite plan counter.star --dot plan.dot`,
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
			journal, _, err := rt.openJournal(ctx, deployment)
			if err != nil {
				return err
			}

			plan, err := engine.NewExecutor(nil, journal).Plan(ctx, m)
			if err != nil {
				return err
			}

			gate, err := rt.openPolicy(ctx)
			if err != nil {
				return err
			}
			result, err := gate.Evaluate(ctx, m, plan)
			if err != nil {
				return err
			}

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(plan.ToDOT(m)), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
				rt.tel.Logger.WithField("path", dotFile).Info("Plan graph written")
			}

			if g.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"deployment": deployment,
					"plan":       plan,
					"policy":     result,
				})
			}
			return renderPlan(cmd.OutOrStdout(), m, plan, result)
		},
	}

	cmd.Flags().StringVar(&deploymentID, "deployment-id", "", "journal scope (default \"chain-<network>\")")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the plan graph in DOT format to this file")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "starlark variable, name=value (repeatable)")

	return cmd
}
