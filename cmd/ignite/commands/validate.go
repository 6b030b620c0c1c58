package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/openfroyo/ignite/pkg/engine"
)

func newValidateCommand(g *globalOptions) *cobra.Command {
	var vars map[string]string

	cmd := &cobra.Command{
		Use:   "validate <module>",
		Short: "Validate a module",
		Long: `Load a module, check that its dependency graph has no cycles and evaluate
the policies against a fresh plan. Neither the journal nor the backend is used.`,
		Example: `  # Validate a Starlark module
  ignite validate counter.star

  # Validate a CUE package directory
  ignite validate ./modules/token`,
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
			plan, err := engine.NewResolver().Plan(m, nil)
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

			returns := make([]string, 0, len(m.Results()))
			for name := range m.Results() {
				returns = append(returns, name)
			}
			sort.Strings(returns)

			out := cmd.OutOrStdout()
			if g.jsonOutput {
				if err := writeJSON(out, map[string]interface{}{
					"module":  m.Name(),
					"actions": m.Len(),
					"levels":  len(plan.Levels),
					"returns": returns,
					"imports": m.Imports(),
					"policy":  result,
				}); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "module %s: %d action(s) in %d level(s)\n", m.Name(), m.Len(), len(plan.Levels))
				for _, name := range returns {
					fmt.Fprintf(out, "  returns %s = %s\n", name, m.Results()[name].ID())
				}
				if err := renderPolicyResult(out, result); err != nil {
					return err
				}
			}

			if !result.Allowed {
				return fmt.Errorf("module %s violates policy", m.Name())
			}
			return nil
		},
	}

	cmd.Flags().StringToStringVar(&vars, "var", nil, "starlark variable, name=value (repeatable)")

	return cmd
}
