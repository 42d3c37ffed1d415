package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	planOutFile    string
	planProperties map[string]string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Generate an execution plan",
	Long: `Shows what apply would do without taking the lock or calling any provider.

The plan shows:
  • Nodes to be created
  • Nodes to be updated (with diff)
  • Recorded nodes no longer declared, to be deleted`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planOutFile, "out", "o", "", "Write the plan as JSON to a file")
	planCmd.Flags().StringToStringVarP(&planProperties, "prop", "D", nil, "Set external properties (format: key=value)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	g, _, err := s.graph(ctx, planProperties)
	if err != nil {
		return err
	}
	plan, err := s.engine.Plan(ctx, g)
	if err != nil {
		return fmt.Errorf("plan generation failed: %w", err)
	}

	if planOutFile != "" {
		data, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode plan: %w", err)
		}
		if err := os.WriteFile(planOutFile, data, 0644); err != nil {
			return fmt.Errorf("failed to write plan: %w", err)
		}
	}

	if plan.Summary.Create+plan.Summary.Update+plan.Summary.Delete == 0 {
		fmt.Fprintln(out, "No changes. Infrastructure is up-to-date.")
		return nil
	}
	fmt.Fprintln(out, "Fleetform will perform the following actions:")
	renderPlanChanges(out, plan)
	renderPlanSummary(out, plan)
	return nil
}
