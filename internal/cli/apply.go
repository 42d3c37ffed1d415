package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/fleetform/internal/engine"
	"github.com/picklr-io/fleetform/internal/logging"
)

var (
	applyAutoApprove bool
	applyProperties  map[string]string
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Converge infrastructure onto the declarations",
	Long: `Plans, asks for confirmation, then converges every declared node under the
session lock. Nodes that fail leave their dependents blocked; everything
else that converged stays committed.`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of plan before applying")
	applyCmd.Flags().StringToStringVarP(&applyProperties, "prop", "D", nil, "Set external properties (format: key=value)")
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	g, _, err := s.graph(ctx, applyProperties)
	if err != nil {
		return err
	}
	if err := s.loadProviders(ctx, nodes(g)); err != nil {
		return err
	}

	plan, err := s.engine.Plan(ctx, g)
	if err != nil {
		return fmt.Errorf("plan generation failed: %w", err)
	}
	if plan.Summary.Create+plan.Summary.Update+plan.Summary.Delete == 0 {
		fmt.Fprintln(out, "No changes. Infrastructure is up-to-date.")
		return nil
	}

	fmt.Fprintln(out, "Fleetform will perform the following actions:")
	renderPlanChanges(out, plan)
	renderPlanSummary(out, plan)

	if !applyAutoApprove && !confirm(out, cmd.InOrStdin(), "Do you want to perform these actions?") {
		fmt.Fprintln(out, "Apply cancelled.")
		return nil
	}

	opts := s.cfg.Options(holderID())
	opts.OnEvent = logEvent
	report, err := s.engine.Converge(ctx, g, opts)
	if err != nil {
		return fmt.Errorf("apply failed: %w", err)
	}
	writeAudit("apply", report)

	fmt.Fprintln(out)
	renderReport(out, report)
	return report.Err()
}

func logEvent(ev engine.ApplyEvent) {
	switch ev.Status {
	case "failed", "blocked":
		logging.Warn("node "+ev.Status, "id", ev.ID, "action", ev.Action, "error", ev.Error)
	case "completed":
		logging.Info("node converged", "id", ev.ID, "action", ev.Action, "duration", ev.Duration)
	default:
		logging.Debug("node "+ev.Status, "id", ev.ID, "action", ev.Action)
	}
}
