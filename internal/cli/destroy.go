package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var destroyAutoApprove bool

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Destroy all managed infrastructure",
	Long: `Deletes every recorded node in reverse dependency order.

This command is the inverse of 'fleetform apply'. Nodes marked
prevent_destroy are kept and reported as failed, which also keeps
everything they depend on.`,
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	records, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No resources in state. Nothing to destroy.")
		return nil
	}
	if err := s.loadProviders(ctx, nil); err != nil {
		return err
	}

	fmt.Fprintf(out, "Fleetform will destroy %d resource(s):\n", len(records))
	for _, r := range records {
		fmt.Fprintf(out, "%s  - %s (%s)%s\n", colorize(colorRed), r.ID, r.Kind, colorize(colorReset))
	}
	if !destroyAutoApprove && !confirm(out, cmd.InOrStdin(), "Do you really want to destroy all resources?") {
		fmt.Fprintln(out, "Destroy cancelled.")
		return nil
	}

	opts := s.cfg.Options(holderID())
	opts.OnEvent = logEvent
	report, err := s.engine.Destroy(ctx, opts)
	if err != nil {
		return fmt.Errorf("destroy failed: %w", err)
	}
	writeAudit("destroy", report)

	fmt.Fprintln(out)
	renderReport(out, report)
	return report.Err()
}
