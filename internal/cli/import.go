package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/picklr-io/fleetform/internal/ir"
)

var importCmd = &cobra.Command{
	Use:   "import <id> <provider-id>",
	Short: "Adopt existing infrastructure into state",
	Long: `Records an existing resource under a declared node id so that Fleetform
manages it going forward.

The declaration must already exist. The record carries no fingerprint, so
the next apply updates the resource to match its declaration instead of
creating a new one.

Example:
  fleetform import web web-asg`,
	Args: cobra.ExactArgs(2),
	RunE: runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, providerID := args[0], args[1]

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	g, _, err := s.graph(ctx, nil)
	if err != nil {
		return err
	}
	res, ok := g.Node(id)
	if !ok {
		return fmt.Errorf("no declaration with id %s; declare it before importing", id)
	}

	record := &ir.ActualState{
		ID:           id,
		Kind:         res.Kind,
		Provider:     res.Provider,
		Attributes:   map[string]any{"id": providerID},
		Dependencies: g.Dependencies(id),
		UpdatedAt:    time.Now().UTC(),
	}
	if res.Lifecycle != nil {
		record.PreventDestroy = res.Lifecycle.PreventDestroy
	}

	err = s.withLock(ctx, func() error {
		_, err := s.store.Write(ctx, id, record, 0)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to import %s: %w", id, err)
	}
	writeAuditEntry(AuditEntry{Operation: "import", Changes: []AuditChange{{ID: id, Action: "import"}}})
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %s as %s. Run 'fleetform apply' to reconcile it.\n", providerID, id)
	return nil
}
