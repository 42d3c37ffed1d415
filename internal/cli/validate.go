package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/fleetform/internal/engine"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and declarations",
	Long: `Checks the configuration file, evaluates every declaration file and
builds the graph, reporting duplicates, dangling references and cycles.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	// The config was validated when it was loaded.
	fmt.Fprintf(out, "Checking %s... OK\n", configPath)

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Fprint(out, "Checking declarations... ")
	decl, err := s.declarations(ctx, nil)
	if err != nil {
		fmt.Fprintln(out, "FAILED")
		return fmt.Errorf("validation failed: %w", err)
	}
	fmt.Fprintln(out, "OK")

	fmt.Fprint(out, "Checking graph... ")
	g, err := engine.BuildGraph(engine.ExpandForEach(decl.Resources))
	if err != nil {
		fmt.Fprintln(out, "FAILED")
		return fmt.Errorf("validation failed: %w", err)
	}
	fmt.Fprintln(out, "OK")

	fmt.Fprintf(out, "\nConfiguration is valid! %d node(s), %d fleet(s).\n", g.Len(), len(s.cfg.Fleets))
	return nil
}
