package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Output the dependency graph in DOT format",
	Long: `Generates a visual representation of the declaration graph, fleets
included, in Graphviz DOT format. Pipe the output to 'dot' to generate an image:

  fleetform graph | dot -Tpng > graph.png`,
	RunE: runGraph,
}

func runGraph(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	g, _, err := s.graph(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to build graph: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), g.DOT())
	return nil
}
