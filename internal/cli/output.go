package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var (
	outputJSON bool
)

var outputCmd = &cobra.Command{
	Use:   "output [name]",
	Short: "Show output values",
	Long: `Resolves the declared outputs against recorded state.

If no name is given, all outputs are displayed. If a name is given,
only that output's value is printed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOutput,
}

func init() {
	outputCmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
}

func runOutput(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	decl, err := s.declarations(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to load declarations: %w", err)
	}
	values, err := s.engine.Outputs(ctx, decl.Outputs)
	if err != nil {
		return err
	}

	if len(args) > 0 {
		name := args[0]
		val, ok := values[name]
		if !ok {
			return fmt.Errorf("output %q not found", name)
		}
		if outputJSON {
			data, _ := json.Marshal(val)
			fmt.Fprintln(out, string(data))
		} else {
			fmt.Fprintln(out, val)
		}
		return nil
	}

	if len(values) == 0 {
		fmt.Fprintln(out, "No outputs defined.")
		return nil
	}
	if outputJSON {
		data, _ := json.MarshalIndent(values, "", "  ")
		fmt.Fprintln(out, string(data))
		return nil
	}
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(out, "%s = %s\n", k, formatValue(values[k]))
	}
	return nil
}
