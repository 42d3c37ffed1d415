package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const starterConfig = `# Fleetform configuration
log:
  level: info
  format: console

state:
  type: local
  config:
    path: .fleetform/state.json

lock:
  type: memory
  scope: default
  lease: 30s

engine:
  parallelism: 10
  max_retries: 3

declarations:
  - main.yaml

# fleets:
#   - name: web
#     provider: docker
#     min: 1
#     max: 4
#     metric: cpu_percent
#     period: 1m
#     alarms:
#       - name: high-cpu
#         threshold: 70
#         operator: ">="
#         periods: 3
#     policies:
#       - name: scale-out
#         alarm: high-cpu
#         adjustment: 1
#         cooldown: 5m
`

const starterDeclarations = `resources:
  - id: hello
    kind: null_resource
    provider: "null"
    properties:
      message: hello from fleetform
outputs:
  message: ref://hello/message
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new Fleetform project",
	Long:  `Creates a starter configuration and declaration file in the current directory.`,
	RunE:  runInit,
}

// initOnly skips loading a configuration that does not exist yet.
func initOnly(cmd *cobra.Command, args []string) error { return nil }

func init() {
	initCmd.PersistentPreRunE = initOnly
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if err := os.MkdirAll(".fleetform", 0755); err != nil {
		return fmt.Errorf("failed to create .fleetform directory: %w", err)
	}
	for _, f := range []struct{ path, content string }{
		{configPath, starterConfig},
		{"main.yaml", starterDeclarations},
	} {
		if _, err := os.Stat(f.path); err == nil {
			fmt.Fprintf(out, "%s already exists, leaving it alone\n", f.path)
			continue
		}
		if err := os.WriteFile(f.path, []byte(f.content), 0644); err != nil {
			return fmt.Errorf("failed to create %s: %w", f.path, err)
		}
		fmt.Fprintf(out, "Created %s\n", f.path)
	}

	fmt.Fprintln(out, "\nFleetform initialized successfully!")
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Edit main.yaml to declare your infrastructure")
	fmt.Fprintln(out, "  2. Run 'fleetform plan' to see what will be created")
	fmt.Fprintln(out, "  3. Run 'fleetform apply' to create your infrastructure")
	return nil
}
