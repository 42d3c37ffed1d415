package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/picklr-io/fleetform/internal/config"
	"github.com/picklr-io/fleetform/internal/logging"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	noColor    bool

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "fleetform",
	Short: "Declarative convergence and autoscaling for compute fleets",
	Long: `Fleetform converges a declared graph of infrastructure onto real providers
and keeps fleets sized to their load.

  • Dependency-ordered, parallel convergence with retries
  • Versioned state with compare-and-swap writes and lease locks
  • Alarm and policy driven autoscaling with instance health replacement`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command. ctx is cancelled on interrupt.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (console, json); overrides the config file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(fmtCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(taintCmd)
	rootCmd.AddCommand(untaintCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	if logFormat != "" {
		c.Log.Format = logFormat
	}
	logging.InitWithWriter(c.Log.Level, c.Log.Format, cmd.ErrOrStderr())
	cfg = c
	return nil
}
