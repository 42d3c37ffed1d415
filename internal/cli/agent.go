package cli

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/picklr-io/fleetform/internal/agent"
	"github.com/picklr-io/fleetform/internal/autoscale"
	"github.com/picklr-io/fleetform/internal/logging"
)

var (
	agentConverge bool
	agentHTTPAddr string
	agentGRPCAddr string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the autoscaling controllers",
	Long: `Runs one autoscaling controller per configured fleet until interrupted.

The agent serves fleet status and Prometheus metrics over HTTP and reports
fleet health through the gRPC health service. With --converge it first
applies the declarations so every fleet exists before it is controlled.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().BoolVar(&agentConverge, "converge", false, "Converge declarations before starting the controllers")
	agentCmd.Flags().StringVar(&agentHTTPAddr, "http-addr", "", "Status API listen address; overrides the config file")
	agentCmd.Flags().StringVar(&agentGRPCAddr, "grpc-addr", "", "gRPC health listen address; overrides the config file")
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if len(s.cfg.Fleets) == 0 {
		return fmt.Errorf("no fleets configured in %s", configPath)
	}

	if agentConverge {
		g, _, err := s.graph(ctx, nil)
		if err != nil {
			return err
		}
		if err := s.loadProviders(ctx, nodes(g)); err != nil {
			return err
		}
		opts := s.cfg.Options(holderID())
		opts.OnEvent = logEvent
		report, err := s.engine.Converge(ctx, g, opts)
		if err != nil {
			return fmt.Errorf("converge failed: %w", err)
		}
		writeAudit("apply", report)
		if err := report.Err(); err != nil {
			return err
		}
		logging.Info("declarations converged", "summary", report.Summary.String())
	} else if err := s.loadProviders(ctx, nil); err != nil {
		return err
	}

	controllers, err := s.controllers(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	opts := agent.Options{
		HTTPAddr:        s.cfg.Agent.HTTPAddr,
		GRPCAddr:        s.cfg.Agent.GRPCAddr,
		ShutdownTimeout: s.cfg.Agent.ShutdownTimeout.Duration(),
		Gatherer:        prometheus.DefaultGatherer,
	}
	if agentHTTPAddr != "" {
		opts.HTTPAddr = agentHTTPAddr
	}
	if agentGRPCAddr != "" {
		opts.GRPCAddr = agentGRPCAddr
	}

	a, err := agent.New(opts, controllers...)
	if err != nil {
		return err
	}
	logging.Info("agent starting", "fleets", len(controllers), "http", opts.HTTPAddr, "grpc", opts.GRPCAddr)
	return a.Run(ctx)
}

// controllers builds one controller per configured fleet. Providers must be
// loaded already.
func (s *session) controllers(reg prometheus.Registerer) ([]*autoscale.Controller, error) {
	metrics := autoscale.NewMetrics(reg)
	out := make([]*autoscale.Controller, 0, len(s.cfg.Fleets))
	for _, f := range s.cfg.Fleets {
		spec := f.Spec()
		fp, err := s.registry.Fleet(spec.Provider)
		if err != nil {
			return nil, fmt.Errorf("fleet %s: %w", spec.Name, err)
		}
		opts := []autoscale.Option{autoscale.WithMetrics(metrics)}
		if r, ok := s.registry.Router(spec.Provider); ok {
			opts = append(opts, autoscale.WithRouter(r))
		}
		c, err := autoscale.NewController(spec, fp, opts...)
		if err != nil {
			return nil, fmt.Errorf("fleet %s: %w", spec.Name, err)
		}
		out = append(out, c)
	}
	return out, nil
}
