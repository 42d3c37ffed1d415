package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/picklr-io/fleetform/internal/autoscale"
	"github.com/picklr-io/fleetform/internal/logging"
)

// HealthServicePrefix prefixes the per-fleet gRPC health service names.
const HealthServicePrefix = "fleetform.fleet/"

const (
	defaultShutdownTimeout = 10 * time.Second
	healthRefresh          = 5 * time.Second
)

// Options configures the agent's listeners. An empty address disables the
// listener.
type Options struct {
	HTTPAddr        string
	GRPCAddr        string
	ShutdownTimeout time.Duration
	// Gatherer serves /metrics; prometheus.DefaultGatherer if nil.
	Gatherer prometheus.Gatherer
}

// Agent runs autoscaling controllers and exposes their status.
type Agent struct {
	opts        Options
	controllers map[string]*autoscale.Controller
	names       []string
	health      *health.Server
}

func New(opts Options, controllers ...*autoscale.Controller) (*Agent, error) {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	a := &Agent{
		opts:        opts,
		controllers: make(map[string]*autoscale.Controller, len(controllers)),
		health:      health.NewServer(),
	}
	for _, c := range controllers {
		if _, dup := a.controllers[c.Name()]; dup {
			return nil, fmt.Errorf("duplicate fleet %q", c.Name())
		}
		a.controllers[c.Name()] = c
		a.names = append(a.names, c.Name())
	}
	sort.Strings(a.names)
	a.refreshHealth()
	return a, nil
}

// Run starts every controller and listener and blocks until ctx is
// cancelled or one of them fails.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, name := range a.names {
		c := a.controllers[name]
		g.Go(func() error {
			return c.Run(ctx)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(healthRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				a.health.Shutdown()
				return nil
			case <-ticker.C:
				a.refreshHealth()
			}
		}
	})

	if a.opts.HTTPAddr != "" {
		srv := &http.Server{
			Addr:              a.opts.HTTPAddr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logging.Info("status API listening", "addr", a.opts.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.opts.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if a.opts.GRPCAddr != "" {
		lis, err := net.Listen("tcp", a.opts.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		srv := grpc.NewServer()
		healthpb.RegisterHealthServer(srv, a.health)
		g.Go(func() error {
			logging.Info("grpc health listening", "addr", lis.Addr().String())
			return srv.Serve(lis)
		})
		g.Go(func() error {
			<-ctx.Done()
			srv.GracefulStop()
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// refreshHealth publishes SERVING for fleets scaling normally and
// NOT_SERVING for fleets in failsafe. The overall service "" is NOT_SERVING
// when any fleet is.
func (a *Agent) refreshHealth() {
	overall := healthpb.HealthCheckResponse_SERVING
	for _, name := range a.names {
		st := healthpb.HealthCheckResponse_SERVING
		if !a.controllers[name].Healthy() {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			overall = st
		}
		a.health.SetServingStatus(HealthServicePrefix+name, st)
	}
	a.health.SetServingStatus("", overall)
}

// HealthServer exposes the gRPC health service, mainly for tests.
func (a *Agent) HealthServer() healthpb.HealthServer { return a.health }
