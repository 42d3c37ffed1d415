package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/picklr-io/fleetform/internal/autoscale"
	"github.com/picklr-io/fleetform/internal/config"
	"github.com/picklr-io/fleetform/internal/engine"
	"github.com/picklr-io/fleetform/internal/eval"
	"github.com/picklr-io/fleetform/internal/ir"
	"github.com/picklr-io/fleetform/internal/lock"
	"github.com/picklr-io/fleetform/internal/provider"
	"github.com/picklr-io/fleetform/internal/state"
	"github.com/picklr-io/fleetform/providers/aws"
	"github.com/picklr-io/fleetform/providers/docker"
	"github.com/picklr-io/fleetform/providers/null"
)

// session bundles what every state-touching command needs.
type session struct {
	cfg       *config.Config
	registry  *provider.Registry
	store     state.Store
	locks     lock.Manager
	engine    *engine.Engine
	evaluator *eval.Evaluator
}

func openSession(ctx context.Context) (*session, error) {
	store, err := state.NewStore(ctx, &cfg.State)
	if err != nil {
		return nil, fmt.Errorf("failed to open state: %w", err)
	}
	locks, err := lock.New(ctx, &cfg.Lock.BackendConfig)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open lock backend: %w", err)
	}
	registry := newRegistry(cfg.Engine.RateLimit)
	return &session{
		cfg:       cfg,
		registry:  registry,
		store:     store,
		locks:     locks,
		engine:    engine.NewEngine(registry, store, locks),
		evaluator: eval.NewEvaluator(projectDir()),
	}, nil
}

func (s *session) Close() error {
	return errors.Join(s.locks.Close(), s.store.Close())
}

// newRegistry makes every built-in provider loadable, rate limited when
// rps is positive.
func newRegistry(rps float64) *provider.Registry {
	reg := provider.NewRegistry()
	wrap := func(f provider.Factory) provider.Factory {
		if rps <= 0 {
			return f
		}
		return func(c map[string]string) (provider.Provider, error) {
			p, err := f(c)
			if err != nil {
				return nil, err
			}
			return provider.Throttle(p, rps), nil
		}
	}
	reg.RegisterFactory(null.Name, wrap(null.Factory))
	reg.RegisterFactory(docker.Name, wrap(docker.Factory))
	reg.RegisterFactory(aws.Name, wrap(aws.Factory))
	return reg
}

// projectDir is where relative declaration paths are resolved.
func projectDir() string {
	if dir := filepath.Dir(configPath); dir != "" {
		return dir
	}
	return "."
}

// declarations evaluates the declaration files and appends one node per
// configured fleet.
func (s *session) declarations(ctx context.Context, props map[string]string) (*ir.Config, error) {
	decl, err := s.evaluator.LoadAll(ctx, s.cfg.Declarations, props)
	if err != nil {
		return nil, err
	}
	for _, f := range s.cfg.Fleets {
		decl.Resources = append(decl.Resources, autoscale.Declaration(f.Spec()))
	}
	return decl, nil
}

// graph expands and links the declarations.
func (s *session) graph(ctx context.Context, props map[string]string) (*engine.Graph, *ir.Config, error) {
	decl, err := s.declarations(ctx, props)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load declarations: %w", err)
	}
	g, err := engine.BuildGraph(engine.ExpandForEach(decl.Resources))
	if err != nil {
		return nil, nil, err
	}
	return g, decl, nil
}

// loadProviders loads every provider named by a declaration or by a
// recorded node, the latter being needed to delete orphans.
func (s *session) loadProviders(ctx context.Context, resources []*ir.Resource) error {
	names := make(map[string]bool)
	for _, res := range resources {
		names[res.Provider] = true
	}
	records, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	for _, r := range records {
		names[r.Provider] = true
	}
	for _, f := range s.cfg.Fleets {
		names[f.Provider] = true
	}
	delete(names, "")

	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)
	for _, n := range sorted {
		if err := s.registry.LoadProvider(n, s.cfg.Providers[n]); err != nil {
			return err
		}
	}
	return nil
}

// nodes returns the declarations of g in creation order.
func nodes(g *engine.Graph) []*ir.Resource {
	out := make([]*ir.Resource, 0, g.Len())
	for _, id := range g.CreationOrder() {
		res, _ := g.Node(id)
		out = append(out, res)
	}
	return out
}

// holderID names this process in locks.
func holderID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
)

// colorize returns code unless colors are disabled.
func colorize(code string) string {
	if noColor {
		return ""
	}
	return code
}

// renderPlanChanges prints the detailed change list for a plan.
func renderPlanChanges(w io.Writer, plan *ir.Plan) {
	for _, change := range plan.Changes {
		if change.Action == ir.ActionNoOp {
			continue
		}
		symbol, color := "~", colorize(colorYellow)
		switch change.Action {
		case ir.ActionCreate:
			symbol, color = "+", colorize(colorGreen)
		case ir.ActionDelete:
			symbol, color = "-", colorize(colorRed)
		}
		reset := colorize(colorReset)

		kind := ""
		if change.Desired != nil {
			kind = change.Desired.Kind
		} else if change.Prior != nil {
			kind = change.Prior.Kind
		}

		fmt.Fprintf(w, "\n%s  # %s will be %s%s\n", color, change.ID, strings.ToLower(string(change.Action))+"d", reset)
		fmt.Fprintf(w, "%s  %s %s %q {%s\n", color, symbol, kind, change.ID, reset)
		renderPropertyDiff(w, change.Diff)
		fmt.Fprintf(w, "%s    }%s\n", color, reset)
	}
}

// renderPropertyDiff prints structured property diffs in key order.
func renderPropertyDiff(w io.Writer, diff map[string]*ir.PropertyDiff) {
	keys := make([]string, 0, len(diff))
	for k := range diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	reset := colorize(colorReset)
	for _, key := range keys {
		d := diff[key]
		switch d.Action {
		case "create":
			fmt.Fprintf(w, "%s      + %s = %s%s\n", colorize(colorGreen), key, formatValue(d.After), reset)
		case "delete":
			fmt.Fprintf(w, "%s      - %s = %s%s\n", colorize(colorRed), key, formatValue(d.Before), reset)
		case "update":
			fmt.Fprintf(w, "%s      ~ %s = %s -> %s%s\n", colorize(colorYellow), key, formatValue(d.Before), formatValue(d.After), reset)
		default:
			fmt.Fprintf(w, "        %s = %s\n", key, formatValue(d.After))
		}
	}
}

// formatValue returns a human-readable representation of a value.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// renderPlanSummary prints the plan summary counts.
func renderPlanSummary(w io.Writer, plan *ir.Plan) {
	fmt.Fprintln(w, "\nPlan Summary:")
	fmt.Fprintf(w, "  Create:  %d\n", plan.Summary.Create)
	fmt.Fprintf(w, "  Update:  %d\n", plan.Summary.Update)
	fmt.Fprintf(w, "  Delete:  %d\n", plan.Summary.Delete)
	fmt.Fprintf(w, "  NoOp:    %d\n", plan.Summary.NoOp)
}

// renderReport prints one line per node that did not stay unchanged.
func renderReport(w io.Writer, report *engine.Report) {
	for _, o := range report.Outcomes {
		switch o.Status {
		case engine.StatusApplied:
			fmt.Fprintf(w, "%s  %s: %s (%s, %d attempt(s))%s\n", colorize(colorGreen), o.ID, o.Action, o.Duration.Round(time.Millisecond), o.Attempts, colorize(colorReset))
		case engine.StatusFailed:
			fmt.Fprintf(w, "%s  %s: failed: %v%s\n", colorize(colorRed), o.ID, o.Err, colorize(colorReset))
		case engine.StatusBlocked:
			fmt.Fprintf(w, "%s  %s: blocked: %v%s\n", colorize(colorYellow), o.ID, o.Err, colorize(colorReset))
		}
	}
	fmt.Fprintf(w, "\n%s in %s\n", report.Summary, report.Duration.Round(time.Millisecond))
}

// confirm asks for a yes on r.
func confirm(w io.Writer, r io.Reader, question string) bool {
	fmt.Fprintf(w, "\n%s (y/n): ", question)
	var response string
	fmt.Fscanln(r, &response)
	return response == "y" || response == "yes"
}
