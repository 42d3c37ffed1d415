package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/picklr-io/fleetform/internal/ir"
)

var stateJSON bool

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Manage Fleetform state",
	Long:  `Commands for inspecting and modifying recorded state.`,
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded nodes",
	RunE:  runStateList,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the record of a single node",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateShow,
}

var stateMvCmd = &cobra.Command{
	Use:   "mv <source> <destination>",
	Short: "Move a record to a new id",
	Args:  cobra.ExactArgs(2),
	RunE:  runStateMv,
}

var stateRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a record from state (does not destroy)",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateRm,
}

func init() {
	stateShowCmd.Flags().BoolVar(&stateJSON, "json", false, "Output in JSON format")
	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateMvCmd)
	stateCmd.AddCommand(stateRmCmd)
}

// withLock runs fn while holding the session lock so that state edits never
// race a convergence run.
func (s *session) withLock(ctx context.Context, fn func() error) error {
	l, err := s.locks.Acquire(ctx, s.cfg.Lock.Scope, holderID(), s.cfg.Lock.Lease.Duration())
	if err != nil {
		return err
	}
	defer s.locks.Release(context.WithoutCancel(ctx), l)
	return fn()
}

func (s *session) mustRead(ctx context.Context, id string) (*ir.ActualState, error) {
	st, err := s.store.Read(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	if st == nil {
		return nil, fmt.Errorf("resource %s not found in state", id)
	}
	return st, nil
}

func runStateList(cmd *cobra.Command, args []string) error {
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
		fmt.Fprintln(out, "No resources in state.")
		return nil
	}
	for _, r := range records {
		fmt.Fprintf(out, "  %s (kind: %s, provider: %s, version: %d)\n", r.ID, r.Kind, r.Provider, r.Version)
	}
	fmt.Fprintf(out, "\nTotal: %d resource(s)\n", len(records))
	return nil
}

func runStateShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.mustRead(ctx, args[0])
	if err != nil {
		return err
	}
	if stateJSON {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintf(out, "# %s\n", res.ID)
	fmt.Fprintf(out, "  kind        = %s\n", res.Kind)
	fmt.Fprintf(out, "  provider    = %s\n", res.Provider)
	fmt.Fprintf(out, "  version     = %d\n", res.Version)
	fmt.Fprintf(out, "  fingerprint = %s\n", res.Fingerprint)
	fmt.Fprintf(out, "  updated_at  = %s\n", res.UpdatedAt.Format(time.RFC3339))
	if len(res.Dependencies) > 0 {
		fmt.Fprintf(out, "  depends_on  = %v\n", res.Dependencies)
	}
	printSection(out, "Inputs", res.Inputs)
	printSection(out, "Attributes", res.Attributes)
	return nil
}

func printSection(out io.Writer, title string, m map[string]any) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(out, "\n  %s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(out, "    %s = %s\n", k, formatValue(m[k]))
	}
}

func runStateMv(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	src, dst := args[0], args[1]

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	err = s.withLock(ctx, func() error {
		res, err := s.mustRead(ctx, src)
		if err != nil {
			return err
		}
		if _, err := s.store.Write(ctx, dst, res, 0); err != nil {
			return fmt.Errorf("failed to write %s: %w", dst, err)
		}
		return s.store.Delete(ctx, src, res.Version)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Moved %s to %s\n", src, dst)
	return nil
}

func runStateRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	target := args[0]

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	err = s.withLock(ctx, func() error {
		res, err := s.mustRead(ctx, target)
		if err != nil {
			return err
		}
		return s.store.Delete(ctx, target, res.Version)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from state (resource was NOT destroyed)\n", target)
	return nil
}
