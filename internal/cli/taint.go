package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// taintPrefix marks a fingerprint as stale. No declaration can produce it,
// so the next apply always updates a tainted node.
const taintPrefix = "tainted:"

var taintCmd = &cobra.Command{
	Use:   "taint <id>",
	Short: "Force a node to be re-applied",
	Long: `Marks a recorded node as tainted, forcing the provider to be called for it
on the next apply even if its declaration did not change.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error { return setTaint(cmd, args[0], true) },
}

var untaintCmd = &cobra.Command{
	Use:   "untaint <id>",
	Short: "Remove taint from a node",
	Long:  `Removes the taint mark from a recorded node, preventing the forced re-apply.`,
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setTaint(cmd, args[0], false) },
}

func tainted(fingerprint string) bool {
	return strings.HasPrefix(fingerprint, taintPrefix)
}

func setTaint(cmd *cobra.Command, id string, taint bool) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	var changed bool
	err = s.withLock(ctx, func() error {
		res, err := s.mustRead(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case taint && !tainted(res.Fingerprint):
			res.Fingerprint = taintPrefix + res.Fingerprint
		case !taint && tainted(res.Fingerprint):
			res.Fingerprint = strings.TrimPrefix(res.Fingerprint, taintPrefix)
		default:
			return nil
		}
		changed = true
		_, err = s.store.Write(ctx, id, res, res.Version)
		return err
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case !changed && taint:
		fmt.Fprintf(out, "Resource %s is already tainted.\n", id)
	case !changed:
		fmt.Fprintf(out, "Resource %s is not tainted.\n", id)
	case taint:
		fmt.Fprintf(out, "Resource %s has been tainted. It will be re-applied on next apply.\n", id)
	default:
		fmt.Fprintf(out, "Resource %s has been untainted.\n", id)
	}
	return nil
}
