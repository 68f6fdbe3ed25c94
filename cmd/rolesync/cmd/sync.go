package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/code-craka/rolesync/cmd/rolesync/cmd/cmdutil"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/services/reconcile"
)

var (
	syncUser     string
	syncStrategy string
	syncActor    string
	syncTimeout  time.Duration
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run and inspect reconciliation",
}

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Reconcile all users, or one user with --user, and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := cmdutil.NewBundle(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer bundle.Close()

		req := reconcile.TriggerRequest{
			Type:        reconcile.TypeFull,
			InitiatedBy: syncActor,
			Strategy:    reconcile.Strategy(syncStrategy),
		}
		if syncUser != "" {
			req.Type = reconcile.TypeTargeted
			req.TargetUserID = syncUser
		}

		ctx := cmd.Context()
		if syncTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, syncTimeout)
			defer cancel()
		}

		op, err := bundle.Service.TriggerSync(ctx, req)
		if err != nil {
			return err
		}
		done, err := bundle.Service.WaitSyncOperation(ctx, op.ID)
		if err != nil {
			return fmt.Errorf("wait for sync %s: %w", op.ID, err)
		}
		printOperation(os.Stdout, done)
		if done.Status == reconcile.StatusFailed {
			return fmt.Errorf("sync %s failed: %s", done.ID, done.Failure)
		}
		return nil
	},
}

var syncShowCmd = &cobra.Command{
	Use:   "show <operation-id>",
	Short: "Show a sync operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := cmdutil.NewBundle(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer bundle.Close()

		op, err := bundle.Service.GetSyncOperation(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printOperation(os.Stdout, op)
		return nil
	},
}

var syncResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve a conflict left for manual resolution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := cmdutil.NewBundle(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer bundle.Close()

		ok, err := bundle.Service.ResolveConflictManually(cmd.Context(), args[0], reconcile.Strategy(syncStrategy), syncActor)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("conflict %s was written but did not verify; re-run or inspect the sources", args[0])
		}
		fmt.Printf("Conflict %s resolved with %s\n", args[0], syncStrategy)
		return nil
	},
}

func printOperation(out io.Writer, op *reconcile.SyncOperation) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", op.ID)
	fmt.Fprintf(w, "Type:\t%s\n", op.Type)
	if op.TargetUserID != "" {
		fmt.Fprintf(w, "User:\t%s\n", op.TargetUserID)
	}
	fmt.Fprintf(w, "Strategy:\t%s\n", op.Strategy)
	fmt.Fprintf(w, "Status:\t%s\n", op.Status)
	if op.Failure != "" {
		fmt.Fprintf(w, "Failure:\t%s\n", op.Failure)
	}
	p := op.Progress
	fmt.Fprintf(w, "Progress:\t%d/%d users, %d repairs, %d conflicts, %d errors\n",
		p.Processed, p.Total, p.Repairs, p.Conflicts, p.Errors)
	if r := op.Result; r != nil {
		fmt.Fprintf(w, "Duration:\t%s (%.1f users/s)\n", r.Duration, r.UsersPerSecond)
	}
	w.Flush()

	if len(op.Conflicts) > 0 {
		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CONFLICT\tUSER\tTYPE\tSEVERITY\tCACHE\tIDP\tDATABASE\tRESOLVED")
		for _, c := range op.Conflicts {
			resolved := "-"
			if c.Resolved() {
				resolved = fmt.Sprintf("%s (%s)", c.ResolvedRole, c.ResolutionStrategy)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				c.ID, c.UserID, c.Type, c.Severity,
				orDash(c.ValuesBySource[reconcile.SourceCache]),
				orDash(c.ValuesBySource[reconcile.SourceIdP]),
				orDash(c.ValuesBySource[reconcile.SourceDatabase]),
				resolved)
		}
		w.Flush()
	}

	if len(op.Errors) > 0 {
		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "USER\tSOURCE\tOPERATION\tRECOVERABLE\tERROR")
		for _, e := range op.Errors {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", orDash(e.UserID), e.Source, e.Operation, e.Recoverable, e.Message)
		}
		w.Flush()
	}

	if op.Result != nil && len(op.Result.Recommendations) > 0 {
		fmt.Fprintln(out, "\nRecommendations:")
		for _, rec := range op.Result.Recommendations {
			fmt.Fprintf(out, "  - %s\n", rec)
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.AddCommand(syncRunCmd, syncShowCmd, syncResolveCmd)

	syncCmd.PersistentFlags().StringVar(&syncActor, "actor", "cli", "Operator recorded on the operation or resolution")
	syncRunCmd.Flags().StringVar(&syncUser, "user", "", "Reconcile only this user")
	syncRunCmd.Flags().StringVar(&syncStrategy, "strategy", "", "Conflict strategy (idp_wins, cache_wins, database_wins, priority, manual)")
	syncRunCmd.Flags().DurationVar(&syncTimeout, "timeout", 0, "Give up waiting after this long (0 waits indefinitely)")
	syncResolveCmd.Flags().StringVar(&syncStrategy, "strategy", "", "Strategy to apply (idp_wins, cache_wins, database_wins, priority)")
	_ = syncResolveCmd.MarkFlagRequired("strategy")
}
