package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/code-craka/rolesync/cmd/rolesync/cmd/cmdutil"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/services/rolesync"
)

var breakerActor string

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect and override circuit breakers",
	Long: `Circuit breaker state is shared by every rolesync process through the
configured backend, so overrides made here apply to running servers.`,
}

var breakerHealthCmd = &cobra.Command{
	Use:   "health [service]",
	Short: "Show breaker health for one or all services",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := cmdutil.NewBundle(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer bundle.Close()

		service := ""
		if len(args) == 1 {
			service = args[0]
		}
		report, err := bundle.Service.GetCircuitBreakerHealth(cmd.Context(), service)
		if err != nil {
			return err
		}

		fmt.Printf("Overall: %s\n\n", report.Overall)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SERVICE\tSTATE\tFAILURES\tREQUESTS\tREJECTED\tAVG_LATENCY\tNEXT_ATTEMPT")
		for _, h := range report.Services {
			next := "-"
			switch {
			case h.ForcedOpen:
				next = "forced"
			case h.NextAttemptAt != nil:
				next = h.NextAttemptAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
				h.Service, h.State, h.ConsecutiveFailures,
				h.Metrics.TotalRequests, h.Metrics.TotalRejected, h.Metrics.AverageLatency, next)
		}
		return w.Flush()
	},
}

func breakerAction(use, short, done string, act func(rolesync.Service) func(context.Context, string, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <service>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := cmdutil.NewBundle(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer bundle.Close()

			if err := act(bundle.Service)(cmd.Context(), args[0], breakerActor); err != nil {
				return err
			}
			fmt.Printf("Circuit breaker %s %s\n", args[0], done)
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(breakerCmd)
	breakerCmd.PersistentFlags().StringVar(&breakerActor, "actor", "cli", "Operator recorded in the audit log")
	breakerCmd.AddCommand(breakerHealthCmd)
	breakerCmd.AddCommand(
		breakerAction("reset", "Close a breaker and clear its metrics", "reset",
			func(s rolesync.Service) func(context.Context, string, string) error { return s.ResetCircuitBreaker }),
		breakerAction("open", "Force a breaker open until closed or reset", "forced open",
			func(s rolesync.Service) func(context.Context, string, string) error { return s.ForceOpenCircuitBreaker }),
		breakerAction("close", "Force a breaker closed", "forced closed",
			func(s rolesync.Service) func(context.Context, string, string) error { return s.ForceCloseCircuitBreaker }),
	)
}
