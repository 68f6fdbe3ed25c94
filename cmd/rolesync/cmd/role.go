package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/code-craka/rolesync/cmd/rolesync/cmd/cmdutil"
)

var rollbackActor string

var roleCmd = &cobra.Command{
	Use:   "role",
	Short: "Resolve and repair individual user roles",
}

var roleResolveCmd = &cobra.Command{
	Use:   "resolve <user-id>",
	Short: "Resolve a user's role the way the application does",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := cmdutil.NewBundle(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer bundle.Close()

		res := bundle.Service.ResolveRole(cmd.Context(), args[0])
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

var roleRollbackCmd = &cobra.Command{
	Use:   "rollback <user-id> <operation-id>",
	Short: "Restore the cache record a sync operation overwrote",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, err := cmdutil.NewBundle(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer bundle.Close()

		rec, err := bundle.Service.RollbackCacheWrite(cmd.Context(), args[0], args[1], rollbackActor)
		if err != nil {
			return err
		}
		if rec == nil {
			fmt.Printf("User %s had no cached role before %s; cache record removed\n", args[0], args[1])
			return nil
		}
		fmt.Printf("User %s restored to %s (version %d)\n", rec.UserID, rec.Role, rec.Version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(roleCmd)
	roleCmd.AddCommand(roleResolveCmd, roleRollbackCmd)
	roleRollbackCmd.Flags().StringVar(&rollbackActor, "actor", "cli", "Operator recorded in the audit log")
}
