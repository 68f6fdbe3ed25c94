package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/config"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "rolesync",
	Short: "Role synchronization between the identity provider, cache and database",
	Long: `rolesync keeps a user's role consistent across the identity provider, the
shared Redis cache and the system-of-record database. It serves role
resolution and an admin API, and reconciles drift between the three sources.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config file: %w", err)
			}
		}
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger = logging.New(os.Stderr, cfg.LogFormat, cfg.Debug)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (yaml, json or toml)")
	flags.String("db-url", "", "Database connection URL (env: ROLESYNC_DATABASE_URL)")
	flags.String("redis-url", "", "Redis connection URL (env: ROLESYNC_REDIS_URL)")
	flags.String("server-addr", "", "Admin API bind address (env: ROLESYNC_SERVER_ADDR)")
	flags.Bool("debug", false, "Enable debug logging (env: ROLESYNC_DEBUG)")
	flags.String("log-format", "", "Log format, text or json (env: ROLESYNC_LOG_FORMAT)")

	_ = viper.BindPFlag("database_url", flags.Lookup("db-url"))
	_ = viper.BindPFlag("redis_url", flags.Lookup("redis-url"))
	_ = viper.BindPFlag("server_addr", flags.Lookup("server-addr"))
	_ = viper.BindPFlag("debug", flags.Lookup("debug"))
	_ = viper.BindPFlag("log_format", flags.Lookup("log-format"))
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
