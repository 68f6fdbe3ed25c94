package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/code-craka/rolesync/cmd/rolesync/cmd/cmdutil"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/breaker"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/middleware"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/migrations"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/server"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/services/reconcile"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/telemetry"
)

var autoMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the rolesync admin API and background reconciliation",
	Long: `Starts the HTTP admin API, the circuit breaker health monitor and, when
reconcile.interval is set, the scheduled full sync.

SIGHUP triggers an immediate full sync.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		shutdownTelemetry, err := telemetry.Init(ctx, cfg.Observability, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer func() {
			tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer tcancel()
			if err := shutdownTelemetry(tctx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()

		bundle, err := cmdutil.NewBundle(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := bundle.Close(); err != nil {
				logger.Warn("shutdown: failed to release resources", "error", err)
			}
		}()
		logger.Info("connected to database and redis", "breaker_backend", cfg.Breaker.Backend, "idp_mode", cfg.IdP.Mode)

		if autoMigrate {
			group, err := migrations.Apply(ctx, bundle.DB)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			if group.ID != 0 {
				logger.Info("applied migrations", "group", group.ID)
			}
		}

		monitor := breaker.NewMonitor(bundle.Breakers, cfg.Breaker.HealthInterval, nil)
		monitor.Start(ctx)
		defer monitor.Stop()

		var scheduler *reconcile.Scheduler
		if cfg.Reconcile.Interval > 0 {
			scheduler = reconcile.NewScheduler(bundle.Engine, cfg.Reconcile.Interval)
			scheduler.Start(ctx)
			defer scheduler.Stop()
			logger.Info("scheduled full sync enabled", "interval", cfg.Reconcile.Interval)
		}

		tokens, err := cmdutil.NewTokenManager(cfg.AdminAuth)
		if err != nil {
			return fmt.Errorf("admin auth: %w", err)
		}
		requiredRole, err := cmdutil.RequiredRole(cfg.AdminAuth)
		if err != nil {
			return err
		}
		if tokens == nil {
			logger.Warn("admin API authentication disabled; set admin_auth.jwt_secret to enable it")
		}

		serverMetrics, err := telemetry.NewServerMetrics()
		if err != nil {
			return fmt.Errorf("create server metrics: %w", err)
		}
		router := server.NewRouter(server.RouterOptions{
			Service:       bundle.Service,
			Metrics:       serverMetrics,
			Logger:        logger,
			APIMiddleware: middleware.AdminAPI(tokens, requiredRole, logger),
		})

		srv := &http.Server{
			Addr:         cfg.ServerAddr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("starting server", "addr", cfg.ServerAddr)
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(shutdown)

		// SIGHUP triggers an immediate full sync
		resync := make(chan os.Signal, 1)
		signal.Notify(resync, syscall.SIGHUP)
		defer signal.Stop(resync)

		for {
			select {
			case err := <-serverErrors:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("server error: %w", err)

			case sig := <-resync:
				op, err := bundle.Service.TriggerSync(ctx, reconcile.TriggerRequest{
					Type:        reconcile.TypeFull,
					InitiatedBy: "signal",
				})
				if err != nil {
					logger.Error("full sync on signal failed", "signal", sig.String(), "error", err)
					continue
				}
				logger.Info("full sync triggered", "signal", sig.String(), "operation_id", op.ID)

			case sig := <-shutdown:
				logger.Info("shutting down gracefully", "signal", sig.String())

				sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer scancel()

				if err := srv.Shutdown(sctx); err != nil {
					srv.Close()
					return fmt.Errorf("graceful shutdown failed: %w", err)
				}

				logger.Info("server stopped")
				return nil
			}
		}
	},
}

func init() {
	serveCmd.Flags().BoolVar(&autoMigrate, "migrate", false, "Apply pending database migrations before serving")
	rootCmd.AddCommand(serveCmd)
}
