package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apranova/lms-workspace/internal/config"
	"github.com/apranova/lms-workspace/internal/db"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "workspace-service",
		Short:        "Provisions and manages student code-server workspaces",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), sweepCmd(), migrateCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the workspace API and run the idle reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			a, err := build(ctx, cfg, logger)
			if err != nil {
				logger.Error("failed to start", "error", err)
				return err
			}
			defer a.Close()

			server := &http.Server{
				Addr:        ":" + cfg.Port,
				Handler:     a.router,
				ReadTimeout: 15 * time.Second,
				// Progress streams stay open for the whole provisioning run.
				WriteTimeout:   0,
				IdleTimeout:    60 * time.Second,
				MaxHeaderBytes: 1 << 20,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("workspace service listening", "port", cfg.Port, "backend", a.backendName)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				a.manager.Run(gctx, cfg.ReaperInterval)
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutting down workspace service")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logger.Warn("graceful shutdown failed", "error", err)
				}
				return nil
			})
			return g.Wait()
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Stop idle workspaces once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			a, err := build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.manager.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "candidates=%d stopped=%d failed=%d\n", res.Candidates, res.Stopped, res.Failed)
			if res.Failed > 0 {
				return fmt.Errorf("%d workspaces could not be stopped", res.Failed)
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			gdb, err := db.Connect(cfg.DatabaseURL, cfg.DatabaseSchema)
			if err != nil {
				return err
			}
			if err := db.Migrate(gdb); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return nil, nil, err
	}
	return cfg, newLogger(cfg), nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler
	if cfg.Production() {
		h = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		h = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(h).With("service", "workspace-service")
	slog.SetDefault(logger)
	return logger
}
