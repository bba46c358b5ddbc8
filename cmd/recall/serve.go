package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iammorganparry/recall/internal/api"
)

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP memory server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Port = port
			}

			logger := newLogger(os.Stdout, cfg.LogLevel, true)
			slog.SetDefault(logger)

			a, err := openApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.health != nil {
				if err := a.health.HealthCheck(cmd.Context()); err != nil {
					logger.Warn("embedding backend not available at startup, will retry on first use", "error", err)
				}
			}

			router := api.NewRouter(a.svc, a.health, cfg.APIKey, logger)

			addr := fmt.Sprintf(":%d", cfg.Port)
			srv := &http.Server{
				Addr:         addr,
				Handler:      router,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 5 * time.Minute,
				IdleTimeout:  120 * time.Second,
			}

			// Graceful shutdown
			done := make(chan os.Signal, 1)
			signal.Notify(done, os.Interrupt, syscall.SIGTERM)

			errc := make(chan error, 1)
			go func() {
				logger.Info("memory server starting", "addr", addr, "data_dir", cfg.DataDir, "keyword_index", a.store.KeywordIndex().String())
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errc <- err
				}
			}()

			select {
			case <-done:
			case err := <-errc:
				return fmt.Errorf("server error: %w", err)
			}
			logger.Info("shutting down...")

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := srv.Shutdown(ctx); err != nil {
				logger.Error("shutdown error", "error", err)
			}

			logger.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides PORT)")
	return cmd
}
