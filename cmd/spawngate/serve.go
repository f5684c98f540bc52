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

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	Long: `Serve the spawn gateway over HTTP.

Routes:
  POST /v1/spawn                  validate and start an agent
  GET  /v1/sessions               sessions the gateway tracks
  POST /v1/sessions/{id}/wait     wait for a session and free its slot
  GET  /v1/sessions/{id}/result   captured output of a session
  GET  /v1/stats                  validation statistics (?hours=24)
  GET  /v1/failures               recent rejections (?hours=24&limit=10)
  GET  /v1/ratelimit/{agent}      rate limit usage for an agent
  GET  /metrics                   Prometheus metrics
  GET  /healthz                   liveness`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: listen_addr from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	a, err := newApp(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := serveAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           newServer(a.gateway, a.metrics.Handler(), logger).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)
	if err := a.gateway.Cleanup(shutdownCtx); err != nil {
		logger.Warn("session cleanup failed", slog.String("error", err.Error()))
	}
	return shutdownErr
}
