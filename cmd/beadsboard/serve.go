package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/beadsboard/internal/adapter"
	"github.com/steveyegge/beadsboard/internal/bridge"
	"github.com/steveyegge/beadsboard/internal/logging"
	"github.com/steveyegge/beadsboard/internal/metrics"
	"github.com/steveyegge/beadsboard/internal/watch"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "board",
	Short:   "Serve the board to panels over WebSocket",
	Long: `Start the board host. Each WebSocket connection on /ws is one panel with
its own request bridge; all panels share one backend and one file watcher.

Endpoints:
  ws://<listen>/ws        panel protocol
  http://<listen>/health  backend, panel count and breaker state
  http://<listen>/metrics Prometheus metrics

Example usage:
  beadsboard serve                        # listen on 127.0.0.1:7420
  beadsboard serve --listen 127.0.0.1:0   # pick a free port
  beadsboard serve --read-only --backend bd`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		out, closer := logging.Output(cfg.Log)
		defer closer.Close()
		logger := logging.For(out, "serve")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m := metrics.New()
		a, err := adapter.Open(ctx, cfg, adapter.Options{Logs: out, Metrics: m})
		if err != nil {
			return err
		}
		defer a.Close()

		w, err := watch.New(watch.Config{Logger: logging.For(out, "watch")})
		if err != nil {
			return fmt.Errorf("failed to start file watcher: %w", err)
		}
		defer w.Close()

		server := bridge.NewServer(bridge.ServerConfig{
			Addr:         cfg.Listen,
			Adapter:      a,
			Watcher:      w,
			ReadOnly:     cfg.ReadOnly,
			PageSize:     cfg.PageSize,
			Logger:       logging.For(out, "server"),
			BridgeLogger: logging.For(out, "bridge"),
			Metrics:      m,
		})
		if err := server.Start(); err != nil {
			return err
		}

		addr := server.Addr()
		fmt.Fprintf(cmd.OutOrStdout(), "Board for %s (%s backend)\n", cfg.Workspace, adapter.Backend(a))
		fmt.Fprintf(cmd.OutOrStdout(), "WebSocket endpoint: ws://%s/ws\n", addr)
		fmt.Fprintf(cmd.OutOrStdout(), "Health check: http://%s/health\n", addr)
		if cfg.ReadOnly {
			fmt.Fprintln(cmd.OutOrStdout(), "Read-only: mutations are rejected")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "\nPress Ctrl+C to stop...")

		<-ctx.Done()

		logger.Println("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("listen", "127.0.0.1:7420", "Address to listen on")
	serveCmd.Flags().Int("page-size", 50, "Items per column page")
	rootCmd.AddCommand(serveCmd)
}
