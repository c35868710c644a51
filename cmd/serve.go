package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kozaktomas/face-grouper/internal/constants"
	"github.com/kozaktomas/face-grouper/internal/database"
	"github.com/kozaktomas/face-grouper/internal/logging"
	"github.com/kozaktomas/face-grouper/internal/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server",
	Long: `Start the Face Grouper HTTP API.

Endpoints:
  POST /api/v1/cluster/add       assign one face embedding
  GET  /api/v1/clusters          list groups with member counts
  GET  /api/v1/clusters/{id}     group detail with members and centroid
  POST /api/v1/clusters/probe    approximate neighbours (PROBE_INDEX_ENABLED)
  GET  /api/v1/stats             store counts and settings
  GET  /health                   liveness
  POST /cluster/add, GET /clusters  unprefixed aliases`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if port := mustGetInt(cmd, "port"); port > 0 {
		cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Web.Host = host
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, store, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if idx := database.GetProbeIndex(); idx != nil {
		fmt.Printf("Probe index built with %d faces (approximate, inspection only)\n", idx.Count())
	}

	server := web.NewServer(cfg, svc)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, constants.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Default().Error("shutdown failed", "error", err)
		}
	}()

	fmt.Printf("Starting Face Grouper on http://%s:%d (backend: %s)\n", cfg.Web.Host, cfg.Web.Port, cfg.Store.Backend)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
