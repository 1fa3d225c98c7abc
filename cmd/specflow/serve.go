package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/specflow/internal/http"
	"github.com/fyrsmithlabs/specflow/internal/manifest"
	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

var serveWatch bool

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVarP(&serveWatch, "watch", "w", false, "reload the manifest when it changes (also manifest.watch)")
}

// serveCmd runs the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the workflow over HTTP",
	Long: `Start the HTTP API for the manifest's workflow. Runs are started with
POST /api/v1/runs and their progress is streamed from
/api/v1/runs/{id}/events when NATS is configured.

Examples:
  specflow serve -m manifests/text_extraction.yaml --watch`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := newApp(ctx, appOptions{store: true, events: true, telemetry: true})
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	path, graph, err := a.loadGraph(ctx)
	if err != nil {
		return err
	}

	cfg := a.cfg
	opts := []httpserver.Option{
		httpserver.WithStore(a.store),
		httpserver.WithHTTPMetrics(httpserver.NewHTTPMetrics(a.logger)),
	}
	if a.events != nil {
		opts = append(opts, httpserver.WithEvents(a.events))
	}
	srv, err := httpserver.NewServer(a.orchestrator(graph), a.logger, &httpserver.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		Version:      version,
		RunConfig:    a.runConfig(),
		InputFolder:  cfg.Workflow.InputFolder,
		OutputFolder: cfg.Workflow.OutputFolder,
	}, opts...)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	if serveWatch || cfg.Manifest.Watch {
		w, err := manifest.NewWatcher(path, a.loader, func(g *workflow.Graph) {
			srv.SetOrchestrator(a.orchestrator(g))
		}, a.logger)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	a.logger.Info(ctx, "specflow serving",
		zap.String("manifest", graph.Name),
		zap.String("address", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case sig := <-sigCh:
		a.logger.Info(ctx, "received signal, shutting down gracefully", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration())
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	a.logger.Info(ctx, "specflow stopped")
	return nil
}
