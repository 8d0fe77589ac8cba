package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/openpsa/flowd/internal/actions"
	"github.com/openpsa/flowd/internal/api"
	"github.com/openpsa/flowd/internal/catalog"
	"github.com/openpsa/flowd/internal/engine"
	"github.com/openpsa/flowd/internal/ingest"
	"github.com/openpsa/flowd/internal/schema"
	"github.com/openpsa/flowd/internal/services"
	"github.com/openpsa/flowd/internal/stream"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	schemas := schema.NewRegistry(logger)
	registry := actions.NewRegistry()
	if err := catalog.RegisterSchemas(schemas, rt.cfg.Tenants...); err != nil {
		return err
	}
	if err := catalog.RegisterActions(registry, logger); err != nil {
		return err
	}

	queue := stream.NewQueue(rt.rdb, rt.cfg.Worker.Stream, rt.cfg.Worker.Group, logger)
	if err := queue.EnsureGroup(ctx); err != nil {
		return err
	}
	dedup := stream.NewDedup(rt.rdb, rt.cfg.Worker.DedupTTL)

	ingestor := ingest.NewIngestor(rt.store, schemas, queue, dedup, logger)
	invoker := actions.NewInvoker(registry, actions.DefaultRetryPolicy(), logger)
	eng := engine.New(rt.store, invoker, logger)
	workflows := services.NewWorkflowService(rt.store, schemas, registry, services.NewMemorySecretStore(), logger)

	e := echo.New()
	e.HideBanner = true
	server := api.NewServer(ingestor, eng, rt.store, workflows, map[string]api.HealthCheck{
		"db":    func(ctx context.Context) error { return rt.pool.Ping(ctx) },
		"redis": func(ctx context.Context) error { return rt.rdb.Ping(ctx).Err() },
	})
	server.Register(e)

	httpServer := &http.Server{
		Addr:         rt.cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server starting", "address", rt.cfg.Server.Addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return err
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
			if err := httpServer.Close(); err != nil {
				logger.Error("server close error", "error", err)
			}
		}
		logger.Info("server stopped gracefully")
	}
	return nil
}
