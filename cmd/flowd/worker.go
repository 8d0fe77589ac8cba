package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openpsa/flowd/internal/actions"
	"github.com/openpsa/flowd/internal/catalog"
	"github.com/openpsa/flowd/internal/engine"
	"github.com/openpsa/flowd/internal/stream"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the queue worker that executes runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(ctx context.Context) error {
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	registry := actions.NewRegistry()
	if err := catalog.RegisterActions(registry, logger); err != nil {
		return err
	}

	queue := stream.NewQueue(rt.rdb, rt.cfg.Worker.Stream, rt.cfg.Worker.Group, logger)
	invoker := actions.NewInvoker(registry, actions.DefaultRetryPolicy(), logger)
	eng := engine.New(rt.store, invoker, logger)

	worker := engine.NewWorker(queue, eng, consumerName(rt.cfg),
		rt.cfg.Worker.Concurrency, rt.cfg.Worker.VisibilityTimeout, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
		sig := <-shutdown
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	return worker.Run(runCtx)
}
