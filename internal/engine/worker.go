package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/openpsa/flowd/internal/stream"
	"github.com/openpsa/flowd/pkg/models"
)

// TaskQueue is the worker's view of the run queue. *stream.Queue is the
// production implementation.
type TaskQueue interface {
	EnsureGroup(ctx context.Context) error
	Fetch(ctx context.Context, consumer string, count int, block time.Duration) ([]stream.Message, error)
	Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]stream.Message, error)
	Ack(ctx context.Context, id string) error
}

// Worker pulls PENDING runs from the stream's consumer group and executes
// them. Many workers run concurrently across processes; each run executes on
// one worker at a time, re-delivered only if the owner goes stale.
type Worker struct {
	queue       TaskQueue
	engine      *Engine
	consumer    string
	concurrency int
	minIdle     time.Duration
	log         *slog.Logger
}

// NewWorker creates a Worker. minIdle is the visibility timeout after which
// another consumer may reclaim a pending run.
func NewWorker(queue TaskQueue, engine *Engine, consumer string, concurrency int, minIdle time.Duration, log *slog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 8
	}
	if minIdle <= 0 {
		minIdle = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		queue:       queue,
		engine:      engine,
		consumer:    consumer,
		concurrency: concurrency,
		minIdle:     minIdle,
		log:         log.With("component", "worker", "consumer", consumer),
	}
}

// Run consumes until ctx is done, then drains in-flight executions.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	w.log.Info("worker started", "concurrency", w.concurrency)

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	reclaimTicker := time.NewTicker(w.minIdle)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			w.log.Info("worker stopped")
			return nil
		case <-reclaimTicker.C:
			msgs, err := w.queue.Reclaim(ctx, w.consumer, w.minIdle, w.concurrency)
			if err != nil {
				w.log.Warn("reclaim failed", "error", err)
				continue
			}
			w.dispatch(ctx, msgs, sem, &wg)
		default:
			msgs, err := w.queue.Fetch(ctx, w.consumer, w.concurrency, 2*time.Second)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				w.log.Warn("fetch failed", "error", err)
				time.Sleep(time.Second)
				continue
			}
			w.dispatch(ctx, msgs, sem, &wg)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, msgs []stream.Message, sem chan struct{}, wg *sync.WaitGroup) {
	for _, msg := range msgs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.handle(ctx, msg)
		}()
	}
}

func (w *Worker) handle(ctx context.Context, msg stream.Message) {
	status, err := w.engine.Execute(ctx, msg.Task.RunID)
	switch {
	case err == nil:
		w.log.Debug("run executed", "run_id", msg.Task.RunID, "status", status)
	case errors.Is(err, models.ErrNotFound):
		// nothing to execute; dropping the entry avoids a poison message
		w.log.Warn("queued run no longer exists", "run_id", msg.Task.RunID)
	default:
		// leave unacked so the entry is re-delivered after the visibility timeout
		w.log.Error("run execution failed, leaving for redelivery", "run_id", msg.Task.RunID, "error", err)
		return
	}
	if err := w.queue.Ack(ctx, msg.ID); err != nil {
		w.log.Warn("ack failed", "entry", msg.ID, "error", err)
	}
}
