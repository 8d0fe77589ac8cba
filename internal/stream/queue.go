// Package stream manages the durable run queue on Redis Streams: publish on
// ingest, consumer-group fetch for workers, reclaim of stale pending entries
// after a visibility timeout, and acknowledgement on terminal state. It also
// hosts the TTL'd processed-set used as the ingest dedup fast path.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunTask is one queued unit of work: a run awaiting execution.
type RunTask struct {
	RunID    string
	TenantID string
}

// Message is a delivered task plus the stream entry id used to ack it.
type Message struct {
	ID   string
	Task RunTask
}

// Queue is a consumer-group view of the run stream. Delivery is
// at-least-once; consumers ack after the run reaches a terminal state.
type Queue struct {
	rdb    *redis.Client
	stream string
	group  string
	log    *slog.Logger
}

// NewQueue creates a Queue over an existing Redis client.
func NewQueue(rdb *redis.Client, stream, group string, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{rdb: rdb, stream: stream, group: group, log: log.With("component", "run-queue")}
}

// EnsureGroup creates the stream and consumer group if absent. Safe to call
// from every process at startup.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", q.group, q.stream, err)
	}
	return nil
}

// Enqueue publishes a run task to the stream.
func (q *Queue) Enqueue(ctx context.Context, task RunTask) error {
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"run_id": task.RunID, "tenant_id": task.TenantID},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue run %s: %w", task.RunID, err)
	}
	return nil
}

// Fetch reads up to count fresh tasks for a consumer, blocking up to block.
// An empty result is not an error.
func (q *Queue) Fetch(ctx context.Context, consumer string, count int, block time.Duration) ([]Message, error) {
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", q.stream, err)
	}

	var msgs []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			msgs = append(msgs, decode(m))
		}
	}
	return msgs, nil
}

// Reclaim transfers entries that have been pending longer than minIdle to
// this consumer, so runs owned by a dead worker are re-delivered.
func (q *Queue) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]Message, error) {
	claimed, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reclaim pending on %s: %w", q.stream, err)
	}

	msgs := make([]Message, 0, len(claimed))
	for _, m := range claimed {
		msgs = append(msgs, decode(m))
	}
	if len(msgs) > 0 {
		q.log.Info("reclaimed stale pending runs", "count", len(msgs))
	}
	return msgs, nil
}

// Ack acknowledges a delivered entry.
func (q *Queue) Ack(ctx context.Context, id string) error {
	if err := q.rdb.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

func decode(m redis.XMessage) Message {
	task := RunTask{}
	if v, ok := m.Values["run_id"].(string); ok {
		task.RunID = v
	}
	if v, ok := m.Values["tenant_id"].(string); ok {
		task.TenantID = v
	}
	return Message{ID: m.ID, Task: task}
}
