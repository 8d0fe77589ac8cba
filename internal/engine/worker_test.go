package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpsa/flowd/internal/actions"
	"github.com/openpsa/flowd/internal/repository"
	"github.com/openpsa/flowd/internal/stream"
	"github.com/openpsa/flowd/pkg/models"
)

// memoryTaskQueue drives the worker loop without Redis: fetched entries stay
// pending until acked and reclaim re-delivers whatever is still pending.
type memoryTaskQueue struct {
	mu         sync.Mutex
	backlog    []stream.Message
	pending    map[string]stream.Message
	acked      []string
	deliveries int
}

func newMemoryTaskQueue() *memoryTaskQueue {
	return &memoryTaskQueue{pending: make(map[string]stream.Message)}
}

func (q *memoryTaskQueue) add(id, runID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backlog = append(q.backlog, stream.Message{ID: id, Task: stream.RunTask{RunID: runID, TenantID: "t1"}})
}

func (q *memoryTaskQueue) EnsureGroup(context.Context) error { return nil }

func (q *memoryTaskQueue) Fetch(ctx context.Context, _ string, count int, _ time.Duration) ([]stream.Message, error) {
	q.mu.Lock()
	if len(q.backlog) == 0 {
		q.mu.Unlock()
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Millisecond):
		}
		return nil, nil
	}
	n := min(count, len(q.backlog))
	msgs := q.backlog[:n]
	q.backlog = q.backlog[n:]
	for _, m := range msgs {
		q.pending[m.ID] = m
	}
	q.deliveries += len(msgs)
	q.mu.Unlock()
	return msgs, nil
}

func (q *memoryTaskQueue) Reclaim(_ context.Context, _ string, _ time.Duration, _ int) ([]stream.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := make([]stream.Message, 0, len(q.pending))
	for _, m := range q.pending {
		msgs = append(msgs, m)
	}
	q.deliveries += len(msgs)
	return msgs, nil
}

func (q *memoryTaskQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, id)
	q.acked = append(q.acked, id)
	return nil
}

func (q *memoryTaskQueue) ackedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

func (q *memoryTaskQueue) deliveryCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deliveries
}

// flakyStore simulates a database outage visible to the engine.
type flakyStore struct {
	repository.Store
	mu   sync.Mutex
	fail bool
}

func (s *flakyStore) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

func (s *flakyStore) GetRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	return s.Store.GetRun(ctx, id)
}

func TestWorkerAcksTerminalAndMissingRuns(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register("tickets.add_comment", 0, recording(h.rec, "tickets.add_comment", nil)))
	runID := h.seedRun(t, []models.Step{{
		ID: "s1", Type: models.StepActionCall, ActionID: "tickets.add_comment",
	}})

	q := newMemoryTaskQueue()
	q.add("1-0", runID)
	q.add("1-1", uuid.New().String()) // run that no longer exists

	w := NewWorker(q, h.engine, "c1", 2, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return q.ackedCount() == 2 }, 5*time.Second, 10*time.Millisecond,
		"terminal runs and dropped entries are both acked")
	cancel()
	require.NoError(t, <-done)

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.Equal(t, 1, h.rec.count("tickets.add_comment"))
}

func TestWorkerLeavesFailedExecutionForRedelivery(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register("tickets.add_comment", 0, recording(h.rec, "tickets.add_comment", nil)))
	runID := h.seedRun(t, []models.Step{{
		ID: "s1", Type: models.StepActionCall, ActionID: "tickets.add_comment",
	}})

	store := &flakyStore{Store: h.store, fail: true}
	eng := New(store, actions.NewInvoker(h.reg, fastPolicy(), nil), nil)

	q := newMemoryTaskQueue()
	q.add("1-0", runID)
	w := NewWorker(q, eng, "c1", 1, 20*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// infra errors never ack; the entry keeps coming back via reclaim
	require.Eventually(t, func() bool { return q.deliveryCount() >= 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, q.ackedCount())

	store.setFail(false)
	require.Eventually(t, func() bool { return q.ackedCount() >= 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.Equal(t, 1, h.rec.count("tickets.add_comment"))
}
