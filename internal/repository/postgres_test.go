package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/openpsa/flowd/pkg/models"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	require.NoError(t, Migrate(ctx, pool))
	store := NewPostgresStore(pool)

	t.Run("definitions round-trip and resolve by trigger", func(t *testing.T) {
		def := &models.WorkflowDefinition{
			ID:                uuid.New().String(),
			TenantID:          "t1",
			Name:              "greet-on-ticket",
			Version:           1,
			Status:            models.DefinitionStatusPublished,
			TriggerEventName:  "TICKET_CREATED",
			PayloadSchemaMode: models.SchemaModePinned,
			PayloadSchemaRef:  "payload.ticket_created.v1",
			Steps: []models.Step{{
				ID:       "s1",
				Type:     models.StepActionCall,
				ActionID: "tickets.add_comment",
				Input:    map[string]string{"body": "'hello from workflow'"},
				SaveAs:   "comment",
			}},
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		require.NoError(t, store.SaveDefinition(ctx, def))

		got, err := store.GetDefinition(ctx, "t1", def.ID)
		require.NoError(t, err)
		assert.Equal(t, def.Steps, got.Steps)
		assert.Equal(t, def.PayloadSchemaRef, got.PayloadSchemaRef)

		byTrigger, err := store.ListPublishedByTrigger(ctx, "t1", "TICKET_CREATED")
		require.NoError(t, err)
		require.Len(t, byTrigger, 1)
		assert.Equal(t, def.ID, byTrigger[0].ID)

		_, err = store.GetDefinition(ctx, "other-tenant", def.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("event dedup key is unique", func(t *testing.T) {
		event := &models.Event{
			ID:               uuid.New().String(),
			TenantID:         "t1",
			Name:             "TICKET_CREATED",
			CorrelationKey:   "K1",
			PayloadSchemaRef: "payload.ticket_created.v1",
			Payload:          map[string]any{"ticket": map[string]any{"id": float64(1)}},
			ReceivedAt:       time.Now().UTC(),
		}
		require.NoError(t, store.InsertEvent(ctx, event))

		dup := *event
		dup.ID = uuid.New().String()
		err := store.InsertEvent(ctx, &dup)
		assert.ErrorIs(t, err, models.ErrDuplicateKey)

		found, err := store.FindEventByCorrelation(ctx, "t1", "TICKET_CREATED", "K1")
		require.NoError(t, err)
		assert.Equal(t, event.ID, found.ID)
	})

	t.Run("runs and steps", func(t *testing.T) {
		run := &models.WorkflowRun{
			ID:                uuid.New().String(),
			TenantID:          "t1",
			DefinitionID:      uuid.New().String(),
			DefinitionVersion: 1,
			EventID:           uuid.New().String(),
			Status:            models.RunStatusPending,
			CreatedAt:         time.Now().UTC(),
		}
		require.NoError(t, store.CreateRun(ctx, run))

		now := time.Now().UTC()
		run.Status = models.RunStatusRunning
		run.StartedAt = &now
		run.Vars = map[string]any{"comment": map[string]any{"id": float64(7)}}
		require.NoError(t, store.UpdateRun(ctx, run))

		step := &models.StepInvocation{
			ID:               uuid.New().String(),
			RunID:            run.ID,
			DefinitionStepID: "s1",
			Status:           models.StepStatusRunning,
			Attempts:         1,
			StartedAt:        now,
		}
		require.NoError(t, store.CreateStep(ctx, step))

		step.Status = models.StepStatusSucceeded
		step.Output = map[string]any{"comment_id": float64(7)}
		step.CompletedAt = &now
		require.NoError(t, store.UpdateStep(ctx, step))

		// terminal steps are immutable
		step.Status = models.StepStatusFailed
		assert.Error(t, store.UpdateStep(ctx, step))

		run.Status = models.RunStatusSucceeded
		run.CompletedAt = &now
		require.NoError(t, store.UpdateRun(ctx, run))

		// terminal runs are immutable
		run.Status = models.RunStatusRunning
		assert.Error(t, store.UpdateRun(ctx, run))

		got, err := store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusSucceeded, got.Status)

		steps, err := store.ListSteps(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, models.StepStatusSucceeded, steps[0].Status)
		assert.Equal(t, 1, steps[0].Attempts)
	})

	t.Run("parent run linkage round-trips", func(t *testing.T) {
		now := time.Now().UTC()
		eventID := uuid.New().String()
		parent := &models.WorkflowRun{
			ID:                uuid.New().String(),
			TenantID:          "t1",
			DefinitionID:      uuid.New().String(),
			DefinitionVersion: 1,
			EventID:           eventID,
			Status:            models.RunStatusRunning,
			CreatedAt:         now,
			StartedAt:         &now,
		}
		require.NoError(t, store.CreateRun(ctx, parent))

		child := &models.WorkflowRun{
			ID:                uuid.New().String(),
			TenantID:          "t1",
			DefinitionID:      uuid.New().String(),
			DefinitionVersion: 1,
			EventID:           eventID,
			ParentRunID:       parent.ID,
			Status:            models.RunStatusPending,
			CreatedAt:         now,
		}
		require.NoError(t, store.CreateRun(ctx, child))

		got, err := store.GetRun(ctx, parent.ID)
		require.NoError(t, err)
		assert.Empty(t, got.ParentRunID)

		gotChild, err := store.GetRun(ctx, child.ID)
		require.NoError(t, err)
		assert.Equal(t, parent.ID, gotChild.ParentRunID)

		runs, err := store.ListRunsByEvent(ctx, "t1", eventID)
		require.NoError(t, err)
		assert.Len(t, runs, 2)
	})
}
