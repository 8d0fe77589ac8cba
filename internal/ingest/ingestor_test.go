package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpsa/flowd/internal/repository"
	"github.com/openpsa/flowd/internal/schema"
	"github.com/openpsa/flowd/internal/stream"
	"github.com/openpsa/flowd/pkg/models"
)

// fakeQueue records enqueued run tasks.
type fakeQueue struct {
	tasks []stream.RunTask
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, task stream.RunTask) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

// fakeDedup is an in-memory stand-in for the Redis processed set.
type fakeDedup struct {
	seen map[string]string
}

func (d *fakeDedup) Mark(_ context.Context, key, eventID string) (bool, error) {
	if _, ok := d.seen[key]; ok {
		return false, nil
	}
	d.seen[key] = eventID
	return true, nil
}

func (d *fakeDedup) Seen(_ context.Context, key string) (string, error) {
	return d.seen[key], nil
}

func (d *fakeDedup) Clear(_ context.Context, key string) error {
	delete(d.seen, key)
	return nil
}

func ticketSchema() schema.Document {
	return schema.Document{
		"type":     "object",
		"required": []any{"ticket"},
		"properties": map[string]any{
			"ticket": map[string]any{
				"type":     "object",
				"required": []any{"id"},
				"properties": map[string]any{
					"id":      map[string]any{"type": "number"},
					"subject": map[string]any{"type": "string"},
				},
			},
		},
	}
}

func newFixture(t *testing.T) (*Ingestor, *repository.MemoryStore, *fakeQueue) {
	t.Helper()
	store := repository.NewMemoryStore()
	schemas := schema.NewRegistry(nil)
	require.NoError(t, schemas.RegisterCatalog("t1", "TICKET_CREATED", "payload.ticket_created.v1", ticketSchema()))
	queue := &fakeQueue{}
	dedup := &fakeDedup{seen: make(map[string]string)}
	return NewIngestor(store, schemas, queue, dedup, nil), store, queue
}

func publishDefinition(t *testing.T, store *repository.MemoryStore, name string) *models.WorkflowDefinition {
	t.Helper()
	def := &models.WorkflowDefinition{
		ID:                uuid.New().String(),
		TenantID:          "t1",
		Name:              name,
		Version:           1,
		Status:            models.DefinitionStatusPublished,
		TriggerEventName:  "TICKET_CREATED",
		PayloadSchemaMode: models.SchemaModePinned,
		PayloadSchemaRef:  "payload.ticket_created.v1",
		Steps:             []models.Step{{ID: "s1", Type: models.StepActionCall, ActionID: "noop"}},
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	require.NoError(t, store.SaveDefinition(context.Background(), def))
	return def
}

func ticketEvent(correlationKey string) *models.Event {
	return &models.Event{
		TenantID:       "t1",
		Name:           "TICKET_CREATED",
		CorrelationKey: correlationKey,
		Payload: map[string]any{
			"ticket": map[string]any{"id": float64(42), "subject": "printer on fire"},
		},
	}
}

func TestIngestCreatesRunPerMatchingDefinition(t *testing.T) {
	ing, store, queue := newFixture(t)
	publishDefinition(t, store, "escalate-ticket")
	publishDefinition(t, store, "notify-owner")

	// a draft and another tenant's definition must not match
	draft := publishDefinition(t, store, "still-drafting")
	draft.Status = models.DefinitionStatusDraft
	require.NoError(t, store.SaveDefinition(context.Background(), draft))
	other := publishDefinition(t, store, "elsewhere")
	other.TenantID = "t2"
	require.NoError(t, store.SaveDefinition(context.Background(), other))

	res, err := ing.Ingest(context.Background(), ticketEvent("evt-1"))
	require.NoError(t, err)
	assert.Len(t, res.RunIDs, 2)
	assert.Len(t, queue.tasks, 2)

	runs, err := store.ListRunsByEvent(context.Background(), "t1", res.EventID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, models.RunStatusPending, run.Status)
		assert.Equal(t, res.EventID, run.EventID)
	}
}

func TestIngestNoMatchingDefinitionStillPersistsEvent(t *testing.T) {
	ing, store, queue := newFixture(t)

	res, err := ing.Ingest(context.Background(), ticketEvent("evt-orphan"))
	require.NoError(t, err)
	assert.Empty(t, res.RunIDs)
	assert.Empty(t, queue.tasks)

	stored, err := store.GetEvent(context.Background(), "t1", res.EventID)
	require.NoError(t, err)
	assert.Equal(t, "evt-orphan", stored.CorrelationKey)
}

func TestIngestDuplicateDeliveryIsIdempotent(t *testing.T) {
	ing, store, queue := newFixture(t)
	publishDefinition(t, store, "escalate-ticket")

	first, err := ing.Ingest(context.Background(), ticketEvent("evt-dup"))
	require.NoError(t, err)
	require.Len(t, first.RunIDs, 1)

	// a worker picked the run up in the meantime
	run, err := store.GetRun(context.Background(), first.RunIDs[0])
	require.NoError(t, err)
	now := time.Now().UTC()
	run.Status = models.RunStatusRunning
	run.StartedAt = &now
	require.NoError(t, store.UpdateRun(context.Background(), run))

	_, err = ing.Ingest(context.Background(), ticketEvent("evt-dup"))
	var dup *models.DuplicateEventError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.EventID, dup.EventID)
	assert.Equal(t, first.RunIDs, dup.RunIDs)
	assert.Len(t, queue.tasks, 1, "started runs are not announced again")
}

func TestIngestDuplicateWithoutFastPath(t *testing.T) {
	store := repository.NewMemoryStore()
	schemas := schema.NewRegistry(nil)
	require.NoError(t, schemas.RegisterCatalog("t1", "TICKET_CREATED", "payload.ticket_created.v1", ticketSchema()))
	queue := &fakeQueue{}
	ing := NewIngestor(store, schemas, queue, nil, nil)
	publishDefinition(t, store, "escalate-ticket")

	first, err := ing.Ingest(context.Background(), ticketEvent("evt-dup"))
	require.NoError(t, err)

	// the store's unique constraint alone catches the redelivery; the
	// still-pending run is announced again, no new run is created
	_, err = ing.Ingest(context.Background(), ticketEvent("evt-dup"))
	var dup *models.DuplicateEventError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.EventID, dup.EventID)
	assert.Equal(t, first.RunIDs, dup.RunIDs)
	require.Len(t, queue.tasks, 2)
	assert.Equal(t, queue.tasks[0].RunID, queue.tasks[1].RunID)
}

func TestIngestRejectsNonConformingPayload(t *testing.T) {
	ing, _, queue := newFixture(t)

	event := ticketEvent("evt-bad")
	event.Payload = map[string]any{"ticket": map[string]any{"subject": "no id"}}

	_, err := ing.Ingest(context.Background(), event)
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "payload.ticket_created.v1", ve.SchemaRef)
	require.NotEmpty(t, ve.Issues)
	assert.Empty(t, queue.tasks, "rejected events never reach the queue")
}

func TestIngestRejectsMissingIdentityFields(t *testing.T) {
	ing, _, _ := newFixture(t)

	_, err := ing.Ingest(context.Background(), &models.Event{TenantID: "t1"})
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
	paths := make([]string, 0, len(ve.Issues))
	for _, issue := range ve.Issues {
		paths = append(paths, issue.Path)
	}
	assert.Contains(t, paths, "/eventName")
	assert.Contains(t, paths, "/correlationKey")
}

func TestIngestUnknownSchemaRefIsHardError(t *testing.T) {
	ing, _, _ := newFixture(t)

	event := ticketEvent("evt-unknown-ref")
	event.PayloadSchemaRef = "payload.never_registered.v9"

	_, err := ing.Ingest(context.Background(), event)
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "payload.never_registered.v9", ve.SchemaRef)
}

func TestIngestUnknownEventNameWithoutCatalogBinding(t *testing.T) {
	ing, _, _ := newFixture(t)

	event := ticketEvent("evt-nocat")
	event.Name = "INVOICE_PAID"

	_, err := ing.Ingest(context.Background(), event)
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestIngestEnqueueFailureSurfaces(t *testing.T) {
	ing, store, queue := newFixture(t)
	publishDefinition(t, store, "escalate-ticket")
	queue.err = errors.New("stream unavailable")

	_, err := ing.Ingest(context.Background(), ticketEvent("evt-queue-down"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream unavailable")
}

func TestIngestFrozenContractSurvivesCatalogChange(t *testing.T) {
	store := repository.NewMemoryStore()
	schemas := schema.NewRegistry(nil)
	require.NoError(t, schemas.RegisterCatalog("t1", "TICKET_CREATED", "payload.ticket_created.v1", ticketSchema()))
	queue := &fakeQueue{}
	ing := NewIngestor(store, schemas, queue, nil, nil)

	// publishing froze the contract under a snapshot ref
	frozen, err := schemas.RegisterSnapshot("t1", ticketSchema())
	require.NoError(t, err)
	def := publishDefinition(t, store, "escalate-ticket")
	def.PayloadSchemaMode = models.SchemaModeInferred
	def.PayloadSchemaRef = frozen
	require.NoError(t, store.SaveDefinition(context.Background(), def))

	// the catalog later starts requiring a field old senders never shipped
	stricter := ticketSchema()
	stricter["required"] = []any{"ticket", "reporter"}
	require.NoError(t, schemas.RegisterCatalog("t1", "TICKET_CREATED", "payload.ticket_created.v1", stricter))

	res, err := ing.Ingest(context.Background(), ticketEvent("evt-old-shape"))
	require.NoError(t, err)
	assert.Len(t, res.RunIDs, 1, "the frozen contract, not the live catalog, gates run creation")
	assert.Len(t, queue.tasks, 1)
}

func TestIngestSkipsDefinitionOutsideFrozenContract(t *testing.T) {
	store := repository.NewMemoryStore()
	schemas := schema.NewRegistry(nil)
	require.NoError(t, schemas.RegisterCatalog("t1", "TICKET_CREATED", "payload.ticket_created.v1", ticketSchema()))
	queue := &fakeQueue{}
	ing := NewIngestor(store, schemas, queue, nil, nil)

	catalogBound := publishDefinition(t, store, "notify-owner")

	strict := ticketSchema()
	strict["required"] = []any{"ticket", "approver"}
	frozen, err := schemas.RegisterSnapshot("t1", strict)
	require.NoError(t, err)
	strictDef := publishDefinition(t, store, "needs-approver")
	strictDef.PayloadSchemaRef = frozen
	require.NoError(t, store.SaveDefinition(context.Background(), strictDef))

	res, err := ing.Ingest(context.Background(), ticketEvent("evt-partial"))
	require.NoError(t, err)
	require.Len(t, res.RunIDs, 1, "only the definition whose contract accepts the payload runs")

	run, err := store.GetRun(context.Background(), res.RunIDs[0])
	require.NoError(t, err)
	assert.Equal(t, catalogBound.ID, run.DefinitionID)
}

// flakyRunStore simulates a store outage confined to run creation.
type flakyRunStore struct {
	*repository.MemoryStore
	failCreates bool
}

func (s *flakyRunStore) CreateRun(ctx context.Context, run *models.WorkflowRun) error {
	if s.failCreates {
		return errors.New("connection reset")
	}
	return s.MemoryStore.CreateRun(ctx, run)
}

func TestIngestRedeliveryRepairsUnqueuedRun(t *testing.T) {
	ing, store, queue := newFixture(t)
	def := publishDefinition(t, store, "escalate-ticket")

	queue.err = errors.New("stream unavailable")
	_, err := ing.Ingest(context.Background(), ticketEvent("evt-outage"))
	require.Error(t, err)

	// the event is durable; the redelivery finishes the job
	queue.err = nil
	_, err = ing.Ingest(context.Background(), ticketEvent("evt-outage"))
	var dup *models.DuplicateEventError
	require.ErrorAs(t, err, &dup)
	require.Len(t, dup.RunIDs, 1)
	require.Len(t, queue.tasks, 1)
	assert.Equal(t, dup.RunIDs[0], queue.tasks[0].RunID)

	run, err := store.GetRun(context.Background(), dup.RunIDs[0])
	require.NoError(t, err)
	assert.Equal(t, def.ID, run.DefinitionID)
	assert.Equal(t, models.RunStatusPending, run.Status)
}

func TestIngestRedeliveryCreatesMissingRun(t *testing.T) {
	store := &flakyRunStore{MemoryStore: repository.NewMemoryStore(), failCreates: true}
	schemas := schema.NewRegistry(nil)
	require.NoError(t, schemas.RegisterCatalog("t1", "TICKET_CREATED", "payload.ticket_created.v1", ticketSchema()))
	queue := &fakeQueue{}
	ing := NewIngestor(store, schemas, queue, nil, nil)
	def := publishDefinition(t, store.MemoryStore, "escalate-ticket")

	_, err := ing.Ingest(context.Background(), ticketEvent("evt-cut"))
	require.Error(t, err)
	assert.Empty(t, queue.tasks)

	store.failCreates = false
	_, err = ing.Ingest(context.Background(), ticketEvent("evt-cut"))
	var dup *models.DuplicateEventError
	require.ErrorAs(t, err, &dup)
	require.Len(t, dup.RunIDs, 1)
	require.Len(t, queue.tasks, 1)

	run, err := store.GetRun(context.Background(), dup.RunIDs[0])
	require.NoError(t, err)
	assert.Equal(t, def.ID, run.DefinitionID)
	assert.Equal(t, models.RunStatusPending, run.Status)
}
