// Package ingest consumes inbound business events: schema validation,
// idempotent deduplication and run creation for every matching published
// workflow definition.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openpsa/flowd/internal/repository"
	"github.com/openpsa/flowd/internal/schema"
	"github.com/openpsa/flowd/internal/stream"
	"github.com/openpsa/flowd/pkg/models"
)

// Enqueuer schedules a created run for execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, task stream.RunTask) error
}

// Deduper is the TTL'd processed-set fast path. It may be nil; the events
// table's unique constraint alone still guarantees idempotency.
type Deduper interface {
	Mark(ctx context.Context, key, eventID string) (bool, error)
	Seen(ctx context.Context, key string) (string, error)
	Clear(ctx context.Context, key string) error
}

// Result is the outcome of an accepted ingestion.
type Result struct {
	EventID string   `json:"event_id"`
	RunIDs  []string `json:"run_ids"`
}

// Ingestor implements the event ingestion contract.
type Ingestor struct {
	store   repository.Store
	schemas *schema.Registry
	queue   Enqueuer
	dedup   Deduper
	log     *slog.Logger
}

// NewIngestor creates an Ingestor.
func NewIngestor(store repository.Store, schemas *schema.Registry, queue Enqueuer, dedup Deduper, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{store: store, schemas: schemas, queue: queue, dedup: dedup,
		log: log.With("component", "ingestor")}
}

// Ingest validates and persists an event, creating one PENDING run per
// matching published definition. The contract each run is gated on is the
// definition's frozen payload schema, not the live catalog binding, so a
// later catalog change never affects already-published versions. Re-delivery
// of the same (tenant, eventName, correlationKey) returns
// *models.DuplicateEventError carrying the original runs. Malformed or
// non-conforming payloads return *models.ValidationError.
func (ing *Ingestor) Ingest(ctx context.Context, event *models.Event) (*Result, error) {
	if err := ing.checkShape(event); err != nil {
		return nil, err
	}

	ref, err := ing.resolveSchemaRef(event)
	if err != nil {
		return nil, err
	}
	event.PayloadSchemaRef = ref

	defs, err := ing.store.ListPublishedByTrigger(ctx, event.TenantID, event.Name)
	if err != nil {
		return nil, fmt.Errorf("match definitions for %s: %w", event.Name, err)
	}
	eligible, err := ing.matchContracts(event, ref, defs)
	if err != nil {
		return nil, err
	}

	key := event.DedupKey()
	if ing.dedup != nil {
		if eventID, err := ing.dedup.Seen(ctx, key); err != nil {
			ing.log.Warn("dedup fast path unavailable, relying on store constraint", "error", err)
		} else if eventID != "" {
			return nil, ing.duplicate(ctx, event.TenantID, eventID, eligible)
		}
	}

	event.ID = uuid.New().String()
	event.ReceivedAt = time.Now().UTC()

	if err := ing.store.InsertEvent(ctx, event); err != nil {
		if errors.Is(err, models.ErrDuplicateKey) {
			existing, ferr := ing.store.FindEventByCorrelation(ctx, event.TenantID, event.Name, event.CorrelationKey)
			if ferr != nil {
				return nil, fmt.Errorf("lookup duplicate event %s: %w", key, ferr)
			}
			return nil, ing.duplicate(ctx, event.TenantID, existing.ID, eligible)
		}
		return nil, fmt.Errorf("persist event %s: %w", key, err)
	}

	if ing.dedup != nil {
		if _, err := ing.dedup.Mark(ctx, key, event.ID); err != nil {
			ing.log.Warn("failed to mark dedup record", "key", key, "error", err)
		}
	}

	runIDs, err := ing.createRuns(ctx, event, eligible)
	if err != nil {
		if ing.dedup != nil {
			// without the mark the retry falls through to the store
			// constraint and the reconciling duplicate path
			if cerr := ing.dedup.Clear(ctx, key); cerr != nil {
				ing.log.Warn("failed to clear dedup record", "key", key, "error", cerr)
			}
		}
		return nil, err
	}

	ing.log.Info("event accepted", "event", event.Name, "correlation_key", event.CorrelationKey,
		"tenant", event.TenantID, "runs", len(runIDs))
	return &Result{EventID: event.ID, RunIDs: runIDs}, nil
}

func (ing *Ingestor) checkShape(event *models.Event) error {
	var issues []models.Issue
	if event.TenantID == "" {
		issues = append(issues, models.Issue{Path: "/tenantId", Message: "tenant is required"})
	}
	if event.Name == "" {
		issues = append(issues, models.Issue{Path: "/eventName", Message: "event name is required"})
	}
	if event.CorrelationKey == "" {
		issues = append(issues, models.Issue{Path: "/correlationKey", Message: "correlation key is required"})
	}
	if len(issues) > 0 {
		return &models.ValidationError{SchemaRef: event.PayloadSchemaRef, Issues: issues}
	}
	return nil
}

// resolveSchemaRef checks the declared ref is known, falling back to the
// catalog binding for the event name. System events always require a catalog
// schema; an unknown schema is a hard error, not a warning.
func (ing *Ingestor) resolveSchemaRef(event *models.Event) (string, error) {
	ref := event.PayloadSchemaRef
	if ref == "" {
		catalogRef, ok := ing.schemas.CatalogRef(event.TenantID, event.Name)
		if !ok {
			return "", &models.ValidationError{
				SchemaRef: "",
				Issues: []models.Issue{{
					Path:    "/payloadSchemaRef",
					Message: fmt.Sprintf("no catalog schema registered for event %s", event.Name),
				}},
			}
		}
		return catalogRef, nil
	}
	if _, err := ing.schemas.ResolveDocument(event.TenantID, ref); err != nil {
		return "", &models.ValidationError{
			SchemaRef: ref,
			Issues:    []models.Issue{{Path: "/payloadSchemaRef", Message: "unknown payload schema ref"}},
		}
	}
	return ref, nil
}

// matchContracts filters the published definitions for this trigger down to
// those whose frozen payload contract accepts the payload. When nothing is
// published, or nothing accepts the payload, the declared-or-catalog ref
// decides between acceptance without runs and a validation rejection.
func (ing *Ingestor) matchContracts(event *models.Event, ref string, defs []*models.WorkflowDefinition) ([]*models.WorkflowDefinition, error) {
	if len(defs) == 0 {
		if err := ing.schemas.Validate(event.TenantID, ref, event.Payload); err != nil {
			return nil, err
		}
		return nil, nil
	}

	eligible := make([]*models.WorkflowDefinition, 0, len(defs))
	for _, def := range defs {
		frozen := def.PayloadSchemaRef
		if frozen == "" {
			frozen = ref
		} else if _, err := ing.schemas.ResolveDocument(event.TenantID, frozen); err != nil {
			// snapshot from a previous process lifetime; the live binding stands in
			frozen = ref
		}
		if err := ing.schemas.Validate(event.TenantID, frozen, event.Payload); err != nil {
			var ve *models.ValidationError
			if !errors.As(err, &ve) {
				return nil, err
			}
			ing.log.Info("payload outside frozen contract, skipping definition",
				"definition", def.Name, "version", def.Version, "schema_ref", frozen)
			continue
		}
		eligible = append(eligible, def)
	}

	if len(eligible) == 0 {
		if err := ing.schemas.Validate(event.TenantID, ref, event.Payload); err != nil {
			return nil, err
		}
		ing.log.Warn("payload satisfies no published contract", "event", event.Name)
	}
	return eligible, nil
}

// duplicate reports a redelivered event: the stable answer is the original
// event id plus its runs. Before answering it repairs under-delivery left by
// a partially failed first delivery, creating runs for eligible definitions
// that have none and re-announcing runs that never started. Redelivery is
// the recovery path for a crash between event persistence and run creation.
func (ing *Ingestor) duplicate(ctx context.Context, tenantID, eventID string, eligible []*models.WorkflowDefinition) error {
	runs, err := ing.store.ListRunsByEvent(ctx, tenantID, eventID)
	if err != nil {
		return fmt.Errorf("list runs for duplicate event %s: %w", eventID, err)
	}

	dup := &models.DuplicateEventError{EventID: eventID}
	byDef := make(map[string]bool, len(runs))
	for _, run := range runs {
		dup.RunIDs = append(dup.RunIDs, run.ID)
		if run.ParentRunID == "" {
			byDef[run.DefinitionID] = true
		}
		if run.Status == models.RunStatusPending && run.StartedAt == nil {
			// possibly never announced; a second announcement is safe under
			// at-least-once delivery
			if err := ing.queue.Enqueue(ctx, stream.RunTask{RunID: run.ID, TenantID: tenantID}); err != nil {
				return fmt.Errorf("re-enqueue run %s: %w", run.ID, err)
			}
		}
	}
	for _, def := range eligible {
		if byDef[def.ID] {
			continue
		}
		run, err := ing.startRun(ctx, tenantID, eventID, def)
		if err != nil {
			return err
		}
		ing.log.Info("created run missing from earlier delivery", "event_id", eventID, "definition", def.ID)
		dup.RunIDs = append(dup.RunIDs, run.ID)
	}

	ing.log.Info("duplicate event delivery ignored", "event_id", eventID, "runs", len(dup.RunIDs))
	return dup
}

func (ing *Ingestor) createRuns(ctx context.Context, event *models.Event, defs []*models.WorkflowDefinition) ([]string, error) {
	runIDs := make([]string, 0, len(defs))
	for _, def := range defs {
		run, err := ing.startRun(ctx, event.TenantID, event.ID, def)
		if err != nil {
			return nil, err
		}
		runIDs = append(runIDs, run.ID)
	}
	return runIDs, nil
}

func (ing *Ingestor) startRun(ctx context.Context, tenantID, eventID string, def *models.WorkflowDefinition) (*models.WorkflowRun, error) {
	run := &models.WorkflowRun{
		ID:                uuid.New().String(),
		TenantID:          tenantID,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		EventID:           eventID,
		Status:            models.RunStatusPending,
		CreatedAt:         time.Now().UTC(),
	}
	if err := ing.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run for definition %s: %w", def.ID, err)
	}
	if err := ing.queue.Enqueue(ctx, stream.RunTask{RunID: run.ID, TenantID: tenantID}); err != nil {
		return nil, fmt.Errorf("enqueue run %s: %w", run.ID, err)
	}
	return run, nil
}
