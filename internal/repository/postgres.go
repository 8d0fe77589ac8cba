package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openpsa/flowd/pkg/models"
)

// PostgresStore is the PostgreSQL implementation of Store.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgUniqueViolation = "23505"

func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w", what, models.ErrDuplicateKey)
	}
	return err
}

// SaveDefinition inserts or replaces a definition version.
func (s *PostgresStore) SaveDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_definitions
			(id, tenant_id, name, version, status, trigger_event_name,
			 payload_schema_mode, payload_schema_ref, steps, created_at, updated_at, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			trigger_event_name = EXCLUDED.trigger_event_name,
			payload_schema_mode = EXCLUDED.payload_schema_mode,
			payload_schema_ref = EXCLUDED.payload_schema_ref,
			steps = EXCLUDED.steps,
			updated_at = EXCLUDED.updated_at,
			published_at = EXCLUDED.published_at`,
		def.ID, def.TenantID, def.Name, def.Version, def.Status, def.TriggerEventName,
		def.PayloadSchemaMode, def.PayloadSchemaRef, steps, def.CreatedAt, def.UpdatedAt, def.PublishedAt)
	return mapErr(err, "definition "+def.ID)
}

const definitionColumns = `id, tenant_id, name, version, status, trigger_event_name,
	payload_schema_mode, payload_schema_ref, steps, created_at, updated_at, published_at`

func scanDefinition(row pgx.Row) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	var steps []byte
	err := row.Scan(&def.ID, &def.TenantID, &def.Name, &def.Version, &def.Status,
		&def.TriggerEventName, &def.PayloadSchemaMode, &def.PayloadSchemaRef,
		&steps, &def.CreatedAt, &def.UpdatedAt, &def.PublishedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &def.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return &def, nil
}

// GetDefinition retrieves a definition by id.
func (s *PostgresStore) GetDefinition(ctx context.Context, tenantID, id string) (*models.WorkflowDefinition, error) {
	def, err := scanDefinition(s.db.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE tenant_id = $1 AND id = $2`,
		tenantID, id))
	return def, mapErr(err, "definition "+id)
}

// GetDefinitionVersion retrieves a specific published version by name.
func (s *PostgresStore) GetDefinitionVersion(ctx context.Context, tenantID, name string, version int) (*models.WorkflowDefinition, error) {
	def, err := scanDefinition(s.db.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions
		 WHERE tenant_id = $1 AND name = $2 AND version = $3 AND status = 'published'`,
		tenantID, name, version))
	return def, mapErr(err, fmt.Sprintf("definition %s v%d", name, version))
}

// LatestPublished retrieves the highest published version by name.
func (s *PostgresStore) LatestPublished(ctx context.Context, tenantID, name string) (*models.WorkflowDefinition, error) {
	def, err := scanDefinition(s.db.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions
		 WHERE tenant_id = $1 AND name = $2 AND status = 'published'
		 ORDER BY version DESC LIMIT 1`,
		tenantID, name))
	return def, mapErr(err, "definition "+name)
}

// ListPublishedByTrigger lists published definitions triggered by an event name.
func (s *PostgresStore) ListPublishedByTrigger(ctx context.Context, tenantID, eventName string) ([]*models.WorkflowDefinition, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions
		 WHERE tenant_id = $1 AND trigger_event_name = $2 AND status = 'published'
		 ORDER BY name, version`,
		tenantID, eventName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*models.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// InsertEvent stores an event; the unique constraint on
// (tenant_id, name, correlation_key) yields models.ErrDuplicateKey on
// concurrent or repeated delivery.
func (s *PostgresStore) InsertEvent(ctx context.Context, event *models.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO events (id, tenant_id, name, correlation_key, payload_schema_ref, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.TenantID, event.Name, event.CorrelationKey,
		event.PayloadSchemaRef, payload, event.ReceivedAt)
	return mapErr(err, "event "+event.DedupKey())
}

func scanEvent(row pgx.Row) (*models.Event, error) {
	var event models.Event
	var payload []byte
	err := row.Scan(&event.ID, &event.TenantID, &event.Name, &event.CorrelationKey,
		&event.PayloadSchemaRef, &payload, &event.ReceivedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &event.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &event, nil
}

// GetEvent retrieves an event by id.
func (s *PostgresStore) GetEvent(ctx context.Context, tenantID, id string) (*models.Event, error) {
	event, err := scanEvent(s.db.QueryRow(ctx,
		`SELECT id, tenant_id, name, correlation_key, payload_schema_ref, payload, received_at
		 FROM events WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	return event, mapErr(err, "event "+id)
}

// FindEventByCorrelation retrieves an event by its dedup identity.
func (s *PostgresStore) FindEventByCorrelation(ctx context.Context, tenantID, name, correlationKey string) (*models.Event, error) {
	event, err := scanEvent(s.db.QueryRow(ctx,
		`SELECT id, tenant_id, name, correlation_key, payload_schema_ref, payload, received_at
		 FROM events WHERE tenant_id = $1 AND name = $2 AND correlation_key = $3`,
		tenantID, name, correlationKey))
	return event, mapErr(err, "event "+name+":"+correlationKey)
}

// CreateRun stores a new run.
func (s *PostgresStore) CreateRun(ctx context.Context, run *models.WorkflowRun) error {
	vars, err := json.Marshal(run.Vars)
	if err != nil {
		return fmt.Errorf("marshal vars: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_runs
			(id, tenant_id, definition_id, definition_version, event_id, parent_run_id,
			 status, vars, error, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.TenantID, run.DefinitionID, run.DefinitionVersion, run.EventID,
		nullIfEmpty(run.ParentRunID), run.Status, vars, run.Error, run.CreatedAt, run.StartedAt, run.CompletedAt)
	return mapErr(err, "run "+run.ID)
}

// nullIfEmpty maps the model's empty no-parent string to a NULL uuid column.
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanRun(row pgx.Row) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	var vars []byte
	var parent *string
	err := row.Scan(&run.ID, &run.TenantID, &run.DefinitionID, &run.DefinitionVersion,
		&run.EventID, &parent, &run.Status, &vars, &run.Error,
		&run.CreatedAt, &run.StartedAt, &run.CompletedAt)
	if err != nil {
		return nil, err
	}
	if parent != nil {
		run.ParentRunID = *parent
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &run.Vars); err != nil {
			return nil, fmt.Errorf("unmarshal vars: %w", err)
		}
	}
	return &run, nil
}

const runColumns = `id, tenant_id, definition_id, definition_version, event_id, parent_run_id,
	status, vars, error, created_at, started_at, completed_at`

// GetRun retrieves a run by id.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	run, err := scanRun(s.db.QueryRow(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id))
	return run, mapErr(err, "run "+id)
}

// UpdateRun replaces a run's mutable state. The status guard keeps terminal
// runs immutable even under racing workers.
func (s *PostgresStore) UpdateRun(ctx context.Context, run *models.WorkflowRun) error {
	vars, err := json.Marshal(run.Vars)
	if err != nil {
		return fmt.Errorf("marshal vars: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE workflow_runs
		SET status = $1, vars = $2, error = $3, started_at = $4, completed_at = $5
		WHERE id = $6 AND status NOT IN ('SUCCEEDED', 'FAILED', 'CANCELED')`,
		run.Status, vars, run.Error, run.StartedAt, run.CompletedAt, run.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not updatable (missing or terminal)", run.ID)
	}
	return nil
}

// ListRunsByEvent lists the runs an event produced.
func (s *PostgresStore) ListRunsByEvent(ctx context.Context, tenantID, eventID string) ([]*models.WorkflowRun, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE tenant_id = $1 AND event_id = $2 ORDER BY created_at`,
		tenantID, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CreateStep stores a new step invocation.
func (s *PostgresStore) CreateStep(ctx context.Context, step *models.StepInvocation) error {
	output, err := json.Marshal(step.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO step_invocations
			(id, run_id, definition_step_id, status, attempts, output, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		step.ID, step.RunID, step.DefinitionStepID, step.Status, step.Attempts,
		output, step.Error, step.StartedAt, step.CompletedAt)
	return mapErr(err, "step invocation "+step.ID)
}

// UpdateStep replaces a step invocation's mutable state; terminal records
// stay immutable.
func (s *PostgresStore) UpdateStep(ctx context.Context, step *models.StepInvocation) error {
	output, err := json.Marshal(step.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE step_invocations
		SET status = $1, attempts = $2, output = $3, error = $4, completed_at = $5
		WHERE id = $6 AND status NOT IN ('SUCCEEDED', 'FAILED', 'SKIPPED')`,
		step.Status, step.Attempts, output, step.Error, step.CompletedAt, step.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("step invocation %s not updatable (missing or terminal)", step.ID)
	}
	return nil
}

// ListSteps lists a run's step invocations in creation order.
func (s *PostgresStore) ListSteps(ctx context.Context, runID string) ([]*models.StepInvocation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, run_id, definition_step_id, status, attempts, output, error, started_at, completed_at
		FROM step_invocations WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*models.StepInvocation
	for rows.Next() {
		var step models.StepInvocation
		var output []byte
		if err := rows.Scan(&step.ID, &step.RunID, &step.DefinitionStepID, &step.Status,
			&step.Attempts, &output, &step.Error, &step.StartedAt, &step.CompletedAt); err != nil {
			return nil, err
		}
		if len(output) > 0 {
			if err := json.Unmarshal(output, &step.Output); err != nil {
				return nil, fmt.Errorf("unmarshal output: %w", err)
			}
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}
