package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DDL is the schema for the runtime's durable state. The unique index on
// (tenant_id, name, correlation_key) is the idempotency authority for event
// ingestion.
const DDL = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	id                  UUID PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	name                TEXT NOT NULL,
	version             INT NOT NULL,
	status              TEXT NOT NULL,
	trigger_event_name  TEXT NOT NULL,
	payload_schema_mode TEXT NOT NULL,
	payload_schema_ref  TEXT NOT NULL DEFAULT '',
	steps               JSONB NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	published_at        TIMESTAMPTZ,
	UNIQUE (tenant_id, name, version)
);
CREATE INDEX IF NOT EXISTS idx_definitions_trigger
	ON workflow_definitions (tenant_id, trigger_event_name) WHERE status = 'published';

CREATE TABLE IF NOT EXISTS events (
	id                 UUID PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	name               TEXT NOT NULL,
	correlation_key    TEXT NOT NULL,
	payload_schema_ref TEXT NOT NULL,
	payload            JSONB NOT NULL,
	received_at        TIMESTAMPTZ NOT NULL,
	UNIQUE (tenant_id, name, correlation_key)
);

CREATE TABLE IF NOT EXISTS workflow_runs (
	id                 UUID PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	definition_id      UUID NOT NULL,
	definition_version INT NOT NULL,
	event_id           UUID NOT NULL,
	parent_run_id      UUID,
	status             TEXT NOT NULL,
	vars               JSONB,
	error              TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	started_at         TIMESTAMPTZ,
	completed_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_runs_event ON workflow_runs (tenant_id, event_id);

CREATE TABLE IF NOT EXISTS step_invocations (
	id                 UUID PRIMARY KEY,
	run_id             UUID NOT NULL,
	definition_step_id TEXT NOT NULL,
	status             TEXT NOT NULL,
	attempts           INT NOT NULL DEFAULT 0,
	output             JSONB,
	error              TEXT NOT NULL DEFAULT '',
	started_at         TIMESTAMPTZ NOT NULL,
	completed_at       TIMESTAMPTZ,
	seq                BIGSERIAL
);
CREATE INDEX IF NOT EXISTS idx_steps_run ON step_invocations (run_id, seq);
`

// Migrate applies the schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, DDL)
	return err
}
