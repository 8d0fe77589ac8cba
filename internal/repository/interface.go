// Package repository persists workflow definitions, ingested events, runs
// and step invocations. All run/step writes flow through the engine and all
// event writes through the ingestor; nothing else mutates these records.
package repository

import (
	"context"

	"github.com/openpsa/flowd/pkg/models"
)

// DefinitionStore stores workflow definition versions.
type DefinitionStore interface {
	// SaveDefinition inserts or replaces a definition version.
	SaveDefinition(ctx context.Context, def *models.WorkflowDefinition) error
	// GetDefinition retrieves a definition by id.
	GetDefinition(ctx context.Context, tenantID, id string) (*models.WorkflowDefinition, error)
	// GetDefinitionVersion retrieves a specific published version by name.
	GetDefinitionVersion(ctx context.Context, tenantID, name string, version int) (*models.WorkflowDefinition, error)
	// LatestPublished retrieves the highest published version by name.
	LatestPublished(ctx context.Context, tenantID, name string) (*models.WorkflowDefinition, error)
	// ListPublishedByTrigger lists published definitions triggered by an event name.
	ListPublishedByTrigger(ctx context.Context, tenantID, eventName string) ([]*models.WorkflowDefinition, error)
}

// EventStore stores ingested events. InsertEvent is the durable idempotency
// authority: it returns models.ErrDuplicateKey when an event with the same
// (tenant, name, correlation key) already exists.
type EventStore interface {
	InsertEvent(ctx context.Context, event *models.Event) error
	GetEvent(ctx context.Context, tenantID, id string) (*models.Event, error)
	FindEventByCorrelation(ctx context.Context, tenantID, name, correlationKey string) (*models.Event, error)
}

// RunStore stores workflow runs and their step invocations.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.WorkflowRun) error
	GetRun(ctx context.Context, id string) (*models.WorkflowRun, error)
	UpdateRun(ctx context.Context, run *models.WorkflowRun) error
	ListRunsByEvent(ctx context.Context, tenantID, eventID string) ([]*models.WorkflowRun, error)

	CreateStep(ctx context.Context, step *models.StepInvocation) error
	UpdateStep(ctx context.Context, step *models.StepInvocation) error
	ListSteps(ctx context.Context, runID string) ([]*models.StepInvocation, error)
}

// Store bundles the three stores one backend provides.
type Store interface {
	DefinitionStore
	EventStore
	RunStore
}
