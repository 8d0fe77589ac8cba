// Package models defines the domain models for the workflow runtime.
package models

import (
	"fmt"
	"time"
)

// SchemaMode controls where a definition's payload contract comes from.
type SchemaMode string

const (
	// SchemaModeInferred generates and freezes a snapshot schema at publish time.
	SchemaModeInferred SchemaMode = "inferred"
	// SchemaModePinned uses a caller-chosen catalog ref, frozen at publish time.
	SchemaModePinned SchemaMode = "pinned"
)

// DefinitionStatus is the lifecycle state of a workflow definition version.
type DefinitionStatus string

const (
	DefinitionStatusDraft     DefinitionStatus = "draft"
	DefinitionStatusPublished DefinitionStatus = "published"
)

// StepType tags the variants of the step graph.
type StepType string

const (
	StepActionCall   StepType = "action.call"
	StepConditional  StepType = "conditional"
	StepForEach      StepType = "forEach"
	StepTryCatch     StepType = "tryCatch"
	StepCallWorkflow StepType = "callWorkflow"
)

// WorkflowDefinition is one tenant-scoped, versioned automation definition.
// Once a version is published its PayloadSchemaRef never changes, even if the
// trigger's catalog schema later does.
type WorkflowDefinition struct {
	ID                string           `json:"id" db:"id"`
	TenantID          string           `json:"tenant_id" db:"tenant_id"`
	Name              string           `json:"name" db:"name"`
	Version           int              `json:"version" db:"version"`
	Status            DefinitionStatus `json:"status" db:"status"`
	TriggerEventName  string           `json:"trigger_event_name" db:"trigger_event_name"`
	PayloadSchemaMode SchemaMode       `json:"payload_schema_mode" db:"payload_schema_mode"`
	PayloadSchemaRef  string           `json:"payload_schema_ref,omitempty" db:"payload_schema_ref"`
	Steps             []Step           `json:"steps" db:"steps"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at" db:"updated_at"`
	PublishedAt       *time.Time       `json:"published_at,omitempty" db:"published_at"`
}

// Step is a tagged node in the definition graph. Exactly one variant's fields
// are meaningful, selected by Type. ID is the stable definition step id used
// for step-level status tracking.
type Step struct {
	ID   string   `json:"id"`
	Type StepType `json:"type"`

	// action.call
	ActionID      string            `json:"action_id,omitempty"`
	ActionVersion int               `json:"action_version,omitempty"`
	Input         map[string]string `json:"input,omitempty"` // field -> expression source
	SaveAs        string            `json:"save_as,omitempty"`

	// conditional
	Condition string `json:"condition,omitempty"`
	Then      []Step `json:"then,omitempty"`
	Else      []Step `json:"else,omitempty"`

	// forEach
	Items           string `json:"items,omitempty"` // collection expression
	ItemVar         string `json:"item_var,omitempty"`
	Concurrency     int    `json:"concurrency,omitempty"`
	ContinueOnError bool   `json:"continue_on_error,omitempty"`
	Body            []Step `json:"body,omitempty"`

	// tryCatch
	Try   []Step `json:"try,omitempty"`
	Catch []Step `json:"catch,omitempty"`

	// callWorkflow
	Workflow        string `json:"workflow,omitempty"`
	WorkflowVersion int    `json:"workflow_version,omitempty"` // 0 means latest published
}

// Validate checks the structural invariants of a definition: non-empty
// trigger, known step types and unique, non-empty step ids across the graph.
func (d *WorkflowDefinition) Validate() error {
	if d.TenantID == "" {
		return fmt.Errorf("definition %s: tenant id is required", d.ID)
	}
	if d.TriggerEventName == "" {
		return fmt.Errorf("definition %s: trigger event name is required", d.ID)
	}
	seen := make(map[string]bool)
	return validateSteps(d.Steps, seen)
}

func validateSteps(steps []Step, seen map[string]bool) error {
	for i := range steps {
		s := &steps[i]
		if s.ID == "" {
			return fmt.Errorf("step %d: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("step %s: duplicate step id", s.ID)
		}
		seen[s.ID] = true

		var children [][]Step
		switch s.Type {
		case StepActionCall:
			if s.ActionID == "" {
				return fmt.Errorf("step %s: action id is required", s.ID)
			}
		case StepConditional:
			if s.Condition == "" {
				return fmt.Errorf("step %s: condition is required", s.ID)
			}
			children = [][]Step{s.Then, s.Else}
		case StepForEach:
			if s.Items == "" {
				return fmt.Errorf("step %s: items expression is required", s.ID)
			}
			children = [][]Step{s.Body}
		case StepTryCatch:
			if len(s.Try) == 0 {
				return fmt.Errorf("step %s: try body is required", s.ID)
			}
			children = [][]Step{s.Try, s.Catch}
		case StepCallWorkflow:
			if s.Workflow == "" {
				return fmt.Errorf("step %s: workflow name is required", s.ID)
			}
		default:
			return fmt.Errorf("step %s: unknown step type %q", s.ID, s.Type)
		}
		for _, c := range children {
			if err := validateSteps(c, seen); err != nil {
				return err
			}
		}
	}
	return nil
}
