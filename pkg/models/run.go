package models

import "time"

// RunStatus is the lifecycle state of a workflow run. Terminal states are
// final; a run never re-enters RUNNING.
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCanceled  RunStatus = "CANCELED"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCanceled
}

// StepStatus is the lifecycle state of one step invocation.
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusSucceeded StepStatus = "SUCCEEDED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusSkipped   StepStatus = "SKIPPED"
)

// Terminal reports whether the status is final.
func (s StepStatus) Terminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusSkipped
}

// WorkflowRun is one execution instance of a published definition version,
// triggered by exactly one event.
type WorkflowRun struct {
	ID                string         `json:"id" db:"id"`
	TenantID          string         `json:"tenant_id" db:"tenant_id"`
	DefinitionID      string         `json:"definition_id" db:"definition_id"`
	DefinitionVersion int            `json:"definition_version" db:"definition_version"`
	EventID           string         `json:"event_id" db:"event_id"`
	ParentRunID       string         `json:"parent_run_id,omitempty" db:"parent_run_id"`
	Status            RunStatus      `json:"status" db:"status"`
	Vars              map[string]any `json:"vars,omitempty" db:"vars"`
	Error             string         `json:"error,omitempty" db:"error"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

// StepInvocation is one execution record of a step within a run. It is
// created when the interpreter reaches the step and immutable once terminal.
type StepInvocation struct {
	ID               string         `json:"id" db:"id"`
	RunID            string         `json:"run_id" db:"run_id"`
	DefinitionStepID string         `json:"definition_step_id" db:"definition_step_id"`
	Status           StepStatus     `json:"status" db:"status"`
	Attempts         int            `json:"attempts" db:"attempts"`
	Output           map[string]any `json:"output,omitempty" db:"output"`
	Error            string         `json:"error,omitempty" db:"error"`
	StartedAt        time.Time      `json:"started_at" db:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}
