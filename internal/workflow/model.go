// Package workflow drives SHA claim processing through a fixed-topology step
// graph: compliance verification, invoice generation, and payment tracking.
// Step mutations on one workflow are serialized; distinct workflows proceed
// in parallel.
package workflow

import (
	"time"

	"github.com/google/uuid"
)

// Status of a workflow instance. not_started is initial; completed, failed,
// and cancelled are terminal.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further step mutations are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus of one step within an instance.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepSkipped    StepStatus = "skipped"
	StepFailed     StepStatus = "failed"
)

// Done reports whether the step counts as satisfied for prerequisite and
// completion checks.
func (s StepStatus) Done() bool {
	return s == StepCompleted || s == StepSkipped
}

// TypeSHAClaim is the workflow type tag for SHA claim processing.
const TypeSHAClaim = "sha_claim_processing"

// Step is one node of a workflow instance's step graph.
type Step struct {
	ID                uuid.UUID      `db:"id" json:"id"`
	Name              string         `db:"step_name" json:"step_name"`
	Order             int            `db:"step_order" json:"step_order"`
	Status            StepStatus     `db:"status" json:"status"`
	Required          bool           `db:"required" json:"required"`
	Automated         bool           `db:"automated" json:"automated"`
	EstimatedDuration time.Duration  `db:"estimated_duration" json:"estimated_duration"`
	ActualDuration    *time.Duration `db:"actual_duration" json:"actual_duration,omitempty"`
	AssignedTo        *string        `db:"assigned_to" json:"assigned_to,omitempty"`
	CompletedBy       *string        `db:"completed_by" json:"completed_by,omitempty"`
	StartedAt         *time.Time     `db:"started_at" json:"started_at,omitempty"`
	CompletedAt       *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	Notes             *string        `db:"notes" json:"notes,omitempty"`
	Prerequisites     []string       `db:"prerequisites" json:"prerequisites,omitempty"`
	NextSteps         []string       `db:"next_steps" json:"next_steps,omitempty"`
}

// Instance is one claim's journey through the step graph.
type Instance struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	ClaimID       uuid.UUID  `db:"claim_id" json:"claim_id"`
	InvoiceID     *uuid.UUID `db:"invoice_id" json:"invoice_id,omitempty"`
	WorkflowType  string     `db:"workflow_type" json:"workflow_type"`
	CurrentStep   string     `db:"current_step" json:"current_step"`
	OverallStatus Status     `db:"overall_status" json:"overall_status"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
	Steps         []*Step    `json:"steps"`
}

// StepByName returns the named step, or nil.
func (w *Instance) StepByName(name string) *Step {
	for _, s := range w.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// PrerequisitesMet reports whether every prerequisite of the step is
// completed or skipped.
func (w *Instance) PrerequisitesMet(step *Step) bool {
	for _, name := range step.Prerequisites {
		pre := w.StepByName(name)
		if pre == nil || !pre.Status.Done() {
			return false
		}
	}
	return true
}

// RequiredStepsDone reports whether every required step is completed or
// skipped.
func (w *Instance) RequiredStepsDone() bool {
	for _, s := range w.Steps {
		if s.Required && !s.Status.Done() {
			return false
		}
	}
	return true
}
