// Package audit records the clinic's activity trail. Writes happen inline
// with the operation they record, including failures.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Outcome of the audited operation.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Entry maps to the audit_entry table.
type Entry struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Actor      string    `db:"actor" json:"actor"`
	Action     string    `db:"action" json:"action"`
	EntityType string    `db:"entity_type" json:"entity_type"`
	EntityID   string    `db:"entity_id" json:"entity_id"`
	WorkflowID *string   `db:"workflow_id" json:"workflow_id,omitempty"`
	ClaimID    *string   `db:"claim_id" json:"claim_id,omitempty"`
	Outcome    string    `db:"outcome" json:"outcome"`
	Detail     *string   `db:"detail" json:"detail,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
