// Package claims holds the SHA insurance claim and invoice records that the
// workflow engine and reconciliation jobs operate on.
package claims

import (
	"time"

	"github.com/google/uuid"
)

// Claim statuses follow the SHA gateway lifecycle.
const (
	StatusDraft     = "draft"
	StatusPending   = "pending"
	StatusSubmitted = "submitted"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusPaid      = "paid"
)

// Claim maps to the claim table.
type Claim struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	ClaimNumber   string     `db:"claim_number" json:"claim_number"`
	PatientID     uuid.UUID  `db:"patient_id" json:"patient_id"`
	PatientName   string     `db:"patient_name" json:"patient_name"`
	MemberNumber  string     `db:"member_number" json:"member_number"`
	DiagnosisCode string     `db:"diagnosis_code" json:"diagnosis_code"`
	AmountCents   int64      `db:"amount_cents" json:"amount_cents"`
	Status        string     `db:"status" json:"status"`
	SHAReference  *string    `db:"sha_reference" json:"sha_reference,omitempty"`
	RejectReason  *string    `db:"reject_reason" json:"reject_reason,omitempty"`
	SubmittedAt   *time.Time `db:"submitted_at" json:"submitted_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// Invoice statuses.
const (
	InvoiceIssued = "issued"
	InvoicePaid   = "paid"
)

// Invoice maps to the invoice table. Exactly one invoice exists per claim;
// invoice generation is idempotent on the claim.
type Invoice struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	ClaimID       uuid.UUID  `db:"claim_id" json:"claim_id"`
	InvoiceNumber string     `db:"invoice_number" json:"invoice_number"`
	AmountCents   int64      `db:"amount_cents" json:"amount_cents"`
	Status        string     `db:"status" json:"status"`
	MpesaRef      *string    `db:"mpesa_ref" json:"mpesa_ref,omitempty"`
	IssuedAt      time.Time  `db:"issued_at" json:"issued_at"`
	PaidAt        *time.Time `db:"paid_at" json:"paid_at,omitempty"`
}

// ValidStatus reports whether s is a known claim status.
func ValidStatus(s string) bool {
	switch s {
	case StatusDraft, StatusPending, StatusSubmitted, StatusApproved, StatusRejected, StatusPaid:
		return true
	}
	return false
}
