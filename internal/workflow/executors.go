package workflow

import (
	"context"
	"fmt"

	"github.com/clinicore/clinicore/internal/claims"
)

// StepExecutor performs the work of one automated step. Execute may mutate
// the instance (invoice generation records the invoice ID); the engine
// persists the instance after a successful run.
type StepExecutor interface {
	Execute(ctx context.Context, w *Instance) error
}

// ExecutorFunc adapts a function to StepExecutor.
type ExecutorFunc func(ctx context.Context, w *Instance) error

func (f ExecutorFunc) Execute(ctx context.Context, w *Instance) error { return f(ctx, w) }

// ComplianceExecutor verifies a claim carries everything SHA requires
// before submission: member number, diagnosis code, patient name, and a
// positive amount.
type ComplianceExecutor struct {
	claims claims.Repository
}

func NewComplianceExecutor(repo claims.Repository) *ComplianceExecutor {
	return &ComplianceExecutor{claims: repo}
}

func (e *ComplianceExecutor) Execute(ctx context.Context, w *Instance) error {
	claim, err := e.claims.GetByID(ctx, w.ClaimID)
	if err != nil {
		return err
	}

	var missing []string
	if claim.MemberNumber == "" {
		missing = append(missing, "member number")
	}
	if claim.DiagnosisCode == "" {
		missing = append(missing, "diagnosis code")
	}
	if claim.PatientName == "" {
		missing = append(missing, "patient name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("claim %s fails compliance: missing %v", claim.ClaimNumber, missing)
	}
	if claim.AmountCents <= 0 {
		return fmt.Errorf("claim %s fails compliance: non-positive amount", claim.ClaimNumber)
	}

	if claim.Status == claims.StatusDraft {
		return e.claims.UpdateStatus(ctx, claim.ID, claims.StatusPending, nil, nil)
	}
	return nil
}

// InvoiceExecutor issues the claim's invoice. CreateInvoice is idempotent
// per claim, so a retried step never double-bills.
type InvoiceExecutor struct {
	claims claims.Repository
}

func NewInvoiceExecutor(repo claims.Repository) *InvoiceExecutor {
	return &InvoiceExecutor{claims: repo}
}

func (e *InvoiceExecutor) Execute(ctx context.Context, w *Instance) error {
	claim, err := e.claims.GetByID(ctx, w.ClaimID)
	if err != nil {
		return err
	}

	inv, err := e.claims.CreateInvoice(ctx, &claims.Invoice{
		ClaimID:     claim.ID,
		AmountCents: claim.AmountCents,
		Status:      claims.InvoiceIssued,
	})
	if err != nil {
		return err
	}

	w.InvoiceID = &inv.ID
	return nil
}

// DefaultExecutors wires the standard executor set for the SHA claim graph.
// Payment tracking has no executor: it is completed manually, or by the
// payment reconciliation worker once the gateway reports the money.
func DefaultExecutors(repo claims.Repository) map[string]StepExecutor {
	return map[string]StepExecutor{
		StepComplianceVerification: NewComplianceExecutor(repo),
		StepInvoiceGeneration:      NewInvoiceExecutor(repo),
	}
}
