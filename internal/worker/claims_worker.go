package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/claims"
	"github.com/clinicore/clinicore/internal/platform/mpesa"
	"github.com/clinicore/clinicore/internal/platform/sha"
	"github.com/clinicore/clinicore/internal/queue"
	"github.com/clinicore/clinicore/internal/workflow"
)

// Job types handled on the claims queue.
const (
	TypeSubmitClaim      = "submit_claim"
	TypeCheckClaimStatus = "check_claim_status"
	TypeReconcilePayment = "reconcile_payments"
)

// reconcilerActor is the actor recorded when the payment reconciler
// completes a payment tracking step.
const reconcilerActor = "mpesa-reconciler"

// ClaimPayload identifies the claim a job operates on.
type ClaimPayload struct {
	ClaimID uuid.UUID `json:"claim_id"`
}

// ReconcilePayload scopes a reconciliation run.
type ReconcilePayload struct {
	Scope string `json:"scope"`
}

// ClaimsWorker pushes claims through the SHA gateway and reconciles
// invoice payments against the M-Pesa gateway.
type ClaimsWorker struct {
	claims     claims.Repository
	sha        *sha.Client
	mpesa      *mpesa.Client
	engine     *workflow.Engine
	manager    *queue.Manager
	alertEmail string
	logger     zerolog.Logger
}

func NewClaimsWorker(repo claims.Repository, shaClient *sha.Client, mpesaClient *mpesa.Client,
	engine *workflow.Engine, manager *queue.Manager, alertEmail string, logger zerolog.Logger) *ClaimsWorker {
	return &ClaimsWorker{
		claims:     repo,
		sha:        shaClient,
		mpesa:      mpesaClient,
		engine:     engine,
		manager:    manager,
		alertEmail: alertEmail,
		logger:     logger.With().Str("worker", "claims").Logger(),
	}
}

// Register attaches the worker's handlers to the manager.
func (w *ClaimsWorker) Register(m *queue.Manager) {
	m.Register(queue.QueueClaims, TypeSubmitClaim, w.handleSubmit)
	m.Register(queue.QueueClaims, TypeCheckClaimStatus, w.handleCheckStatus)
	m.Register(queue.QueueClaims, TypeReconcilePayment, w.handleReconcile)
}

// handleSubmit sends a pending claim to SHA and records the gateway
// reference. A claim already submitted is left alone, so a retried job
// never double-submits.
func (w *ClaimsWorker) handleSubmit(ctx context.Context, job *queue.Job) error {
	var p ClaimPayload
	if err := job.Unmarshal(&p); err != nil {
		return fmt.Errorf("decoding claim payload: %w", err)
	}

	claim, err := w.claims.GetByID(ctx, p.ClaimID)
	if err != nil {
		return err
	}
	if claim.Status != claims.StatusPending {
		w.logger.Debug().
			Str("claim", claim.ClaimNumber).
			Str("status", claim.Status).
			Msg("claim not pending, skipping submission")
		return nil
	}

	result, err := w.sha.SubmitClaim(ctx, sha.ClaimSubmission{
		ClaimNumber:   claim.ClaimNumber,
		MemberNumber:  claim.MemberNumber,
		PatientName:   claim.PatientName,
		DiagnosisCode: claim.DiagnosisCode,
		AmountCents:   claim.AmountCents,
	})
	if err != nil {
		return err
	}

	if err := w.claims.MarkSubmitted(ctx, claim.ID, result.Reference); err != nil {
		return err
	}
	w.logger.Info().
		Str("claim", claim.ClaimNumber).
		Str("sha_reference", result.Reference).
		Msg("claim submitted to SHA")
	return nil
}

// handleCheckStatus polls SHA for a submitted claim's decision and notifies
// the patient when one is reached.
func (w *ClaimsWorker) handleCheckStatus(ctx context.Context, job *queue.Job) error {
	var p ClaimPayload
	if err := job.Unmarshal(&p); err != nil {
		return fmt.Errorf("decoding claim payload: %w", err)
	}

	claim, err := w.claims.GetByID(ctx, p.ClaimID)
	if err != nil {
		return err
	}
	if claim.Status != claims.StatusSubmitted || claim.SHAReference == nil {
		return nil
	}

	status, err := w.sha.GetClaimStatus(ctx, *claim.SHAReference)
	if err != nil {
		return err
	}

	switch status.Status {
	case "approved":
		if err := w.claims.UpdateStatus(ctx, claim.ID, claims.StatusApproved, claim.SHAReference, nil); err != nil {
			return err
		}
		return w.notify(ctx, "claim-approved", map[string]string{
			"claim_number":  claim.ClaimNumber,
			"patient_name":  claim.PatientName,
			"sha_reference": *claim.SHAReference,
		})
	case "rejected":
		reason := status.RejectReason
		if reason == "" {
			reason = "not specified"
		}
		if err := w.claims.UpdateStatus(ctx, claim.ID, claims.StatusRejected, claim.SHAReference, &reason); err != nil {
			return err
		}
		return w.notify(ctx, "claim-rejected", map[string]string{
			"claim_number": claim.ClaimNumber,
			"patient_name": claim.PatientName,
			"reason":       reason,
		})
	default:
		// Still pending at SHA. The recurring check picks it up again.
		return nil
	}
}

// handleReconcile sweeps approved claims and completes payment tracking for
// any whose invoice the gateway reports as paid. Repository updates are
// idempotent, so overlapping runs are safe.
func (w *ClaimsWorker) handleReconcile(ctx context.Context, job *queue.Job) error {
	approved, err := w.claims.ListByStatus(ctx, claims.StatusApproved, 200)
	if err != nil {
		return err
	}

	for _, claim := range approved {
		if err := w.reconcileClaim(ctx, claim); err != nil {
			w.logger.Error().Err(err).
				Str("claim", claim.ClaimNumber).
				Msg("reconciliation failed for claim")
			// Keep sweeping; the next run retries this claim.
		}
	}
	return nil
}

func (w *ClaimsWorker) reconcileClaim(ctx context.Context, claim *claims.Claim) error {
	inv, err := w.claims.GetInvoiceByClaim(ctx, claim.ID)
	if err != nil {
		if errors.Is(err, claims.ErrNotFound) {
			return nil
		}
		return err
	}
	if inv.Status == claims.InvoicePaid {
		return nil
	}

	tx, err := w.mpesa.QueryByInvoice(ctx, inv.InvoiceNumber)
	if err != nil {
		return err
	}
	if tx.Status != mpesa.StatusPaid {
		return nil
	}

	if err := w.claims.MarkInvoicePaid(ctx, claim.ID, tx.Receipt); err != nil {
		return err
	}
	if err := w.claims.UpdateStatus(ctx, claim.ID, claims.StatusPaid, claim.SHAReference, nil); err != nil {
		return err
	}
	if err := w.completePaymentTracking(ctx, claim.ID); err != nil {
		return err
	}

	w.logger.Info().
		Str("claim", claim.ClaimNumber).
		Str("invoice", inv.InvoiceNumber).
		Str("receipt", tx.Receipt).
		Msg("invoice reconciled as paid")

	return w.notify(ctx, "payment-received", map[string]string{
		"invoice_number": inv.InvoiceNumber,
		"receipt":        tx.Receipt,
		"amount":         formatKES(inv.AmountCents),
	})
}

// completePaymentTracking closes the payment step on the claim's active
// workflow, if one exists.
func (w *ClaimsWorker) completePaymentTracking(ctx context.Context, claimID uuid.UUID) error {
	ws, err := w.engine.GetWorkflows(ctx, workflow.Filters{ClaimID: claimID})
	if err != nil {
		return err
	}
	for _, inst := range ws {
		if inst.OverallStatus.Terminal() {
			continue
		}
		note := "confirmed via M-Pesa gateway"
		_, err := w.engine.CompleteStep(ctx, inst.ID, workflow.StepPaymentTracking, reconcilerActor, &note, true)
		if err != nil && !errors.Is(err, workflow.ErrInvalidStep) {
			return err
		}
	}
	return nil
}

// formatKES renders an amount in cents as shillings.
func formatKES(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

func (w *ClaimsWorker) notify(ctx context.Context, templateID string, data map[string]string) error {
	_, err := w.manager.Enqueue(ctx, queue.QueueNotifications, TypeDeliver, DeliveryPayload{
		Recipient:  w.alertEmail,
		TemplateID: templateID,
		Data:       data,
	})
	return err
}
