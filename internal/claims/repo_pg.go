package claims

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/clinicore/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type claimsRepoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates the Postgres-backed claims repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &claimsRepoPG{pool: pool}
}

func (r *claimsRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const claimCols = `id, claim_number, patient_id, patient_name, member_number,
	diagnosis_code, amount_cents, status, sha_reference, reject_reason,
	submitted_at, created_at, updated_at`

func scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	err := row.Scan(&c.ID, &c.ClaimNumber, &c.PatientID, &c.PatientName, &c.MemberNumber,
		&c.DiagnosisCode, &c.AmountCents, &c.Status, &c.SHAReference, &c.RejectReason,
		&c.SubmittedAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &c, err
}

func (r *claimsRepoPG) Create(ctx context.Context, c *Claim) error {
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if !ValidStatus(c.Status) {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, c.Status)
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claim (id, claim_number, patient_id, patient_name, member_number,
			diagnosis_code, amount_cents, status)
		VALUES ($1, COALESCE(NULLIF($2, ''), 'CLM-' || LPAD(nextval('claim_number_seq')::text, 6, '0')), $3, $4, $5, $6, $7, $8)
		RETURNING claim_number, created_at, updated_at`,
		c.ID, c.ClaimNumber, c.PatientID, c.PatientName, c.MemberNumber,
		c.DiagnosisCode, c.AmountCents, c.Status).
		Scan(&c.ClaimNumber, &c.CreatedAt, &c.UpdatedAt)
}

func (r *claimsRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claim WHERE id = $1`, id))
}

func (r *claimsRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string, shaRef, rejectReason *string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE claim SET status = $2,
			sha_reference = COALESCE($3, sha_reference),
			reject_reason = COALESCE($4, reject_reason),
			updated_at = now()
		WHERE id = $1`, id, status, shaRef, rejectReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *claimsRepoPG) MarkSubmitted(ctx context.Context, id uuid.UUID, shaRef string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE claim SET status = $2, sha_reference = $3, submitted_at = now(), updated_at = now()
		WHERE id = $1`, id, StatusSubmitted, shaRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *claimsRepoPG) ListByStatus(ctx context.Context, status string, limit int) ([]*Claim, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+claimCols+` FROM claim WHERE status = $1 ORDER BY created_at LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const invoiceCols = `id, claim_id, invoice_number, amount_cents, status, mpesa_ref, issued_at, paid_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.ClaimID, &inv.InvoiceNumber, &inv.AmountCents,
		&inv.Status, &inv.MpesaRef, &inv.IssuedAt, &inv.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &inv, err
}

// CreateInvoice inserts with ON CONFLICT DO NOTHING on the claim's unique
// index, then reads whichever row won. Safe under overlapping reconciliation
// runs.
func (r *claimsRepoPG) CreateInvoice(ctx context.Context, inv *Invoice) (*Invoice, error) {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.Status == "" {
		inv.Status = InvoiceIssued
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO invoice (id, claim_id, invoice_number, amount_cents, status)
		VALUES ($1, $2, COALESCE(NULLIF($3, ''), 'INV-' || LPAD(nextval('invoice_number_seq')::text, 6, '0')), $4, $5)
		ON CONFLICT (claim_id) DO NOTHING`,
		inv.ID, inv.ClaimID, inv.InvoiceNumber, inv.AmountCents, inv.Status)
	if err != nil {
		return nil, err
	}
	return r.GetInvoiceByClaim(ctx, inv.ClaimID)
}

func (r *claimsRepoPG) GetInvoiceByClaim(ctx context.Context, claimID uuid.UUID) (*Invoice, error) {
	return scanInvoice(r.conn(ctx).QueryRow(ctx,
		`SELECT `+invoiceCols+` FROM invoice WHERE claim_id = $1`, claimID))
}

func (r *claimsRepoPG) MarkInvoicePaid(ctx context.Context, claimID uuid.UUID, mpesaRef string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoice SET status = $2, mpesa_ref = $3, paid_at = now()
		WHERE claim_id = $1 AND status <> $2`, claimID, InvoicePaid, mpesaRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either unknown claim or already paid; distinguish for callers.
		if _, err := r.GetInvoiceByClaim(ctx, claimID); err != nil {
			return err
		}
	}
	return nil
}
