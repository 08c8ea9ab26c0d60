package claims

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("claim not found")
	ErrInvalidStatus = errors.New("invalid claim status")
)

type Repository interface {
	Create(ctx context.Context, c *Claim) error
	GetByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, shaRef, rejectReason *string) error
	MarkSubmitted(ctx context.Context, id uuid.UUID, shaRef string) error
	ListByStatus(ctx context.Context, status string, limit int) ([]*Claim, error)

	// CreateInvoice is idempotent per claim: a second call returns the
	// existing invoice unchanged.
	CreateInvoice(ctx context.Context, inv *Invoice) (*Invoice, error)
	GetInvoiceByClaim(ctx context.Context, claimID uuid.UUID) (*Invoice, error)
	MarkInvoicePaid(ctx context.Context, claimID uuid.UUID, mpesaRef string) error
}

// memoryRepo backs tests and development mode.
type memoryRepo struct {
	mu       sync.Mutex
	claims   map[uuid.UUID]*Claim
	invoices map[uuid.UUID]*Invoice // keyed by claim ID
	seq      int
}

// NewMemoryRepo creates an in-memory claims repository.
func NewMemoryRepo() Repository {
	return &memoryRepo{
		claims:   make(map[uuid.UUID]*Claim),
		invoices: make(map[uuid.UUID]*Invoice),
	}
}

func (r *memoryRepo) Create(ctx context.Context, c *Claim) error {
	if !ValidStatus(c.Status) {
		if c.Status == "" {
			c.Status = StatusDraft
		} else {
			return fmt.Errorf("%w: %s", ErrInvalidStatus, c.Status)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	r.seq++
	if c.ClaimNumber == "" {
		c.ClaimNumber = fmt.Sprintf("CLM-%06d", r.seq)
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	stored := *c
	r.claims[c.ID] = &stored
	return nil
}

func (r *memoryRepo) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.claims[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (r *memoryRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string, shaRef, rejectReason *string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.claims[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	if shaRef != nil {
		c.SHAReference = shaRef
	}
	if rejectReason != nil {
		c.RejectReason = rejectReason
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memoryRepo) MarkSubmitted(ctx context.Context, id uuid.UUID, shaRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.claims[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	c.Status = StatusSubmitted
	c.SHAReference = &shaRef
	c.SubmittedAt = &now
	c.UpdatedAt = now
	return nil
}

func (r *memoryRepo) ListByStatus(ctx context.Context, status string, limit int) ([]*Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Claim
	for _, c := range r.claims {
		if c.Status == status {
			copied := *c
			out = append(out, &copied)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memoryRepo) CreateInvoice(ctx context.Context, inv *Invoice) (*Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.invoices[inv.ClaimID]; ok {
		copied := *existing
		return &copied, nil
	}

	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.InvoiceNumber == "" {
		r.seq++
		inv.InvoiceNumber = fmt.Sprintf("INV-%06d", r.seq)
	}
	if inv.Status == "" {
		inv.Status = InvoiceIssued
	}
	inv.IssuedAt = time.Now().UTC()

	stored := *inv
	r.invoices[inv.ClaimID] = &stored
	copied := stored
	return &copied, nil
}

func (r *memoryRepo) GetInvoiceByClaim(ctx context.Context, claimID uuid.UUID) (*Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invoices[claimID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *inv
	return &copied, nil
}

func (r *memoryRepo) MarkInvoicePaid(ctx context.Context, claimID uuid.UUID, mpesaRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invoices[claimID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	inv.Status = InvoicePaid
	inv.MpesaRef = &mpesaRef
	inv.PaidAt = &now
	return nil
}
