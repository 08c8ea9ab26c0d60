package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, e *Entry) error
	ListByWorkflow(ctx context.Context, workflowID string) ([]*Entry, error)
	ListByClaim(ctx context.Context, claimID string) ([]*Entry, error)
	ListRecent(ctx context.Context, limit int) ([]*Entry, error)

	// DeleteBefore removes entries created before the cutoff and returns
	// how many were removed. Used by the cleanup maintenance command.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// memoryRepo backs tests and development mode.
type memoryRepo struct {
	mu      sync.Mutex
	entries []*Entry
}

// NewMemoryRepo creates an in-memory audit repository.
func NewMemoryRepo() Repository {
	return &memoryRepo{}
}

func (r *memoryRepo) Create(ctx context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	stored := *e
	r.entries = append(r.entries, &stored)
	return nil
}

func (r *memoryRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Entry
	for _, e := range r.entries {
		if e.WorkflowID != nil && *e.WorkflowID == workflowID {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListByClaim(ctx context.Context, claimID string) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Entry
	for _, e := range r.entries {
		if e.ClaimID != nil && *e.ClaimID == claimID {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memoryRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.entries[:0]
	var removed int64
	for _, e := range r.entries {
		if e.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
	return removed, nil
}

func (r *memoryRepo) ListRecent(ctx context.Context, limit int) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Entry
	for i := len(r.entries) - 1; i >= 0 && len(out) < limit; i-- {
		copied := *r.entries[i]
		out = append(out, &copied)
	}
	return out, nil
}
