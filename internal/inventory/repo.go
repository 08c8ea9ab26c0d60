package inventory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("stock item not found")

type Repository interface {
	Upsert(ctx context.Context, item *StockItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*StockItem, error)
	ListLowStock(ctx context.Context) ([]*StockItem, error)
	ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]*StockItem, error)
	AdjustQuantity(ctx context.Context, id uuid.UUID, delta int) error
}

// memoryRepo backs tests and development mode.
type memoryRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*StockItem
}

// NewMemoryRepo creates an in-memory inventory repository.
func NewMemoryRepo() Repository {
	return &memoryRepo{items: make(map[uuid.UUID]*StockItem)}
}

func (r *memoryRepo) Upsert(ctx context.Context, item *StockItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	item.UpdatedAt = time.Now().UTC()
	stored := *item
	r.items[item.ID] = &stored
	return nil
}

func (r *memoryRepo) GetByID(ctx context.Context, id uuid.UUID) (*StockItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *item
	return &copied, nil
}

func (r *memoryRepo) ListLowStock(ctx context.Context) ([]*StockItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*StockItem
	for _, item := range r.items {
		if item.LowStock() {
			copied := *item
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]*StockItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*StockItem
	for _, item := range r.items {
		if item.ExpiresAt != nil && item.ExpiresAt.Before(cutoff) && item.Quantity > 0 {
			copied := *item
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *memoryRepo) AdjustQuantity(ctx context.Context, id uuid.UUID, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return ErrNotFound
	}
	item.Quantity += delta
	if item.Quantity < 0 {
		item.Quantity = 0
	}
	item.UpdatedAt = time.Now().UTC()
	return nil
}
