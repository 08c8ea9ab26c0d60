package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Filters narrows GetWorkflows queries. Zero values mean "any".
type Filters struct {
	Status     Status
	ClaimID    uuid.UUID
	AssignedTo string
	From       time.Time
	To         time.Time
}

type Repository interface {
	Create(ctx context.Context, w *Instance) error
	Get(ctx context.Context, id uuid.UUID) (*Instance, error)
	Update(ctx context.Context, w *Instance) error
	List(ctx context.Context, f Filters) ([]*Instance, error)
}

// memoryRepo backs tests and development mode.
type memoryRepo struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*Instance
}

// NewMemoryRepo creates an in-memory workflow repository.
func NewMemoryRepo() Repository {
	return &memoryRepo{instances: make(map[uuid.UUID]*Instance)}
}

func cloneInstance(w *Instance) *Instance {
	copied := *w
	copied.Steps = make([]*Step, len(w.Steps))
	for i, s := range w.Steps {
		step := *s
		step.Prerequisites = append([]string(nil), s.Prerequisites...)
		step.NextSteps = append([]string(nil), s.NextSteps...)
		copied.Steps[i] = &step
	}
	return &copied
}

func (r *memoryRepo) Create(ctx context.Context, w *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	r.instances[w.ID] = cloneInstance(w)
	return nil
}

func (r *memoryRepo) Get(ctx context.Context, id uuid.UUID) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneInstance(w), nil
}

func (r *memoryRepo) Update(ctx context.Context, w *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[w.ID]; !ok {
		return ErrNotFound
	}
	w.UpdatedAt = time.Now().UTC()
	r.instances[w.ID] = cloneInstance(w)
	return nil
}

func (r *memoryRepo) List(ctx context.Context, f Filters) ([]*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Instance
	for _, w := range r.instances {
		if f.Status != "" && w.OverallStatus != f.Status {
			continue
		}
		if f.ClaimID != uuid.Nil && w.ClaimID != f.ClaimID {
			continue
		}
		if f.AssignedTo != "" && !assignedTo(w, f.AssignedTo) {
			continue
		}
		if !f.From.IsZero() && w.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && w.CreatedAt.After(f.To) {
			continue
		}
		out = append(out, cloneInstance(w))
	}
	return out, nil
}

func assignedTo(w *Instance, actor string) bool {
	for _, s := range w.Steps {
		if s.AssignedTo != nil && *s.AssignedTo == actor {
			return true
		}
	}
	return false
}
