package audit

import (
	"context"
	"slices"
	"sync"
)

// MemoryRepo keeps events in append order. Used by tests and by runs
// without a database.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *MemoryRepo) List(_ context.Context, f Filter) ([]Event, error) {
	f = f.normalized()
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, e := range slices.Backward(r.events) {
		if !f.matches(e) {
			continue
		}
		out = append(out, e)
		if len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Events returns every event in append order.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}
