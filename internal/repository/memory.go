package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryTaskRegistry is a process-local registry. Registrations do not
// survive a restart.
type MemoryTaskRegistry struct {
	tasks sync.Map
}

func NewMemoryTaskRegistry() *MemoryTaskRegistry {
	return &MemoryTaskRegistry{}
}

func (r *MemoryTaskRegistry) Register(ctx context.Context, name string) error {
	r.tasks.LoadOrStore(name, time.Now())
	return nil
}

func (r *MemoryTaskRegistry) Pending(ctx context.Context, name string) (bool, error) {
	_, ok := r.tasks.Load(name)
	return ok, nil
}

func (r *MemoryTaskRegistry) Complete(ctx context.Context, name string) error {
	r.tasks.Delete(name)
	return nil
}
