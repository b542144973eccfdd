package domain

import (
	"context"
	"time"

	"fintrack/internal/models"
)

// Outbox is the durable queue of writes that could not reach the remote store.
type Outbox interface {
	Enqueue(ctx context.Context, d models.Descriptor) (string, error)
	ListAll(ctx context.Context) ([]models.PendingOperation, error)
	Remove(ctx context.Context, id string) error
	UpdateRetryCount(ctx context.Context, id string, count int) error
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int, error)
}

// RemoteStore is the authoritative record store.
type RemoteStore interface {
	Insert(ctx context.Context, table models.Table, fields map[string]any) (map[string]any, error)
	Update(ctx context.Context, table models.Table, id string, fields map[string]any) (map[string]any, error)
	Delete(ctx context.Context, table models.Table, id string) error
	List(ctx context.Context, table models.Table) ([]map[string]any, error)
	Ping(ctx context.Context) error
}

// TaskRegistry remembers named deferred tasks until they complete.
type TaskRegistry interface {
	Register(ctx context.Context, name string) error
	Pending(ctx context.Context, name string) (bool, error)
	Complete(ctx context.Context, name string) error
}

// Locker hands out short exclusive leases shared between processes.
type Locker interface {
	// Acquire returns ok=false without error when another holder owns the key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// ReplayScheduler arranges for the outbox to be drained once connectivity returns.
type ReplayScheduler interface {
	RegisterDeferredReplay(ctx context.Context) error
}
