package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"fintrack/internal/domain"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverTaskRegistry uses the primary registry until it errors, then the
// fallback, probing the primary again once a minute.
type FailoverTaskRegistry struct {
	primary  domain.TaskRegistry
	fallback domain.TaskRegistry
	logger   *zerolog.Logger
	isDown   atomic.Bool

	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverTaskRegistry(primary, fallback domain.TaskRegistry, logger *zerolog.Logger) *FailoverTaskRegistry {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverTaskRegistry{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *FailoverTaskRegistry) markDown(err error) {
	r.logger.Error().Err(err).Msg("Primary task registry failed, falling back to memory")
	r.isDown.Store(true)
	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()
}

// shouldRetryPrimary reports whether the recovery interval has elapsed.
func (r *FailoverTaskRegistry) shouldRetryPrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.lastCheck) <= recoveryInterval {
		return false
	}
	r.lastCheck = time.Now()
	return true
}

func (r *FailoverTaskRegistry) Register(ctx context.Context, name string) error {
	if !r.isDown.Load() {
		err := r.primary.Register(ctx, name)
		if err == nil {
			return nil
		}
		r.markDown(err)
	}

	if r.shouldRetryPrimary() {
		if err := r.primary.Register(ctx, name); err == nil {
			r.isDown.Store(false)
			return nil
		}
	}

	return r.fallback.Register(ctx, name)
}

// Pending consults both registries once the primary is down, since a
// registration may have landed in either.
func (r *FailoverTaskRegistry) Pending(ctx context.Context, name string) (bool, error) {
	if !r.isDown.Load() {
		pending, err := r.primary.Pending(ctx, name)
		if err == nil {
			return pending, nil
		}
		r.markDown(err)
	}

	if r.shouldRetryPrimary() {
		pending, err := r.primary.Pending(ctx, name)
		if err == nil {
			r.isDown.Store(false)
			if pending {
				return true, nil
			}
		}
	}

	return r.fallback.Pending(ctx, name)
}

func (r *FailoverTaskRegistry) Complete(ctx context.Context, name string) error {
	// Always clear the fallback so a stale local registration cannot linger.
	if err := r.fallback.Complete(ctx, name); err != nil {
		return err
	}

	if !r.isDown.Load() {
		err := r.primary.Complete(ctx, name)
		if err == nil {
			return nil
		}
		r.markDown(err)
	}
	return nil
}
