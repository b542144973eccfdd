package repository

import (
	"context"
	"time"

	"fintrack/internal/domain"

	"github.com/rs/zerolog"
)

// FailoverLocker takes leases from the primary and turns to the fallback
// only when the primary cannot answer. A lease refused by the primary is
// refused.
type FailoverLocker struct {
	primary  domain.Locker
	fallback domain.Locker
	logger   *zerolog.Logger
}

func NewFailoverLocker(primary, fallback domain.Locker, logger *zerolog.Logger) *FailoverLocker {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverLocker{primary: primary, fallback: fallback, logger: logger}
}

func (l *FailoverLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	release, ok, err := l.primary.Acquire(ctx, key, ttl)
	if err == nil {
		return release, ok, nil
	}
	l.logger.Warn().Err(err).Str("lease", key).Msg("Primary lease unavailable, using fallback")
	return l.fallback.Acquire(ctx, key, ttl)
}
