package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Acquire takes the named lease for ttl. Every handle opened on the same file
// competes for it, so processes sharing one outbox never hold it together.
// An expired lease is taken over.
func (db *DB) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	owner := uuid.NewString()
	now := time.Now()

	res, err := db.ExecContext(ctx, `INSERT INTO leases (key, owner, expires_at) VALUES (?, ?, ?)
              ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
              WHERE leases.expires_at <= ?`,
		key, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if n == 0 {
		return nil, false, nil
	}

	release := func() {
		// Detached so a cancelled caller still frees the lease.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := db.ExecContext(releaseCtx, `DELETE FROM leases WHERE key = ? AND owner = ?`, key, owner); err != nil {
			db.logger.Warn().Err(err).Str("lease", key).Msg("failed to release lease")
		}
	}
	return release, true, nil
}
