package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease takes or renews the named leader lease. The upsert wins when
// the lease is free, expired, or already held by this pod; anyone else sees
// false and skips the sweep this tick.
func (s *Store) AcquireLease(ctx context.Context, q Queryer, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := q.ExecContext(ctx, `
		INSERT INTO cron_leases (name, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE cron_leases.expires_at < $4 OR cron_leases.holder = EXCLUDED.holder`,
		name, holder, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("acquire lease %q: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReleaseLease gives the lease up early. Only the current holder may
// release; a stale holder's release is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, q Queryer, name, holder string) error {
	if _, err := q.ExecContext(ctx, `
		UPDATE cron_leases SET expires_at = now()
		WHERE name = $1 AND holder = $2`, name, holder); err != nil {
		return fmt.Errorf("release lease %q: %w", name, err)
	}
	return nil
}
