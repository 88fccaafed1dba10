package store

import (
	"context"
	"time"
)

// TryAcquireLease claims name for holder until ttl from now. A row left by
// an expired holder is taken over. Returns false while someone else holds it.
func (s *Store) TryAcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.nowMs()
	res, err := s.db.ExecContext(ctx, `INSERT INTO leases(name, holder, expires_at) VALUES(?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder=excluded.holder, expires_at=excluded.expires_at
		WHERE leases.expires_at <= ?`, name, holder, now+ttl.Milliseconds(), now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseLease drops holder's claim on name. Another holder's row is left alone.
func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name=? AND holder=?`, name, holder)
	return err
}
