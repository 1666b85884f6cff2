package remote

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ReserveMessage atomically counts one message against an owner's period
// counter. A limit <= 0 means unlimited. When the counter is already at the
// limit nothing is written and ok is false; count is the stored value.
func (c *PGClient) ReserveMessage(ctx context.Context, ownerID string, periodStart time.Time, limit int) (count int, ok bool, err error) {
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	err = c.do(ctx, "remote.reserve_message", func(ctx context.Context) error {
		err := c.db.QueryRowContext(ctx, `
			INSERT INTO usage_counters (owner_id, period_start, message_count, updated_at)
			VALUES ($1, $2, 1, now())
			ON CONFLICT (owner_id, period_start) DO UPDATE SET
				message_count = usage_counters.message_count + 1,
				updated_at = now()
			WHERE $3::integer IS NULL OR usage_counters.message_count < $3::integer
			RETURNING message_count`, ownerID, periodStart.UTC(), lim).Scan(&count)
		if err == nil {
			ok = true
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		ok = false
		return c.db.QueryRowContext(ctx, `
			SELECT message_count FROM usage_counters
			WHERE owner_id = $1 AND period_start = $2`, ownerID, periodStart.UTC()).Scan(&count)
	})
	if err != nil {
		return 0, false, err
	}
	return count, ok, nil
}

// ReleaseMessage takes back one counted message, stopping at zero.
func (c *PGClient) ReleaseMessage(ctx context.Context, ownerID string, periodStart time.Time) error {
	return c.do(ctx, "remote.release_message", func(ctx context.Context) error {
		_, err := c.db.ExecContext(ctx, `
			UPDATE usage_counters SET message_count = message_count - 1, updated_at = now()
			WHERE owner_id = $1 AND period_start = $2 AND message_count > 0`, ownerID, periodStart.UTC())
		return err
	})
}

// UsageCount returns the messages counted for an owner in a period.
func (c *PGClient) UsageCount(ctx context.Context, ownerID string, periodStart time.Time) (int, error) {
	var count int
	err := c.do(ctx, "remote.usage_count", func(ctx context.Context) error {
		err := c.db.QueryRowContext(ctx, `
			SELECT message_count FROM usage_counters
			WHERE owner_id = $1 AND period_start = $2`, ownerID, periodStart.UTC()).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			count = 0
			return nil
		}
		return err
	})
	return count, err
}
