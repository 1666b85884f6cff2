package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetCheckpoint returns the sync checkpoint for an owner, or nil if the
// owner has never completed a pass.
func (db *DB) GetCheckpoint(ctx context.Context, ownerID string) (*Checkpoint, error) {
	var (
		cp              Checkpoint
		synced, updated int64
		mode            string
	)
	err := db.QueryRowContext(ctx, `
		SELECT owner_id, last_synced_at, mode, updated_at
		FROM sync_checkpoints WHERE owner_id = ?`, ownerID).Scan(&cp.OwnerID, &synced, &mode, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.LastSyncedAt = fromMicros(synced)
	cp.Mode = SyncMode(mode)
	cp.UpdatedAt = fromMicros(updated)
	return &cp, nil
}

// AdvanceCheckpoint records a completed pass finished at the given time.
// The row is created when absent; otherwise the watermark only moves
// forward, so a slower concurrent pass that finishes last cannot regress it.
// The pass time is always refreshed. Reports whether the watermark advanced.
func (db *DB) AdvanceCheckpoint(ctx context.Context, ownerID string, watermark, at time.Time) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT last_synced_at FROM sync_checkpoints WHERE owner_id = ?`, ownerID).Scan(&current)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return false, err
	}

	next := toMicros(watermark)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (owner_id, last_synced_at, mode, updated_at)
		VALUES (?, ?, 'delta', ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			last_synced_at = MAX(sync_checkpoints.last_synced_at, excluded.last_synced_at),
			mode = excluded.mode,
			updated_at = excluded.updated_at`,
		ownerID, next, toMicros(at)); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit checkpoint: %w", err)
	}
	return !exists || next > current, nil
}

// ResetCheckpoint forces the next pass for an owner to be a full pass.
func (db *DB) ResetCheckpoint(ctx context.Context, ownerID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM sync_checkpoints WHERE owner_id = ?`, ownerID)
	return err
}
