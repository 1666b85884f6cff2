package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const outboxColumns = `id, op_id, owner_id, kind, conversation_id, payload, status, attempts, error_message, created_at`

func scanOutbox(row rowScanner) (*OutboxEntry, error) {
	var (
		e       OutboxEntry
		kind    string
		created int64
	)
	if err := row.Scan(&e.ID, &e.OpID, &e.OwnerID, &kind, &e.ConversationID, &e.Payload,
		&e.Status, &e.Attempts, &e.ErrorMessage, &created); err != nil {
		return nil, err
	}
	e.Kind = OutboxKind(kind)
	e.CreatedAt = fromMicros(created)
	return &e, nil
}

// QueueOutbox adds an operation to the outbox. Queuing the same OpID twice
// is a no-op; the return value reports whether a new entry was created.
func (db *DB) QueueOutbox(ctx context.Context, e *OutboxEntry) (bool, error) {
	now := time.Now().UnixMicro()
	res, err := db.ExecContext(ctx, `
		INSERT INTO outbox (op_id, owner_id, kind, conversation_id, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)
		ON CONFLICT(op_id) DO NOTHING`,
		e.OpID, e.OwnerID, string(e.Kind), e.ConversationID, e.Payload, now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetOutbox returns an outbox entry by op id, or nil if absent.
func (db *DB) GetOutbox(ctx context.Context, opID string) (*OutboxEntry, error) {
	e, err := scanOutbox(db.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE op_id = ?`, opID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// PendingOutbox returns queued entries in submission order.
func (db *DB) PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox WHERE status = 'queued' ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectOutbox(rows)
}

// ListOutbox returns an owner's entries, optionally filtered by status.
func (db *DB) ListOutbox(ctx context.Context, ownerID string, statuses ...string) ([]OutboxEntry, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox WHERE owner_id = ?`
	args := []any{ownerID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY id ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectOutbox(rows)
}

func collectOutbox(rows *sql.Rows) ([]OutboxEntry, error) {
	defer func() { _ = rows.Close() }()
	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// ClaimOutbox moves a queued entry to 'sending'. It reports false when the
// entry was already claimed or is no longer queued.
func (db *DB) ClaimOutbox(ctx context.Context, opID string) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ?
		WHERE op_id = ? AND status = 'queued'`, time.Now().UnixMicro(), opID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkOutboxSent records that the remote store accepted the operation. An
// entry already confirmed by a merge stays confirmed.
func (db *DB) MarkOutboxSent(ctx context.Context, opID string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = 'sent', error_message = '', updated_at = ?
		WHERE op_id = ? AND status != 'confirmed'`, time.Now().UnixMicro(), opID)
	return err
}

// MarkOutboxFailed parks an entry that cannot succeed on retry.
func (db *DB) MarkOutboxFailed(ctx context.Context, opID, errMsg string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ?
		WHERE op_id = ? AND status != 'confirmed'`, errMsg, time.Now().UnixMicro(), opID)
	return err
}

// RequeueOutbox returns an entry to the queue after a transient failure.
func (db *DB) RequeueOutbox(ctx context.Context, opID, errMsg string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = 'queued', error_message = ?, updated_at = ?
		WHERE op_id = ? AND status = 'sending'`, errMsg, time.Now().UnixMicro(), opID)
	return err
}

// RecoverOutbox requeues entries left in 'sending' by a previous process.
func (db *DB) RecoverOutbox(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`, time.Now().UnixMicro())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
