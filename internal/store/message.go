package store

import (
	"context"
	"time"
)

// ListMessages returns messages for a conversation using keyset pagination
// by creation time, newest first. A zero before lists from the latest message.
func (db *DB) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	beforeUs := toMicros(before)
	if beforeUs <= 0 {
		beforeUs = time.Now().UnixMicro() + 1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, conversation_id, owner_id, role, content, created_at, synced
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, conversationID, beforeUs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var (
			m       Message
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.OwnerID, &m.Role, &m.Content, &created, &m.Synced); err != nil {
			return nil, err
		}
		m.CreatedAt = fromMicros(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessagesByID returns how many rows exist for a message id. The merge
// guarantees this is never more than one.
func (db *DB) CountMessagesByID(ctx context.Context, id string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ?`, id).Scan(&n)
	return n, err
}

// MessageCount returns the number of cached messages for an owner.
func (db *DB) MessageCount(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE owner_id = ?`, ownerID).Scan(&n)
	return n, err
}
