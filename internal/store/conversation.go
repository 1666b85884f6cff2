package store

import (
	"context"
	"database/sql"
	"errors"
)

const conversationColumns = `id, owner_id, title, created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c                Conversation
		created, updated int64
		deleted          sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &created, &updated, &deleted); err != nil {
		return nil, err
	}
	c.CreatedAt = fromMicros(created)
	c.UpdatedAt = fromMicros(updated)
	if deleted.Valid {
		t := fromMicros(deleted.Int64)
		c.DeletedAt = &t
	}
	return &c, nil
}

// GetConversation returns a conversation by id, tombstones included.
// Returns nil when the conversation is not cached.
func (db *DB) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c, err := scanConversation(db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListConversations returns an owner's active conversations, most recently
// updated first. Tombstoned conversations are excluded.
func (db *DB) ListConversations(ctx context.Context, ownerID string, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE owner_id = ? AND deleted_at IS NULL
		ORDER BY updated_at DESC, id DESC
		LIMIT ? OFFSET ?`, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ConversationCount returns the number of cached conversations for an owner,
// tombstones included.
func (db *DB) ConversationCount(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE owner_id = ?`, ownerID).Scan(&n)
	return n, err
}
