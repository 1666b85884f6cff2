package store

import (
	"context"
	"fmt"
	"time"
)

// ApplyPage merges one page of remote rows in a single transaction.
//
// Conversations use last-write-wins on updated_at: an incoming row replaces
// the cached one only when strictly newer, so replaying a page is a no-op.
// Messages are immutable and inserted at most once. A merged message also
// confirms the pending outbox entry that produced it; a merged conversation
// confirms the conversation writes the remote store has already accepted.
func (db *DB) ApplyPage(ctx context.Context, page Page) (Applied, error) {
	var applied Applied

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return applied, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMicro()

	convStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversations (id, owner_id, title, created_at, updated_at, deleted_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at,
			synced_at = excluded.synced_at
		WHERE excluded.updated_at > conversations.updated_at`)
	if err != nil {
		return applied, fmt.Errorf("prepare conversation upsert: %w", err)
	}
	defer func() { _ = convStmt.Close() }()

	convConfirmStmt, err := tx.PrepareContext(ctx, `
		UPDATE outbox SET status = 'confirmed', updated_at = ?
		WHERE conversation_id = ? AND owner_id = ? AND status = 'sent' AND kind IN (?, ?)`)
	if err != nil {
		return applied, fmt.Errorf("prepare conversation confirm: %w", err)
	}
	defer func() { _ = convConfirmStmt.Close() }()

	for _, c := range page.Conversations {
		var deleted any
		if c.DeletedAt != nil {
			deleted = toMicros(*c.DeletedAt)
		}
		res, err := convStmt.ExecContext(ctx,
			c.ID, c.OwnerID, c.Title, toMicros(c.CreatedAt), toMicros(c.UpdatedAt), deleted, now)
		if err != nil {
			return applied, fmt.Errorf("upsert conversation %s: %w", c.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			applied.Conversations++
		}
		res, err = convConfirmStmt.ExecContext(ctx, now, c.ID, c.OwnerID,
			string(OutboxUpsertConversation), string(OutboxDeleteConversation))
		if err != nil {
			return applied, fmt.Errorf("confirm conversation writes %s: %w", c.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			applied.Confirmed += int(n)
		}
	}

	msgStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, conversation_id, owner_id, role, content, created_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return applied, fmt.Errorf("prepare message insert: %w", err)
	}
	defer func() { _ = msgStmt.Close() }()

	confirmStmt, err := tx.PrepareContext(ctx, `
		UPDATE outbox SET status = 'confirmed', updated_at = ?
		WHERE op_id = ? AND kind = ? AND status != 'confirmed'`)
	if err != nil {
		return applied, fmt.Errorf("prepare outbox confirm: %w", err)
	}
	defer func() { _ = confirmStmt.Close() }()

	for _, m := range page.Messages {
		res, err := msgStmt.ExecContext(ctx,
			m.ID, m.ConversationID, m.OwnerID, string(m.Role), m.Content, toMicros(m.CreatedAt))
		if err != nil {
			return applied, fmt.Errorf("insert message %s: %w", m.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			applied.Messages++
		}
		res, err = confirmStmt.ExecContext(ctx, now, m.ID, string(OutboxSendMessage))
		if err != nil {
			return applied, fmt.Errorf("confirm outbox %s: %w", m.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			applied.Confirmed++
		}
	}

	if err := tx.Commit(); err != nil {
		return Applied{}, fmt.Errorf("commit page: %w", err)
	}
	return applied, nil
}

// PruneOwner removes cached conversations of an owner that are not in keep
// and were last merged before syncedBefore, along with their messages. Used
// after a full pass, where keep holds every conversation id the remote
// store returned and syncedBefore is the wall-clock start of the pass.
func (db *DB) PruneOwner(ctx context.Context, ownerID string, keep map[string]struct{}, syncedBefore time.Time) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM conversations WHERE owner_id = ? AND synced_at < ?`, ownerID, syncedBefore.UnixMicro())
	if err != nil {
		return 0, err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, err
		}
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
			return 0, fmt.Errorf("prune messages of %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("prune conversation %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return len(stale), nil
}

// PurgeTombstones hard-deletes an owner's tombstoned conversations whose
// deletion is older than cutoff, and their messages.
func (db *DB) PurgeTombstones(ctx context.Context, ownerID string, cutoff time.Time) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cut := toMicros(cutoff)
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM messages WHERE conversation_id IN (
			SELECT id FROM conversations
			WHERE owner_id = ? AND deleted_at IS NOT NULL AND deleted_at < ?
		)`, ownerID, cut); err != nil {
		return 0, fmt.Errorf("purge tombstone messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM conversations
		WHERE owner_id = ? AND deleted_at IS NOT NULL AND deleted_at < ?`, ownerID, cut)
	if err != nil {
		return 0, fmt.Errorf("purge tombstones: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return n, nil
}
