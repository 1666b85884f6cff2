package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/matheus3301/atlas/internal/store"
	"github.com/matheus3301/atlas/internal/syncerr"
)

const (
	defaultOpTimeout  = 5 * time.Second
	defaultMaxRetries = 3
)

// Options tunes the Postgres client.
type Options struct {
	OpTimeout       time.Duration
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxOpenConns    int
}

func (o Options) withDefaults() Options {
	if o.OpTimeout <= 0 {
		o.OpTimeout = defaultOpTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 200 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 2 * time.Second
	}
	return o
}

// PGClient implements Client on Postgres through lib/pq.
type PGClient struct {
	db     *sql.DB
	dsn    string
	opts   Options
	logger *zap.Logger
}

var _ Client = (*PGClient)(nil)

// Open connects to the remote store. The connection is verified lazily by
// the first operation so a daemon can start offline.
func Open(dsn string, opts Options, logger *zap.Logger) (*PGClient, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, syncerr.New(syncerr.Invalid, "remote.open", errors.New("empty dsn"))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open remote: %w", err)
	}
	opts = opts.withDefaults()
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	return &PGClient{db: db, dsn: dsn, opts: opts, logger: logger}, nil
}

// DSN returns the connection string, used by the notification source.
func (c *PGClient) DSN() string { return c.dsn }

// Close releases the connection pool.
func (c *PGClient) Close() error {
	return c.db.Close()
}

// do runs fn with a per-attempt timeout and retries transient failures
// with exponential backoff.
func (c *PGClient) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.InitialInterval
	eb.MaxInterval = c.opts.MaxInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.opts.MaxRetries)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		opCtx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
		defer cancel()
		err := classify(op, fn(opCtx))
		if err != nil && !syncerr.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		c.logger.Debug("remote operation retry",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Ping checks that the remote store is reachable.
func (c *PGClient) Ping(ctx context.Context) error {
	return c.do(ctx, "remote.ping", func(ctx context.Context) error {
		return c.db.PingContext(ctx)
	})
}

const conversationSelect = `SELECT id, owner_id, title, created_at, updated_at, deleted_at FROM conversations`

func scanConversations(rows *sql.Rows) ([]store.Conversation, error) {
	defer func() { _ = rows.Close() }()
	var out []store.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanConversation(row interface{ Scan(...any) error }) (*store.Conversation, error) {
	var (
		c       store.Conversation
		deleted sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &deleted); err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if deleted.Valid {
		t := deleted.Time.UTC()
		c.DeletedAt = &t
	}
	return &c, nil
}

const messageSelect = `SELECT id, conversation_id, owner_id, role, content, created_at FROM messages`

func scanMessages(rows *sql.Rows) ([]store.Message, error) {
	defer func() { _ = rows.Close() }()
	var out []store.Message
	for rows.Next() {
		var (
			m    store.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.OwnerID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = store.Role(role)
		m.CreatedAt = m.CreatedAt.UTC()
		m.Synced = true
		out = append(out, m)
	}
	return out, rows.Err()
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return limit
}

// FetchConversationsSince implements Client.
func (c *PGClient) FetchConversationsSince(ctx context.Context, ownerID string, since time.Time, cursor string, limit int) (ConversationPage, error) {
	limit = pageLimit(limit)
	cur, ok, err := DecodeCursor(cursor)
	if err != nil {
		return ConversationPage{}, syncerr.New(syncerr.Invalid, "remote.fetch_conversations", err)
	}

	var page ConversationPage
	err = c.do(ctx, "remote.fetch_conversations", func(ctx context.Context) error {
		var (
			rows *sql.Rows
			err  error
		)
		if ok {
			rows, err = c.db.QueryContext(ctx, conversationSelect+`
				WHERE owner_id = $1 AND updated_at > $2 AND (updated_at, id) > ($3, $4)
				ORDER BY updated_at, id LIMIT $5`, ownerID, since, cur.At, cur.ID, limit)
		} else {
			rows, err = c.db.QueryContext(ctx, conversationSelect+`
				WHERE owner_id = $1 AND updated_at > $2
				ORDER BY updated_at, id LIMIT $3`, ownerID, since, limit)
		}
		if err != nil {
			return err
		}
		page.Rows, err = scanConversations(rows)
		return err
	})
	if err != nil {
		return ConversationPage{}, err
	}
	if n := len(page.Rows); n > 0 {
		last := page.Rows[n-1]
		page.NextCursor = nextCursor(n, limit, last.UpdatedAt, last.ID)
	}
	return page, nil
}

// FetchMessagesSince implements Client.
func (c *PGClient) FetchMessagesSince(ctx context.Context, ownerID string, since time.Time, cursor string, limit int) (MessagePage, error) {
	limit = pageLimit(limit)
	cur, ok, err := DecodeCursor(cursor)
	if err != nil {
		return MessagePage{}, syncerr.New(syncerr.Invalid, "remote.fetch_messages", err)
	}

	var page MessagePage
	err = c.do(ctx, "remote.fetch_messages", func(ctx context.Context) error {
		var (
			rows *sql.Rows
			err  error
		)
		if ok {
			rows, err = c.db.QueryContext(ctx, messageSelect+`
				WHERE owner_id = $1 AND created_at > $2 AND (created_at, id) > ($3, $4)
				ORDER BY created_at, id LIMIT $5`, ownerID, since, cur.At, cur.ID, limit)
		} else {
			rows, err = c.db.QueryContext(ctx, messageSelect+`
				WHERE owner_id = $1 AND created_at > $2
				ORDER BY created_at, id LIMIT $3`, ownerID, since, limit)
		}
		if err != nil {
			return err
		}
		page.Rows, err = scanMessages(rows)
		return err
	})
	if err != nil {
		return MessagePage{}, err
	}
	if n := len(page.Rows); n > 0 {
		last := page.Rows[n-1]
		page.NextCursor = nextCursor(n, limit, last.CreatedAt, last.ID)
	}
	return page, nil
}

// FetchConversation implements Client.
func (c *PGClient) FetchConversation(ctx context.Context, ownerID, conversationID string) (*store.Conversation, error) {
	var conv *store.Conversation
	err := c.do(ctx, "remote.fetch_conversation", func(ctx context.Context) error {
		got, err := scanConversation(c.db.QueryRowContext(ctx,
			conversationSelect+` WHERE id = $1 AND owner_id = $2`, conversationID, ownerID))
		if errors.Is(err, sql.ErrNoRows) {
			conv = nil
			return nil
		}
		conv = got
		return err
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// FetchConversationMessages implements Client.
func (c *PGClient) FetchConversationMessages(ctx context.Context, ownerID, conversationID, cursor string, limit int) (MessagePage, error) {
	limit = pageLimit(limit)
	cur, ok, err := DecodeCursor(cursor)
	if err != nil {
		return MessagePage{}, syncerr.New(syncerr.Invalid, "remote.fetch_conversation_messages", err)
	}

	var page MessagePage
	err = c.do(ctx, "remote.fetch_conversation_messages", func(ctx context.Context) error {
		var (
			rows *sql.Rows
			err  error
		)
		if ok {
			rows, err = c.db.QueryContext(ctx, messageSelect+`
				WHERE owner_id = $1 AND conversation_id = $2 AND (created_at, id) > ($3, $4)
				ORDER BY created_at, id LIMIT $5`, ownerID, conversationID, cur.At, cur.ID, limit)
		} else {
			rows, err = c.db.QueryContext(ctx, messageSelect+`
				WHERE owner_id = $1 AND conversation_id = $2
				ORDER BY created_at, id LIMIT $3`, ownerID, conversationID, limit)
		}
		if err != nil {
			return err
		}
		page.Rows, err = scanMessages(rows)
		return err
	})
	if err != nil {
		return MessagePage{}, err
	}
	if n := len(page.Rows); n > 0 {
		last := page.Rows[n-1]
		page.NextCursor = nextCursor(n, limit, last.CreatedAt, last.ID)
	}
	return page, nil
}

// UpsertConversation creates a conversation or renames an existing one.
// Timestamps are assigned by the server; updated_at always moves forward.
func (c *PGClient) UpsertConversation(ctx context.Context, conv store.Conversation) (*store.Conversation, error) {
	if conv.ID == "" || conv.OwnerID == "" {
		return nil, syncerr.New(syncerr.Invalid, "remote.upsert_conversation", errors.New("missing id or owner"))
	}
	var out *store.Conversation
	err := c.do(ctx, "remote.upsert_conversation", func(ctx context.Context) error {
		got, err := scanConversation(c.db.QueryRowContext(ctx, `
			INSERT INTO conversations (id, owner_id, title, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
			ON CONFLICT (id) DO UPDATE SET
				title = EXCLUDED.title,
				updated_at = GREATEST(now(), conversations.updated_at + interval '1 microsecond')
			WHERE conversations.owner_id = EXCLUDED.owner_id AND conversations.deleted_at IS NULL
			RETURNING id, owner_id, title, created_at, updated_at, deleted_at`,
			conv.ID, conv.OwnerID, conv.Title))
		if errors.Is(err, sql.ErrNoRows) {
			return syncerr.New(syncerr.Invalid, "remote.upsert_conversation",
				fmt.Errorf("conversation %s is deleted or owned by another principal", conv.ID))
		}
		out = got
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertMessage inserts a message once. Replaying the same id returns the
// stored row without modifying it.
func (c *PGClient) UpsertMessage(ctx context.Context, m store.Message) (*store.Message, error) {
	if m.ID == "" || m.OwnerID == "" || m.ConversationID == "" {
		return nil, syncerr.New(syncerr.Invalid, "remote.upsert_message", errors.New("missing id, owner or conversation"))
	}
	if !m.Role.Valid() {
		return nil, syncerr.New(syncerr.Invalid, "remote.upsert_message", fmt.Errorf("unknown role %q", m.Role))
	}

	var out store.Message
	err := c.do(ctx, "remote.upsert_message", func(ctx context.Context) error {
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, owner_id, role, content, created_at)
			SELECT $1, c.id, c.owner_id, $4, $5, now()
			FROM conversations c
			WHERE c.id = $2 AND c.owner_id = $3 AND c.deleted_at IS NULL
			ON CONFLICT (id) DO NOTHING`,
			m.ID, m.ConversationID, m.OwnerID, string(m.Role), m.Content)
		if err != nil {
			return err
		}
		var role string
		err = c.db.QueryRowContext(ctx, messageSelect+` WHERE id = $1 AND owner_id = $2`, m.ID, m.OwnerID).
			Scan(&out.ID, &out.ConversationID, &out.OwnerID, &role, &out.Content, &out.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return syncerr.New(syncerr.Invalid, "remote.upsert_message",
				fmt.Errorf("conversation %s not found for message %s", m.ConversationID, m.ID))
		}
		out.Role = store.Role(role)
		out.CreatedAt = out.CreatedAt.UTC()
		out.Synced = true
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SoftDeleteConversation turns a conversation into a tombstone. Deleting a
// tombstone again is a no-op.
func (c *PGClient) SoftDeleteConversation(ctx context.Context, ownerID, conversationID string) error {
	return c.do(ctx, "remote.delete_conversation", func(ctx context.Context) error {
		var exists bool
		err := c.db.QueryRowContext(ctx, `
			WITH upd AS (
				UPDATE conversations
				SET deleted_at = now(),
					updated_at = GREATEST(now(), updated_at + interval '1 microsecond')
				WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL
				RETURNING id
			)
			SELECT EXISTS (SELECT 1 FROM upd)
				OR EXISTS (SELECT 1 FROM conversations WHERE id = $1 AND owner_id = $2)`,
			conversationID, ownerID).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return syncerr.New(syncerr.Invalid, "remote.delete_conversation",
				fmt.Errorf("conversation %s not found", conversationID))
		}
		return nil
	})
}

// PurgeTombstones hard-deletes tombstones older than the cutoff. Messages
// go with them through the foreign key.
func (c *PGClient) PurgeTombstones(ctx context.Context, ownerID string, olderThan time.Time) (int64, error) {
	var n int64
	err := c.do(ctx, "remote.purge_tombstones", func(ctx context.Context) error {
		res, err := c.db.ExecContext(ctx, `
			DELETE FROM conversations
			WHERE owner_id = $1 AND deleted_at IS NOT NULL AND deleted_at < $2`, ownerID, olderThan)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
