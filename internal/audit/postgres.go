package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS rt_notifications (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	type       TEXT NOT NULL,
	title      TEXT NOT NULL,
	message    TEXT NOT NULL,
	related_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	read_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS rt_notifications_user_idx ON rt_notifications (user_id, created_at);

CREATE TABLE IF NOT EXISTS rt_messages (
	id              TEXT PRIMARY KEY,
	client_id       TEXT,
	sender_id       TEXT NOT NULL,
	recipient_id    TEXT NOT NULL,
	conversation_id TEXT,
	body            JSONB,
	sent_at         TIMESTAMPTZ NOT NULL,
	read_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS rt_messages_recipient_idx ON rt_messages (recipient_id, sent_at);
ALTER TABLE rt_messages ADD COLUMN IF NOT EXISTS client_id TEXT;
`

// Postgres is the audit trail on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

type PostgresConfig struct {
	URL      string
	MaxConns int32
	// Migrate creates the audit tables when missing.
	Migrate bool
}

func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	if cfg.Migrate {
		if _, err := pool.Exec(ctx, schema); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create audit schema: %w", err)
		}
	}
	return &Postgres{pool: pool}, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (p *Postgres) RecordNotification(ctx context.Context, n Notification) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO rt_notifications (id, user_id, type, title, message, related_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, nullable(n.RelatedID), n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (p *Postgres) MarkNotificationsRead(ctx context.Context, userID string, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE rt_notifications SET read_at = $3
		 WHERE user_id = $1 AND id = ANY($2) AND read_at IS NULL`,
		userID, ids, at)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) RecordMessage(ctx context.Context, m Message) error {
	var body []byte
	if len(m.Body) > 0 {
		body = m.Body
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO rt_messages (id, client_id, sender_id, recipient_id, conversation_id, body, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, nullable(m.ClientID), m.SenderID, m.RecipientID, nullable(m.ConversationID), body, m.SentAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (p *Postgres) MarkMessageRead(ctx context.Context, messageID, readerID string, at time.Time) (Message, error) {
	var (
		m      Message
		client *string
		conv   *string
		body   []byte
	)
	err := p.pool.QueryRow(ctx,
		`UPDATE rt_messages SET read_at = COALESCE(read_at, $3)
		 WHERE id = $1 AND recipient_id = $2
		 RETURNING id, client_id, sender_id, recipient_id, conversation_id, body, sent_at, read_at`,
		messageID, readerID, at).
		Scan(&m.ID, &client, &m.SenderID, &m.RecipientID, &conv, &body, &m.SentAt, &m.ReadAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("mark message read: %w", err)
	}
	if client != nil {
		m.ClientID = *client
	}
	if conv != nil {
		m.ConversationID = *conv
	}
	m.Body = body
	return m, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() { p.pool.Close() }
