// Package pgstore implements the chatcore conversation and message services
// directly on PostgreSQL. It is meant for trusted processes (back-office jobs,
// the CLI against a local database) that do not go through the REST gateway.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/tendly/chatcore"
)

// Pool settings applied by Open.
const (
	maxOpenConns    = 50
	maxIdleConns    = 20
	connMaxLifetime = 5 * time.Minute
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id              TEXT PRIMARY KEY,
    participant_a   TEXT NOT NULL,
    participant_b   TEXT NOT NULL,
    last_message    TEXT NOT NULL DEFAULT '',
    last_message_at TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT conversations_pair_ordered CHECK (participant_a < participant_b),
    CONSTRAINT conversations_pair_unique UNIQUE (participant_a, participant_b)
);

CREATE TABLE IF NOT EXISTS messages (
    id                   TEXT PRIMARY KEY,
    conversation_id      TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    sender_id            TEXT NOT NULL,
    body                 TEXT NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    edited_at            TIMESTAMPTZ,
    deleted_at           TIMESTAMPTZ,
    read_at              TIMESTAMPTZ,
    attachment_path      TEXT,
    attachment_name      TEXT,
    attachment_mime_type TEXT,
    attachment_size      BIGINT
);

CREATE INDEX IF NOT EXISTS messages_conversation_created_idx
    ON messages (conversation_id, created_at, id);
`

const messageColumns = `id, conversation_id, sender_id, body, created_at, edited_at, deleted_at, read_at,
    attachment_path, attachment_name, attachment_mime_type, attachment_size`

const conversationColumns = `id, participant_a, participant_b, last_message, last_message_at, created_at`

// Store is a chatcore.ConversationService and chatcore.MessageService backed
// by a *sql.DB.
type Store struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

var (
	_ chatcore.ConversationService = (*Store)(nil)
	_ chatcore.MessageService      = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source used for server-side stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open connects to the database at dsn and verifies the connection.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("pgstore: empty database url")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return New(db, opts...), nil
}

// New wraps an existing handle. The caller keeps ownership of pool settings.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin migration: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("pgstore: create tables: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("pgstore: commit migration: %w", err)
	}
	s.log.Debug("schema ready")
	return nil
}

// ============================================================================
// Conversations
// ============================================================================

// GetOrCreate returns the conversation for the pair, inserting it if absent.
// Losing an insert race surfaces as chatcore.ErrConversationExists so the
// registry re-reads the winner.
func (s *Store) GetOrCreate(ctx context.Context, participantA, participantB string) (*chatcore.Conversation, error) {
	a, b := participantA, participantB
	if b < a {
		a, b = b, a
	}
	conv, err := s.FindConversation(ctx, a, b)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, chatcore.ErrNotFound) {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO conversations (id, participant_a, participant_b, created_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+conversationColumns,
		uuid.NewString(), a, b, s.now().UTC())
	conv, err = scanConversation(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %v", chatcore.ErrConversationExists, err)
		}
		return nil, fmt.Errorf("pgstore: insert conversation: %w", err)
	}
	s.log.Debug("conversation created", zap.String("conversation", conv.ID))
	return conv, nil
}

// FindConversation looks up the conversation for a lexically ordered pair.
func (s *Store) FindConversation(ctx context.Context, a, b string) (*chatcore.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE participant_a = $1 AND participant_b = $2`,
		a, b)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, chatcore.ErrNotFound
		}
		return nil, fmt.Errorf("pgstore: find conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns the conversations userID takes part in, most
// recently active first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]*chatcore.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE participant_a = $1 OR participant_b = $1
		 ORDER BY last_message_at DESC NULLS LAST, created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list conversations: %w", err)
	}
	defer rows.Close()

	var out []*chatcore.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// ============================================================================
// Messages
// ============================================================================

// Create inserts a message and bumps the conversation preview in the same
// transaction.
func (s *Store) Create(ctx context.Context, msg chatcore.NewMessage) (_ *chatcore.Message, err error) {
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	createdAt = createdAt.UTC()

	var path, name, mime sql.NullString
	var size sql.NullInt64
	if a := msg.Attachment; a != nil {
		path = sql.NullString{String: a.Path, Valid: true}
		name = sql.NullString{String: a.Name, Valid: true}
		mime = sql.NullString{String: a.MIMEType, Valid: true}
		size = sql.NullInt64{Int64: a.Size, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("pgstore: begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, body, created_at,
		     attachment_path, attachment_name, attachment_mime_type, attachment_size)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+messageColumns,
		id, msg.ConversationID, msg.SenderID, msg.Body, createdAt, path, name, mime, size)
	created, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("pgstore: insert message: %w", err)
	}

	preview := msg.Body
	if preview == "" && msg.Attachment != nil {
		preview = msg.Attachment.Name
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE conversations SET last_message = $1, last_message_at = $2
		 WHERE id = $3 AND (last_message_at IS NULL OR last_message_at <= $2)`,
		preview, createdAt, msg.ConversationID); err != nil {
		return nil, fmt.Errorf("pgstore: update preview: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("pgstore: commit: %w", err)
	}

	if created.Attachment != nil && msg.Attachment != nil {
		created.Attachment.URL = msg.Attachment.URL
	}
	return created, nil
}

// Update replaces the body of a live message owned by senderID.
func (s *Store) Update(ctx context.Context, messageID, senderID string, fields chatcore.MessageFields) (*chatcore.Message, error) {
	editedAt := fields.EditedAt
	if editedAt.IsZero() {
		editedAt = s.now()
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE messages SET body = $1, edited_at = $2
		 WHERE id = $3 AND sender_id = $4 AND deleted_at IS NULL
		 RETURNING `+messageColumns,
		fields.Body, editedAt.UTC(), messageID, senderID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, chatcore.ErrNotFound
		}
		return nil, fmt.Errorf("pgstore: update message: %w", err)
	}
	return msg, nil
}

// SoftDelete tombstones a message owned by senderID. Content columns are
// cleared; the row stays so history keeps its place.
func (s *Store) SoftDelete(ctx context.Context, messageID, senderID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET deleted_at = COALESCE(deleted_at, $1), body = '',
		     attachment_path = NULL, attachment_name = NULL,
		     attachment_mime_type = NULL, attachment_size = NULL
		 WHERE id = $2 AND sender_id = $3`,
		s.now().UTC(), messageID, senderID)
	if err != nil {
		return fmt.Errorf("pgstore: delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pgstore: delete message: %w", err)
	}
	if n == 0 {
		return chatcore.ErrNotFound
	}
	return nil
}

// MarkRead stamps read_at on every unread message the other participant sent.
func (s *Store) MarkRead(ctx context.Context, conversationID, readerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET read_at = $1
		 WHERE conversation_id = $2 AND sender_id <> $3 AND read_at IS NULL`,
		s.now().UTC(), conversationID, readerID)
	if err != nil {
		return fmt.Errorf("pgstore: mark read: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("messages marked read",
			zap.String("conversation", conversationID), zap.Int64("count", n))
	}
	return nil
}

// List returns the messages of a conversation oldest first, tombstones included.
func (s *Store) List(ctx context.Context, conversationID string) ([]chatcore.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at, id`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list messages: %w", err)
	}
	defer rows.Close()

	var out []chatcore.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan message: %w", err)
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

// ============================================================================
// Scanning
// ============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*chatcore.Conversation, error) {
	var c chatcore.Conversation
	var lastAt sql.NullTime
	if err := row.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.LastMessage, &lastAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.LastMessageAt = nullTime(lastAt)
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func scanMessage(row scanner) (*chatcore.Message, error) {
	var m chatcore.Message
	var edited, deleted, read sql.NullTime
	var path, name, mime sql.NullString
	var size sql.NullInt64
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.CreatedAt,
		&edited, &deleted, &read, &path, &name, &mime, &size); err != nil {
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.EditedAt = nullTime(edited)
	m.DeletedAt = nullTime(deleted)
	m.ReadAt = nullTime(read)
	if path.Valid && path.String != "" && m.DeletedAt == nil {
		m.Attachment = &chatcore.AttachmentRef{
			Path:     path.String,
			Name:     name.String,
			MIMEType: mime.String,
			Size:     size.Int64,
		}
	}
	if m.DeletedAt != nil {
		m.Body = ""
	}
	return &m, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
