package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/pliu/npchat/internal/store"
)

type Options struct {
	MaxConns int
	// Timeout bounds every store operation. Zero means no bound beyond the
	// caller's context.
	Timeout time.Duration
}

type SQLStore struct {
	db         *sqlx.DB
	driverName string
	timeout    time.Duration
}

var _ store.Store = (*SQLStore)(nil)

func New(driverName, dataSourceName string) (*SQLStore, error) {
	return Open(context.Background(), driverName, dataSourceName, Options{})
}

func Open(ctx context.Context, driverName, dataSourceName string, opts Options) (*SQLStore, error) {
	db, err := sqlx.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	switch driverName {
	case "sqlite3":
		// one connection keeps :memory: databases alive and avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	default:
		if opts.MaxConns > 0 {
			db.SetMaxOpenConns(opts.MaxConns)
		}
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLStore{db: db, driverName: driverName, timeout: opts.Timeout}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) createTables(ctx context.Context) error {
	// Simplified for brevity, ideally use migrations
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL,
		email TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		is_verified BOOLEAN NOT NULL DEFAULT FALSE,
		created_at BIGINT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username ON users (LOWER(username));
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users (LOWER(email));

	CREATE TABLE IF NOT EXISTS pending_registrations (
		username TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		verification_code INTEGER NOT NULL,
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL REFERENCES users(id),
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		last_activity BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_by INTEGER NOT NULL REFERENCES users(id),
		created_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_participants (
		chat_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		joined_at BIGINT NOT NULL,
		PRIMARY KEY (chat_id, user_id),
		FOREIGN KEY (chat_id) REFERENCES chats(id),
		FOREIGN KEY (user_id) REFERENCES users(id)
	);
	CREATE INDEX IF NOT EXISTS idx_participants_user ON chat_participants (user_id);

	CREATE TABLE IF NOT EXISTS attachments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type INTEGER NOT NULL,
		name TEXT NOT NULL,
		data BLOB
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER NOT NULL,
		sender_id INTEGER NOT NULL,
		content TEXT NOT NULL,
		attachment_id INTEGER,
		timestamp BIGINT NOT NULL,
		edited_at BIGINT,
		FOREIGN KEY (chat_id) REFERENCES chats(id),
		FOREIGN KEY (sender_id) REFERENCES users(id),
		FOREIGN KEY (attachment_id) REFERENCES attachments(id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages (chat_id, timestamp);

	CREATE TABLE IF NOT EXISTS message_delivery (
		message_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		delivered_at BIGINT NOT NULL,
		PRIMARY KEY (message_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS message_read (
		message_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		read_at BIGINT NOT NULL,
		PRIMARY KEY (message_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS contacts (
		user_id INTEGER NOT NULL,
		contact_id INTEGER NOT NULL,
		added_at BIGINT NOT NULL,
		blocked BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (user_id, contact_id)
	);
	`

	if s.driverName == "postgres" {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
		query = strings.ReplaceAll(query, "INTEGER", "BIGINT")
		query = strings.ReplaceAll(query, "BLOB", "BYTEA")
	}

	_, err := s.db.ExecContext(ctx, query)
	return err
}

// op applies the configured per-operation timeout.
func (s *SQLStore) op(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// inTx runs fn inside a transaction. fn must only use tx; with a single
// sqlite connection, touching s.db inside fn would deadlock.
func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint &&
			(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

// classify maps driver errors onto the store sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if isUniqueViolation(err) {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "idx_users_username"):
			return fmt.Errorf("%w: %v", store.ErrDuplicateUsername, err)
		case strings.Contains(msg, "idx_users_email"):
			return fmt.Errorf("%w: %v", store.ErrDuplicateEmail, err)
		default:
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		}
	}
	return err
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func likePattern(q string) string {
	return "%" + strings.ToLower(q) + "%"
}
