package toolset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Gurpartap/agentgraph/checkpointstore/sqlstore"
)

// ErrUserNotFound is returned when a fingerprint has never been suspended.
var ErrUserNotFound = errors.New("user not found")

// User is a visitor record keyed by device fingerprint.
type User struct {
	Fingerprint string
	Banned      bool
	BannedUntil time.Time
}

// Feedback is a drafted message to the portfolio owner.
type Feedback struct {
	ID          string
	ThreadID    string
	Fingerprint string
	Body        string
	Draft       string
	CreatedAt   time.Time
}

// Store persists tool side effects. Writes are upserts so a retried tool call
// leaves the same rows behind.
type Store struct {
	db      *sql.DB
	dialect sqlstore.Dialect
}

func NewStore(db *sql.DB, dialect sqlstore.Dialect) (*Store, error) {
	if db == nil {
		return nil, errors.New("toolset store: nil db")
	}
	if _, err := sqlstore.ParseDialect(string(dialect)); err != nil {
		return nil, fmt.Errorf("toolset store: %w", err)
	}
	return &Store{db: db, dialect: dialect}, nil
}

// Migrate creates the users and feedback tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	bigint := "BIGINT"
	if s.dialect == sqlstore.DialectSQLite {
		bigint = "INTEGER"
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
	fingerprint  TEXT PRIMARY KEY,
	banned       BOOLEAN NOT NULL DEFAULT FALSE,
	banned_until ` + bigint + ` NOT NULL DEFAULT 0
)`,
		`CREATE TABLE IF NOT EXISTS feedback (
	id          TEXT PRIMARY KEY,
	thread_id   TEXT NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	body        TEXT NOT NULL,
	draft       TEXT NOT NULL,
	created_at  ` + bigint + ` NOT NULL
)`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("toolset migrate: %w", err)
		}
	}
	return nil
}

// Suspend bans fingerprint until the given time.
func (s *Store) Suspend(ctx context.Context, fingerprint string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO users (fingerprint, banned, banned_until)
VALUES (?, ?, ?)
ON CONFLICT (fingerprint) DO UPDATE SET banned = excluded.banned, banned_until = excluded.banned_until`),
		fingerprint, true, until.UTC().UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("suspend user: %w", err)
	}
	return nil
}

// User loads the record for fingerprint.
func (s *Store) User(ctx context.Context, fingerprint string) (User, error) {
	var (
		user  = User{Fingerprint: fingerprint}
		until int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT banned, banned_until FROM users WHERE fingerprint = ?`), fingerprint).
		Scan(&user.Banned, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("%w: fingerprint=%q", ErrUserNotFound, fingerprint)
	}
	if err != nil {
		return User{}, fmt.Errorf("load user: %w", err)
	}
	user.BannedUntil = time.UnixMicro(until).UTC()
	return user, nil
}

// Suspended reports whether fingerprint is banned at now.
func (s *Store) Suspended(ctx context.Context, fingerprint string, now time.Time) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	user, err := s.User(ctx, fingerprint)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return user.Banned && now.Before(user.BannedUntil), nil
}

// SaveFeedback upserts feedback by id.
func (s *Store) SaveFeedback(ctx context.Context, feedback Feedback) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO feedback (id, thread_id, fingerprint, body, draft, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET body = excluded.body, draft = excluded.draft`),
		feedback.ID,
		feedback.ThreadID,
		feedback.Fingerprint,
		feedback.Body,
		feedback.Draft,
		feedback.CreatedAt.UTC().UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("save feedback: %w", err)
	}
	return nil
}

// FeedbackForThread lists feedback drafted in a thread, oldest first.
func (s *Store) FeedbackForThread(ctx context.Context, threadID string) ([]Feedback, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT id, thread_id, fingerprint, body, draft, created_at
FROM feedback WHERE thread_id = ? ORDER BY created_at, id`), threadID)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		var (
			item    Feedback
			created int64
		)
		if err := rows.Scan(&item.ID, &item.ThreadID, &item.Fingerprint, &item.Body, &item.Draft, &created); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		item.CreatedAt = time.UnixMicro(created).UTC()
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	return out, nil
}
