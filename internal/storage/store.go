package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle backing bearer sessions and the presence ledger.
type Store struct {
	db *sql.DB
}

// Session is a bearer token issued by the account layer.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Presence is the last recorded transition for a user.
type Presence struct {
	UserID    string
	Status    string
	LastSeen  time.Time
	UpdatedAt time.Time
}

var (
	// ErrSessionNotFound is returned when a token has no session row.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when a token is inserted twice.
	ErrSessionExists = errors.New("session already exists")
)

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "relaychat.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) (err error) {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS sessions_expires_at ON sessions(expires_at);`,
		`CREATE TABLE IF NOT EXISTS presence (
			user_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			last_seen DATETIME,
			updated_at DATETIME NOT NULL
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateSession stores a session token for a user. ErrSessionExists is returned on conflicts.
func (s *Store) CreateSession(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions(token, user_id, expires_at) VALUES(?, ?, ?)`, token, userID, expiresAt.UTC())
	if err != nil {
		if isConstraintError(err) {
			return ErrSessionExists
		}
		return err
	}
	return nil
}

// GetSession returns the session for token or ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, token string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT token, user_id, expires_at, created_at FROM sessions WHERE token = ?`, token)
	var sess Session
	if err := row.Scan(&sess.Token, &sess.UserID, &sess.ExpiresAt, &sess.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes a session token.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	return err
}

// DeleteExpiredSessions drops sessions that expired before now and returns how many were removed.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordPresence upserts the latest transition for a user. An offline
// transition keeps its last-seen; an online one leaves the previous value.
func (s *Store) RecordPresence(ctx context.Context, p Presence) error {
	var lastSeen sql.NullTime
	if !p.LastSeen.IsZero() {
		lastSeen = sql.NullTime{Time: p.LastSeen.UTC(), Valid: true}
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence(user_id, status, last_seen, updated_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status = excluded.status,
			last_seen = COALESCE(excluded.last_seen, presence.last_seen),
			updated_at = excluded.updated_at
	`, p.UserID, p.Status, lastSeen, updated.UTC())
	return err
}

// GetPresence returns the recorded presence for a user, or nil when none exists.
func (s *Store) GetPresence(ctx context.Context, userID string) (*Presence, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, status, last_seen, updated_at FROM presence WHERE user_id = ?`, userID)
	var (
		p        Presence
		lastSeen sql.NullTime
	)
	if err := row.Scan(&p.UserID, &p.Status, &lastSeen, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lastSeen.Valid {
		p.LastSeen = lastSeen.Time
	}
	return &p, nil
}

// ResetPresence marks every user still recorded online as offline, last seen
// at now. Run at startup; live presence starts empty.
func (s *Store) ResetPresence(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE presence SET status = 'offline', last_seen = ?, updated_at = ?
		WHERE status <> 'offline'
	`, now.UTC(), now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// Extended codes carry the primary code in the low byte.
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
