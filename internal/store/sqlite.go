// Package store persists users, credentials, pull requests and leaderboard rows in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrStorageUnavailable wraps every failure to reach or query the database.
var ErrStorageUnavailable = errors.New("storage unavailable")

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	external_login TEXT NOT NULL UNIQUE COLLATE NOCASE,
	name           TEXT NOT NULL DEFAULT '',
	email          TEXT NOT NULL DEFAULT '',
	phone          TEXT NOT NULL DEFAULT '',
	avatar_url     TEXT NOT NULL DEFAULT '',
	profile_url    TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	token      TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pull_requests (
	pr_id         INTEGER PRIMARY KEY,
	pr_number     INTEGER NOT NULL,
	repo_name     TEXT NOT NULL COLLATE NOCASE,
	author_login  TEXT NOT NULL COLLATE NOCASE,
	total_commits INTEGER NOT NULL DEFAULT 0,
	total_lines   INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	first_seen_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pull_requests_repo_status ON pull_requests(repo_name, status);
CREATE INDEX IF NOT EXISTS idx_pull_requests_author ON pull_requests(author_login);

CREATE TABLE IF NOT EXISTS leaderboard (
	user_id       INTEGER PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	total_prs     INTEGER NOT NULL,
	total_commits INTEGER NOT NULL,
	total_lines   INTEGER NOT NULL,
	points        INTEGER NOT NULL,
	computed_at   INTEGER NOT NULL
);
`

// SQLite is the shared storage handle. It holds one connection, reopened on demand
// by EnsureConnected.
type SQLite struct {
	path   string
	logger *zap.Logger

	mu sync.RWMutex
	db *sql.DB

	// Now is injected for testability.
	Now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, logger ...*zap.Logger) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}

	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}
	return &SQLite{
		path:   path,
		logger: baseLogger,
		db:     db,
		Now:    time.Now,
	}, nil
}

func openDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, unavailable("open database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable("ping database", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, unavailable(pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, unavailable("apply schema", err)
	}
	return db, nil
}

// Close closes the underlying connection.
func (s *SQLite) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Ping checks the connection.
func (s *SQLite) Ping(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return unavailable("ping database", err)
	}
	return nil
}

// EnsureConnected pings the database and reopens it once when the ping fails.
func (s *SQLite) EnsureConnected(ctx context.Context) error {
	pingErr := s.Ping(ctx)
	if pingErr == nil {
		return nil
	}
	s.logger.Warn("storage ping failed; reconnecting", zap.String("path", s.path), zap.Error(pingErr))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
	db, err := openDB(ctx, s.path)
	if err != nil {
		return errors.Join(pingErr, err)
	}
	s.db = db
	s.logger.Info("storage reconnected", zap.String("path", s.path))
	return nil
}

func (s *SQLite) conn() (*sql.DB, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: store is nil", ErrStorageUnavailable)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, fmt.Errorf("%w: connection closed", ErrStorageUnavailable)
	}
	return s.db, nil
}

func (s *SQLite) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

func fromUnix(seconds int64) time.Time {
	if seconds <= 0 {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}
