// Package service is the auth and data service: users, sessions, reset
// links, conversations and messages stored in SQLite. Every data call is
// scoped to the user that owns the access token.
package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"AssistChat/internal/session"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// ResetTokenTTL is how long a password reset link stays valid
const ResetTokenTTL = time.Hour

// AccountEvent reports a change made to an account. Origin is the access
// token of the caller that made it, so that caller can skip its own echo.
type AccountEvent struct {
	UserID string
	Kind   session.EventKind
	Origin string
}

// Service is the auth and data service
type Service struct {
	db         *sql.DB
	logger     *slog.Logger
	sessionTTL time.Duration
	bcryptCost int
	now        func() time.Time

	mu        sync.Mutex
	listeners map[int]func(AccountEvent)
	nextID    int
}

// Option configures a Service
type Option func(*Service)

// WithSessionTTL sets the access token lifetime
func WithSessionTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.sessionTTL = d
		}
	}
}

// WithBcryptCost sets the password hashing cost
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Open opens (creating if needed) the database at path
func Open(path string, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite has a single writer; rows must be closed before the next query
	db.SetMaxOpenConns(1)

	s := &Service{
		db:         db,
		logger:     logger,
		sessionTTL: time.Hour,
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
		listeners:  make(map[int]func(AccountEvent)),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) migrate() error {
	stmts := []struct {
		name string
		sql  string
	}{
		{"users", `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`},
		{"sessions", `
		CREATE TABLE IF NOT EXISTS sessions (
			access_token TEXT PRIMARY KEY,
			refresh_token TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`},
		{"reset_tokens", `
		CREATE TABLE IF NOT EXISTS reset_tokens (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`},
		{"conversations", `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`},
		{"messages", `
		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);`},
		{"conversations index", `CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);`},
		{"messages index", `CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);`},
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st.sql); err != nil {
			return fmt.Errorf("failed to create %s table: %w", st.name, err)
		}
	}
	return nil
}

// Close closes the database
func (s *Service) Close() error {
	return s.db.Close()
}

// SubscribeAccounts registers l for account changes
func (s *Service) SubscribeAccounts(l func(AccountEvent)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Service) publish(ev AccountEvent) {
	s.mu.Lock()
	ls := make([]func(AccountEvent), 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()
	for _, l := range ls {
		l(ev)
	}
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC()
}

// withTx runs fn in a transaction
func (s *Service) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
