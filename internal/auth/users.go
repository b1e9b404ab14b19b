package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/Tyrowin/gochat-relay/internal/er"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	username   TEXT PRIMARY KEY,
	secret     TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// UserStore keeps usernames and bcrypt hashes in SQLite.
type UserStore struct {
	db *sql.DB
}

// OpenUserStore opens (or creates) the SQLite database at path and
// ensures the schema exists.
func OpenUserStore(path string) (*UserStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open user store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create users schema: %w", err)
	}
	return &UserStore{db: db}, nil
}

func (s *UserStore) Close() error {
	return s.db.Close()
}

// CreateUser stores a new account. A taken username yields er.ErrUserExists.
func (s *UserStore) CreateUser(ctx context.Context, username, hash string) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO users (username, secret) VALUES (?, ?)", username, hash)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
			return er.Wrap("Auth", er.ErrUserExists, nil)
		}
		return fmt.Errorf("insert user %q: %w", username, err)
	}
	return nil
}

// PasswordHash returns the stored hash for username, or er.ErrUserNotFound.
func (s *UserStore) PasswordHash(ctx context.Context, username string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, "SELECT secret FROM users WHERE username = ?", username).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", er.Wrap("Auth", er.ErrUserNotFound, nil)
		}
		return "", fmt.Errorf("query user %q: %w", username, err)
	}
	return hash, nil
}
