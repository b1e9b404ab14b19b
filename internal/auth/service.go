// Package auth is the credential and identity store: account
// registration, password login, and the session tokens the relay
// verifies on every WebSocket handshake.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Tyrowin/gochat-relay/internal/er"
)

// Service ties the user store to the token issuer.
type Service struct {
	users  *UserStore
	tokens *TokenIssuer
	log    *slog.Logger
}

func NewService(users *UserStore, tokens *TokenIssuer, log *slog.Logger) *Service {
	return &Service{users: users, tokens: tokens, log: log}
}

// Register validates and stores a new account.
func (s *Service) Register(ctx context.Context, c Credentials) error {
	if err := ValidateCredentials(c); err != nil {
		return er.Wrap("Auth", er.ErrInvalidCredentials, err)
	}

	hash, err := HashPassword(c.Password)
	if err != nil {
		return fmt.Errorf("hashing failed: %w", err)
	}

	if err := s.users.CreateUser(ctx, c.Username, hash); err != nil {
		return err
	}
	s.log.Info("User registered", "username", c.Username)
	return nil
}

// Login checks the password and issues a token. Unknown users and wrong
// passwords are reported as distinct sentinels; the HTTP layer decides
// what to reveal.
func (s *Service) Login(ctx context.Context, c Credentials) (string, error) {
	hash, err := s.users.PasswordHash(ctx, c.Username)
	if err != nil {
		return "", err
	}

	// No stored account can have a longer password.
	if len(c.Password) > MaxPasswordBytes {
		return "", er.Wrap("Auth", er.ErrInvalidCredentials, nil)
	}

	match, err := VerifyPassword(hash, c.Password)
	if err != nil {
		return "", fmt.Errorf("verify password: %w", err)
	}
	if !match {
		return "", er.Wrap("Auth", er.ErrInvalidCredentials, nil)
	}

	return s.tokens.Issue(c.Username)
}

// VerifyToken resolves a session token to its username.
func (s *Service) VerifyToken(token string) (string, error) {
	username, err := s.tokens.Verify(token)
	if err != nil {
		if !errors.Is(err, er.ErrTokenExpired) {
			s.log.Debug("Rejected token", "error", err)
		}
		return "", err
	}
	return username, nil
}
