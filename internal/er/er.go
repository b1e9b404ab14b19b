// Package er defines the error taxonomy shared by the relay and its
// collaborators. Sentinels are matched with errors.Is; Err attaches the
// component that produced them.
package er

import (
	"errors"
	"fmt"
)

type Err struct {
	Context string
	Message error
}

var (
	ErrAuth        = errors.New("authentication failed")
	ErrProtocol    = errors.New("invalid request")
	ErrPersistence = errors.New("message could not be persisted")
	ErrDelivery    = errors.New("frame could not be delivered")

	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrUserExists         = errors.New("username already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

func (e *Err) Error() string {
	return fmt.Sprintf("context: %s, message: %v", e.Context, e.Message)
}

func (e *Err) Unwrap() error {
	return e.Message
}

// Wrap returns an *Err for context carrying message, joined with cause
// when one is given.
func Wrap(context string, message error, cause error) error {
	if cause != nil {
		message = fmt.Errorf("%w: %w", message, cause)
	}
	return &Err{Context: context, Message: message}
}
