package er

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapKeepsSentinelAndCause(t *testing.T) {
	req := require.New(t)
	cause := errors.New("disk full")

	err := Wrap("Store", ErrPersistence, cause)

	req.ErrorIs(err, ErrPersistence)
	req.ErrorIs(err, cause)
	req.Contains(err.Error(), "context: Store")

	var typed *Err
	req.ErrorAs(err, &typed)
	req.Equal("Store", typed.Context)
}

func TestWrapWithoutCause(t *testing.T) {
	req := require.New(t)

	err := Wrap("Auth", ErrInvalidToken, nil)

	req.ErrorIs(err, ErrInvalidToken)
	req.False(errors.Is(err, ErrTokenExpired))
}
