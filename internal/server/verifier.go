//go:generate go run go.uber.org/mock/mockgen -source=verifier.go -destination=../mocks/mock_token_verifier.go -package=mocks
package server

// TokenVerifier resolves a session token to the identity it was issued
// for. It is the only capability the relay needs from the credential
// store.
type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}
