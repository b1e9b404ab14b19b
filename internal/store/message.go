//go:generate go run go.uber.org/mock/mockgen -source=message.go -destination=../mocks/mock_message_store.go -package=mocks
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is an immutable direct message. It is created once per
// successful send and never rewritten.
type Message struct {
	ID        uuid.UUID `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatSummary is the latest message exchanged between a user and Peer.
type ChatSummary struct {
	Peer          string    `json:"username"`
	LastMessage   string    `json:"lastMessage"`
	LastTimestamp time.Time `json:"lastTimestamp"`
}

// MessageStore is the durable append-only log the relay writes to before
// any delivery attempt.
type MessageStore interface {
	// Append persists msg, assigning its ID, and returns the stored record.
	Append(ctx context.Context, msg Message) (Message, error)
	// Conversation returns every message between a and b, oldest first.
	Conversation(ctx context.Context, a, b string) ([]Message, error)
	// RecentChats returns one summary per conversation partner of user,
	// newest first.
	RecentChats(ctx context.Context, user string) ([]ChatSummary, error)
}
