// Package store persists direct messages in BadgerDB.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/Tyrowin/gochat-relay/internal/er"
)

type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
	now func() time.Time
}

func NewBadgerStore(db *badger.DB, log *slog.Logger) *BadgerStore {
	return &BadgerStore{db: db, log: log, now: time.Now}
}

// conversationPrefix orders the pair so both directions share one range.
func conversationPrefix(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("conv:%s:%s:", a, b)
}

func peerPrefix(user string) string {
	return fmt.Sprintf("peer:%s:", user)
}

// checkKeyParts rejects identities that would break out of their key segment.
func checkKeyParts(identities ...string) error {
	for _, id := range identities {
		if id == "" || strings.Contains(id, ":") {
			return er.Wrap("Store", er.ErrPersistence, fmt.Errorf("invalid identity %q in key", id))
		}
	}
	return nil
}

// Append stores msg under "conv:{a}:{b}:{unix_nano_padded}:{uuid}".
// The 19-digit padding keeps lexicographic order chronological and the
// UUID separates messages sharing a nanosecond. Each side's "peer:" entry
// is rewritten in the same transaction so RecentChats stays consistent
// with the log.
func (s *BadgerStore) Append(ctx context.Context, msg Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, er.Wrap("Store", er.ErrPersistence, err)
	}
	if err := checkKeyParts(msg.Sender, msg.Receiver); err != nil {
		return Message{}, err
	}

	msg.ID = uuid.New()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	msg.Timestamp = msg.Timestamp.UTC()

	value, err := json.Marshal(msg)
	if err != nil {
		return Message{}, er.Wrap("Store", er.ErrPersistence, err)
	}
	key := fmt.Sprintf("%s%019d:%s", conversationPrefix(msg.Sender, msg.Receiver), msg.Timestamp.UnixNano(), msg.ID)

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(key), value); err != nil {
			return err
		}
		if err := s.touchPeer(txn, msg.Sender, msg.Receiver, msg); err != nil {
			return err
		}
		if msg.Sender == msg.Receiver {
			return nil
		}
		return s.touchPeer(txn, msg.Receiver, msg.Sender, msg)
	})
	if err != nil {
		return Message{}, er.Wrap("Store", er.ErrPersistence, err)
	}
	return msg, nil
}

func (s *BadgerStore) touchPeer(txn *badger.Txn, user, peer string, msg Message) error {
	key := []byte(peerPrefix(user) + peer)

	item, err := txn.Get(key)
	switch {
	case err == nil:
		var current ChatSummary
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &current) }); err != nil {
			return err
		}
		if current.LastTimestamp.After(msg.Timestamp) {
			return nil
		}
	case err != badger.ErrKeyNotFound:
		return err
	}

	value, err := json.Marshal(ChatSummary{Peer: peer, LastMessage: msg.Text, LastTimestamp: msg.Timestamp})
	if err != nil {
		return err
	}
	return txn.Set(key, value)
}

// Conversation scans the pair's prefix; key order is timestamp order.
func (s *BadgerStore) Conversation(ctx context.Context, a, b string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkKeyParts(a, b); err != nil {
		return nil, err
	}

	messages := make([]Message, 0)
	prefix := []byte(conversationPrefix(a, b))
	err := s.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg Message
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &msg) }); err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("conversation %s/%s: %w", a, b, err)
	}
	return messages, nil
}

func (s *BadgerStore) RecentChats(ctx context.Context, user string) ([]ChatSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkKeyParts(user); err != nil {
		return nil, err
	}

	summaries := make([]ChatSummary, 0)
	prefix := []byte(peerPrefix(user))
	err := s.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var summary ChatSummary
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &summary) }); err != nil {
				return err
			}
			summaries = append(summaries, summary)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recent chats for %s: %w", user, err)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastTimestamp.After(summaries[j].LastTimestamp)
	})
	s.log.Debug("Loaded recent chats", "user", user, "count", len(summaries))
	return summaries, nil
}
