package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

var (
	// ErrPersistence wraps storage-layer failures. Callers report these to the
	// originating client and never deliver the message.
	ErrPersistence = errors.New("message store failure")

	// ErrNotFound reports an id that no stored message carries.
	ErrNotFound = errors.New("message not found")
)

// Message is a durable chat message. IDs are store-assigned and strictly
// increasing, so id order equals timestamp order for any conversation.
type Message struct {
	ID        uint64    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsRead    bool      `json:"isRead"`
}

const (
	msgPrefix  = "msg:"
	convPrefix = "conv:"

	// seqBandwidth is how many ids each sequence lease reserves. Crash recovery
	// may skip up to this many ids, which keeps ids monotonic but not dense.
	seqBandwidth = 128
)

// Store persists messages in BadgerDB.
//
// Two key families: "msg:<id>" holds the JSON record, and
// "conv:<pairKey>:<id>" indexes it under the participant pair so history
// reads are a single prefix scan. Ids are zero-padded to keep Badger's
// lexicographic iteration in numeric order.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
	log *slog.Logger
}

func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open message store at %s: %w", dir, err)
	}

	seq, err := db.GetSequence([]byte("message-id"), seqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open message id sequence: %w", err)
	}

	return &Store{db: db, seq: seq, log: logger}, nil
}

func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.log.Warn("releasing message id sequence", "error", err)
	}
	return s.db.Close()
}

// Append persists a new message and returns the stored record with its
// assigned id and timestamp.
func (s *Store) Append(sender, receiver, content string) (Message, error) {
	if strings.TrimSpace(sender) == "" || strings.TrimSpace(receiver) == "" {
		return Message{}, fmt.Errorf("%w: sender and receiver must be non-empty", ErrPersistence)
	}

	next, err := s.seq.Next()
	if err != nil {
		return Message{}, fmt.Errorf("%w: assigning message id: %v", ErrPersistence, err)
	}

	msg := Message{
		// Sequence values start at zero; ids start at one.
		ID:        next + 1,
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("%w: encoding message: %v", ErrPersistence, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(msgKey(msg.ID), value); err != nil {
			return err
		}
		return txn.Set(convKey(msg.Sender, msg.Receiver, msg.ID), nil)
	})
	if err != nil {
		return Message{}, fmt.Errorf("%w: writing message: %v", ErrPersistence, err)
	}
	return msg, nil
}

// MarkRead flips a message's read flag and returns the updated record.
// Marking an already-read message is a no-op that still succeeds.
func (s *Store) MarkRead(id uint64) (Message, error) {
	var msg Message
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(msgKey(id))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		}); err != nil {
			return err
		}
		if msg.IsRead {
			return nil
		}
		msg.IsRead = true
		value, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return txn.Set(msgKey(id), value)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Message{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return Message{}, fmt.Errorf("%w: marking message %d read: %v", ErrPersistence, id, err)
	}
	return msg, nil
}

// History returns every message exchanged between a and b in either
// direction, ordered by timestamp ascending. The participant order does not
// matter; History(a, b) and History(b, a) return the same slice.
func (s *Store) History(a, b string) ([]Message, error) {
	prefix := []byte(convPrefix + pairKey(a, b) + ":")

	var out []Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		// Index values are empty; the record lives under the msg: key.
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			idPart := key[len(prefix):]

			item, err := txn.Get(append([]byte(msgPrefix), idPart...))
			if err != nil {
				return err
			}
			var msg Message
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: reading history: %v", ErrPersistence, err)
	}
	return out, nil
}

func msgKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%019d", msgPrefix, id))
}

func convKey(sender, receiver string, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%019d", convPrefix, pairKey(sender, receiver), id))
}

// pairKey is an order-independent key for a participant pair. Identities are
// escaped so a ":" inside one cannot collide with the delimiter.
func pairKey(a, b string) string {
	pair := []string{url.QueryEscape(a), url.QueryEscape(b)}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}
