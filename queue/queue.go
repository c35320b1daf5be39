package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/interfaces"
)

const (
	// DefaultRetention is how long an untouched offline list survives.
	DefaultRetention = 24 * time.Hour

	keyPrefix = "offline:"
)

// ErrInvalidRecipient is returned for an empty recipient id.
var ErrInvalidRecipient = errors.New("invalid recipient")

// Message is a message held for an offline recipient.
type Message struct {
	RecipientID    string
	MessageID      string
	ConversationID string
	SenderID       string
	Ciphertext     string
	IV             string
	Type           string
	// MessageNumber and ChainLength are optional ratchet metadata.
	MessageNumber *int64
	ChainLength   *int64
	Timestamp     time.Time
	Deleted       bool
}

// Config controls retention.
type Config struct {
	// Retention is the list ttl, refreshed on every append.
	Retention time.Duration
	// MaxPerRecipient trims the list to its newest entries when > 0.
	MaxPerRecipient int
}

// DefaultConfig returns a 24h retention with no length cap.
func DefaultConfig() Config {
	return Config{Retention: DefaultRetention}
}

// Queue stores offline messages in a ListStore.
type Queue struct {
	lists interfaces.ListStore
	cfg   Config
}

// New creates a Queue over lists.
func New(lists interfaces.ListStore, cfg Config) *Queue {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Queue{lists: lists, cfg: cfg}
}

// Key returns the list key for recipientID.
func Key(recipientID string) string {
	return keyPrefix + recipientID
}

// Enqueue appends msg to the recipient's list and refreshes its retention.
func (q *Queue) Enqueue(ctx context.Context, recipientID string, msg Message) error {
	if recipientID == "" {
		return ErrInvalidRecipient
	}
	msg.RecipientID = recipientID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	if err := q.lists.Append(ctx, Key(recipientID), Encode(msg), q.cfg.Retention, q.cfg.MaxPerRecipient); err != nil {
		return fmt.Errorf("enqueue offline message for %s: %w", recipientID, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Enqueue",
		"recipient_id":    recipientID,
		"message_id":      msg.MessageID,
		"conversation_id": msg.ConversationID,
	}).Debug("Queued message for offline recipient")
	return nil
}

// Drain atomically takes every queued message for recipientID in append
// order. Entries that fail to decode are logged and skipped.
func (q *Queue) Drain(ctx context.Context, recipientID string) ([]Message, error) {
	if recipientID == "" {
		return nil, ErrInvalidRecipient
	}
	raw, err := q.lists.Drain(ctx, Key(recipientID))
	if err != nil {
		return nil, fmt.Errorf("drain offline messages for %s: %w", recipientID, err)
	}

	out := make([]Message, 0, len(raw))
	for i, entry := range raw {
		msg, err := Decode(entry)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":     "Drain",
				"recipient_id": recipientID,
				"index":        i,
				"error":        err.Error(),
			}).Warn("Skipping corrupt offline message")
			continue
		}
		out = append(out, msg)
	}

	if len(out) > 0 {
		logrus.WithFields(logrus.Fields{
			"function":     "Drain",
			"recipient_id": recipientID,
			"count":        len(out),
		}).Info("Drained offline messages")
	}
	return out, nil
}

// Count returns how many messages are queued for recipientID.
func (q *Queue) Count(ctx context.Context, recipientID string) (int64, error) {
	if recipientID == "" {
		return 0, ErrInvalidRecipient
	}
	n, err := q.lists.Len(ctx, Key(recipientID))
	if err != nil {
		return 0, fmt.Errorf("count offline messages for %s: %w", recipientID, err)
	}
	return n, nil
}

// Exists reports whether anything is queued for recipientID.
func (q *Queue) Exists(ctx context.Context, recipientID string) (bool, error) {
	n, err := q.Count(ctx, recipientID)
	return n > 0, err
}
