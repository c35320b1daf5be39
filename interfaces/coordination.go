package interfaces

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxKeyLength bounds the length of any coordination store key.
const MaxKeyLength = 512

var (
	// ErrKeyNotFound is returned when reading a key that does not exist or has expired
	ErrKeyNotFound = errors.New("key not found")
	// ErrStoreClosed is returned by operations on a closed store
	ErrStoreClosed = errors.New("coordination store closed")
	// ErrInvalidKey is returned for empty, oversized or malformed keys
	ErrInvalidKey = errors.New("invalid key")
)

// KeyValueStore provides atomic single-key operations with expiry.
type KeyValueStore interface {
	// Get returns the value stored at key or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only if its current value equals expected,
	// as one atomic step, and reports whether it deleted.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// IncrBy adds delta to the integer at key, creating it at zero, refreshes
	// its ttl when ttl > 0 and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// ListStore provides ordered lists whose expiry applies to the whole list.
type ListStore interface {
	// Append pushes value to the tail of the list at key and sets the list's
	// ttl. When maxLen > 0 the list is trimmed to its newest maxLen entries.
	Append(ctx context.Context, key string, value []byte, ttl time.Duration, maxLen int) error

	// Drain atomically returns every entry of the list and deletes it.
	// Concurrent drains never return the same entry twice.
	Drain(ctx context.Context, key string) ([][]byte, error)

	// Len returns the number of entries in the list, zero when absent.
	Len(ctx context.Context, key string) (int64, error)
}

// MessageHandler receives payloads published on a channel.
type MessageHandler func(channel string, payload []byte)

// Subscription is an open channel subscription.
type Subscription interface {
	Close() error
}

// PubSub provides best-effort, at-most-once fan-out channels.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe delivers every payload published on channel after the call
	// returns. Handlers for one subscription run sequentially.
	Subscribe(ctx context.Context, channel string, handler MessageHandler) (Subscription, error)
}

// CoordinationStore is the complete cross-node shared state.
type CoordinationStore interface {
	KeyValueStore
	ListStore
	PubSub
	Close() error
}

// ValidateKey checks that key is usable by every store backend.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key length %d exceeds limit %d", ErrInvalidKey, len(key), MaxKeyLength)
	}
	if strings.ContainsAny(key, " \t\r\n") {
		return fmt.Errorf("%w: key %q contains whitespace", ErrInvalidKey, key)
	}
	return nil
}
