package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/apperr"
	"github.com/opd-ai/chatcore/interfaces"
)

const (
	// DefaultLease is how long a held lock survives without release.
	DefaultLease = 10 * time.Second
	// DefaultAcquireTimeout bounds how long Acquire keeps retrying.
	DefaultAcquireTimeout = 5 * time.Second
	// DefaultRetryInterval is the pause between acquisition attempts.
	DefaultRetryInterval = 50 * time.Millisecond

	keyPrefix = "lock:"
)

// ErrNotAcquired is returned when the lock could not be taken before the
// acquire timeout elapsed.
var ErrNotAcquired = errors.New("lock not acquired")

// Config holds lock timings.
type Config struct {
	Lease          time.Duration
	AcquireTimeout time.Duration
	RetryInterval  time.Duration
}

// DefaultConfig returns the standard lock timings.
func DefaultConfig() Config {
	return Config{
		Lease:          DefaultLease,
		AcquireTimeout: DefaultAcquireTimeout,
		RetryInterval:  DefaultRetryInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	return c
}

// ConversationKey returns the lock key guarding writes to a conversation.
func ConversationKey(conversationID string) string {
	return keyPrefix + conversationID
}

// Lease is a held lock. Its token proves ownership on release.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// Locker acquires and releases leases against a KeyValueStore.
type Locker struct {
	kv  interfaces.KeyValueStore
	cfg Config
}

// New creates a Locker. Zero durations in cfg fall back to the defaults.
func New(kv interfaces.KeyValueStore, cfg Config) *Locker {
	return &Locker{kv: kv, cfg: cfg.withDefaults()}
}

// Acquire takes key with the configured lease and timeout.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	return l.AcquireWith(ctx, key, l.cfg.Lease, l.cfg.AcquireTimeout)
}

// AcquireWith spins on set-if-absent every retry interval until it holds key
// or acquireTimeout elapses. Store failures during acquisition are treated as
// transient and retried until the deadline.
func (l *Locker) AcquireWith(ctx context.Context, key string, lease, acquireTimeout time.Duration) (*Lease, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(acquireTimeout)
	attempts := 0
	var lastErr error

	for {
		attempts++
		ok, err := l.kv.SetNX(ctx, key, []byte(token), lease)
		if err == nil && ok {
			logrus.WithFields(logrus.Fields{
				"function": "Acquire",
				"key":      key,
				"attempts": attempts,
			}).Debug("Lock acquired")
			return &Lease{Key: key, Token: token, ExpiresAt: time.Now().Add(lease)}, nil
		}
		if err != nil {
			lastErr = err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := l.cfg.RetryInterval
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, apperr.LockUnavailable(fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err()))
		case <-timer.C:
		}
	}

	fields := logrus.Fields{
		"function": "Acquire",
		"key":      key,
		"attempts": attempts,
		"timeout":  acquireTimeout.String(),
	}
	if lastErr != nil {
		fields["error"] = lastErr.Error()
		logrus.WithFields(fields).Warn("Lock acquisition timed out with store errors")
		return nil, apperr.LockUnavailable(fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, lastErr))
	}
	logrus.WithFields(fields).Debug("Lock acquisition timed out")
	return nil, apperr.LockUnavailable(fmt.Errorf("%w: %s", ErrNotAcquired, key))
}

// Release deletes the lock if it is still held by lease. It reports false
// when the lease had already expired or been taken over.
func (l *Locker) Release(ctx context.Context, lease *Lease) (bool, error) {
	if lease == nil {
		return false, nil
	}
	released, err := l.kv.CompareAndDelete(ctx, lease.Key, []byte(lease.Token))
	if err != nil {
		return false, fmt.Errorf("release %s: %w", lease.Key, err)
	}
	if !released {
		logrus.WithFields(logrus.Fields{
			"function": "Release",
			"key":      lease.Key,
		}).Warn("Lock was lost before release")
	}
	return released, nil
}

// WithLock runs fn while holding key. The lock is released on every exit
// path, panics included. Release uses a fresh context so a cancelled caller
// still frees the lock promptly.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lease, err := l.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.AcquireTimeout)
		defer cancel()
		if _, err := l.Release(releaseCtx, lease); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "WithLock",
				"key":      key,
				"error":    err.Error(),
			}).Error("Failed to release lock")
		}
	}()
	return fn(ctx)
}
