package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/opd-ai/chatcore/interfaces"
)

const (
	// pubsubPrefix namespaces published payloads away from ordinary keys.
	pubsubPrefix = "\x00pubsub/"
	// publishTTL bounds how long a published payload lingers in the log.
	publishTTL = time.Minute
	// maxTxnRetries bounds optimistic-transaction retries on write conflicts.
	maxTxnRetries = 64
	// subscribeReadyTimeout bounds the wait for a new subscriber to register.
	subscribeReadyTimeout = 5 * time.Second
)

// BadgerOptions configures an embedded Badger coordination store.
type BadgerOptions struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
}

// Badger is a single-process CoordinationStore backed by an embedded Badger
// database.
type Badger struct {
	db     *badger.DB
	closed atomic.Bool

	mu   sync.Mutex
	subs map[*badgerSubscription]struct{}
}

var _ interfaces.CoordinationStore = (*Badger)(nil)

// NewBadger opens (or creates) the Badger database described by opts.
func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badger store requires a directory or in-memory mode")
	}

	bopts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "NewBadger",
		"dir":       opts.Dir,
		"in_memory": opts.InMemory,
	}).Info("Opened badger coordination store")

	return &Badger{db: db, subs: make(map[*badgerSubscription]struct{})}, nil
}

func (b *Badger) check(key string) error {
	if b.closed.Load() {
		return interfaces.ErrStoreClosed
	}
	return interfaces.ValidateKey(key)
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (b *Badger) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("badger transaction: %w", badger.ErrConflict)
}

func newEntry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

// Get returns the value at key.
func (b *Badger) Get(ctx context.Context, key string) ([]byte, error) {
	if err := b.check(key); err != nil {
		return nil, err
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", key, err)
	}
	return out, nil
}

// Set stores value at key with an optional ttl.
func (b *Badger) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.check(key); err != nil {
		return err
	}
	return b.update(ctx, func(txn *badger.Txn) error {
		return txn.SetEntry(newEntry(key, value, ttl))
	})
}

// SetNX stores value only when key is absent. A write conflict with a
// concurrent writer counts as "not set".
func (b *Badger) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := b.check(key); err != nil {
		return false, err
	}
	set := false
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		set = true
		return txn.SetEntry(newEntry(key, value, ttl))
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger setnx %s: %w", key, err)
	}
	return set, nil
}

// CompareAndDelete deletes key while it still holds expected.
func (b *Badger) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	if err := b.check(key); err != nil {
		return false, err
	}
	deleted := false
	err := b.update(ctx, func(txn *badger.Txn) error {
		deleted = false
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		current, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if !bytes.Equal(current, expected) {
			return nil
		}
		deleted = true
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return false, fmt.Errorf("badger compare-and-delete %s: %w", key, err)
	}
	return deleted, nil
}

// Delete removes key.
func (b *Badger) Delete(ctx context.Context, key string) error {
	if err := b.check(key); err != nil {
		return err
	}
	return b.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// IncrBy increments the decimal counter stored at key.
func (b *Badger) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if err := b.check(key); err != nil {
		return 0, err
	}
	var result int64
	err := b.update(ctx, func(txn *badger.Txn) error {
		current := int64(0)
		item, err := txn.Get([]byte(key))
		switch {
		case err == nil:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			current, err = strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return fmt.Errorf("value is not an integer: %w", err)
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		result = current + delta
		return txn.SetEntry(newEntry(key, []byte(strconv.FormatInt(result, 10)), ttl))
	})
	if err != nil {
		return 0, fmt.Errorf("badger incrby %s: %w", key, err)
	}
	return result, nil
}

// Exists reports whether key is present.
func (b *Badger) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.Get(ctx, key)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Lists are stored as a single value of length-delimited entries.
func decodeList(raw []byte) ([][]byte, error) {
	var out [][]byte
	for len(raw) > 0 {
		v, n := protowire.ConsumeBytes(raw)
		if n < 0 {
			return nil, fmt.Errorf("corrupt list encoding: %w", protowire.ParseError(n))
		}
		out = append(out, append([]byte(nil), v...))
		raw = raw[n:]
	}
	return out, nil
}

func encodeList(items [][]byte) []byte {
	var out []byte
	for _, item := range items {
		out = protowire.AppendBytes(out, item)
	}
	return out
}

func readList(txn *badger.Txn, key string) ([][]byte, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return decodeList(raw)
}

// Append pushes value onto the list at key and resets the list ttl.
func (b *Badger) Append(ctx context.Context, key string, value []byte, ttl time.Duration, maxLen int) error {
	if err := b.check(key); err != nil {
		return err
	}
	err := b.update(ctx, func(txn *badger.Txn) error {
		items, err := readList(txn, key)
		if err != nil {
			return err
		}
		items = append(items, value)
		if maxLen > 0 && len(items) > maxLen {
			items = items[len(items)-maxLen:]
		}
		return txn.SetEntry(newEntry(key, encodeList(items), ttl))
	})
	if err != nil {
		return fmt.Errorf("badger append %s: %w", key, err)
	}
	return nil
}

// Drain reads and deletes the list in one transaction. A drain that loses a
// write conflict retries and observes the list already deleted.
func (b *Badger) Drain(ctx context.Context, key string) ([][]byte, error) {
	if err := b.check(key); err != nil {
		return nil, err
	}
	var out [][]byte
	err := b.update(ctx, func(txn *badger.Txn) error {
		items, err := readList(txn, key)
		if err != nil {
			return err
		}
		out = items
		if items == nil {
			return nil
		}
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return nil, fmt.Errorf("badger drain %s: %w", key, err)
	}
	return out, nil
}

// Len returns the number of entries in the list at key.
func (b *Badger) Len(ctx context.Context, key string) (int64, error) {
	if err := b.check(key); err != nil {
		return 0, err
	}
	var n int64
	err := b.db.View(func(txn *badger.Txn) error {
		items, err := readList(txn, key)
		n = int64(len(items))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("badger len %s: %w", key, err)
	}
	return n, nil
}

func channelPrefix(channel string) string {
	return pubsubPrefix + channel + "/"
}

// channelEntry reports the kind ("m" or "r") of a key written for exactly
// the channel behind prefix. Keys of channels nested under it, such as
// "room/x" under "room", are rejected.
func channelEntry(prefix, key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return "", false
	}
	kind, id, ok := strings.Cut(rest, "/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	if kind != "m" && kind != "r" {
		return "", false
	}
	return kind, true
}

// Publish writes payload under the channel prefix, where prefix subscribers
// pick it up. The entry expires after publishTTL.
func (b *Badger) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.check(channel); err != nil {
		return err
	}
	key := channelPrefix(channel) + "m/" + uuid.NewString()
	return b.update(ctx, func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), payload).WithTTL(publishTTL))
	})
}

// Subscribe watches the channel prefix. It returns once the subscriber is
// registered with the database, proven by observing its own readiness marker.
func (b *Badger) Subscribe(ctx context.Context, channel string, handler interfaces.MessageHandler) (interfaces.Subscription, error) {
	if err := b.check(channel); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("nil message handler")
	}

	prefix := channelPrefix(channel)
	readyKey := prefix + "r/" + uuid.NewString()
	ready := make(chan struct{})
	var readyOnce sync.Once

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &badgerSubscription{owner: b, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		err := b.db.Subscribe(subCtx, func(kvs *badger.KVList) error {
			for _, kv := range kvs.Kv {
				key := string(kv.Key)
				kind, ok := channelEntry(prefix, key)
				if !ok {
					continue
				}
				if kind == "r" {
					if key == readyKey {
						readyOnce.Do(func() { close(ready) })
					}
					continue
				}
				if len(kv.Value) == 0 {
					continue
				}
				handler(channel, kv.Value)
			}
			return nil
		}, []pb.Match{{Prefix: []byte(prefix)}})
		if err != nil && !errors.Is(err, context.Canceled) {
			logrus.WithFields(logrus.Fields{
				"function": "Badger.Subscribe",
				"channel":  channel,
				"error":    err.Error(),
			}).Warn("Badger subscription ended with error")
		}
	}()

	timer := time.NewTimer(subscribeReadyTimeout)
	defer timer.Stop()
	retry := time.NewTicker(10 * time.Millisecond)
	defer retry.Stop()

	for {
		if err := b.update(ctx, func(txn *badger.Txn) error {
			return txn.SetEntry(badger.NewEntry([]byte(readyKey), []byte{1}).WithTTL(publishTTL))
		}); err != nil {
			cancel()
			return nil, fmt.Errorf("badger subscribe %s: %w", channel, err)
		}
		select {
		case <-ready:
			b.mu.Lock()
			b.subs[sub] = struct{}{}
			b.mu.Unlock()
			return sub, nil
		case <-retry.C:
		case <-timer.C:
			cancel()
			return nil, fmt.Errorf("badger subscribe %s: subscriber did not register in time", channel)
		case <-ctx.Done():
			cancel()
			return nil, ctx.Err()
		}
	}
}

// Close cancels every subscription and closes the database.
func (b *Badger) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	subs := make([]*badgerSubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return b.db.Close()
}

type badgerSubscription struct {
	owner  *Badger
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func (s *badgerSubscription) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
		s.cancel()
		<-s.done
	})
	return nil
}
