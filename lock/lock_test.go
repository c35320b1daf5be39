package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatcore/apperr"
	"github.com/opd-ai/chatcore/interfaces"
	"github.com/opd-ai/chatcore/store"
)

func newTestStore(t *testing.T) (*store.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := store.NewRedis(store.RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

// TestConversationKey tests the lock key of a conversation.
func TestConversationKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "lock:c1", ConversationKey("c1"))
}

// TestAcquireRelease tests a plain acquire and release.
func TestAcquireRelease(t *testing.T) {
	s, _ := newTestStore(t)
	l := New(s, DefaultConfig())
	ctx := context.Background()

	lease, err := l.Acquire(ctx, ConversationKey("c1"))
	require.NoError(t, err)
	assert.Equal(t, "lock:c1", lease.Key)
	assert.NotEmpty(t, lease.Token)

	held, err := s.Exists(ctx, "lock:c1")
	require.NoError(t, err)
	assert.True(t, held)

	released, err := l.Release(ctx, lease)
	require.NoError(t, err)
	assert.True(t, released)

	held, err = s.Exists(ctx, "lock:c1")
	require.NoError(t, err)
	assert.False(t, held)
}

// TestAcquireTimesOutWhileHeld tests that a contender gives up after its timeout.
func TestAcquireTimesOutWhileHeld(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	holder := New(s, DefaultConfig())
	_, err := holder.Acquire(ctx, "lock:c1")
	require.NoError(t, err)

	contender := New(s, Config{Lease: 10 * time.Second, AcquireTimeout: 200 * time.Millisecond})
	start := time.Now()
	_, err = contender.Acquire(ctx, "lock:c1")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.True(t, apperr.Is(err, apperr.CodeLockUnavailable))
	assert.True(t, apperr.IsRetryable(err))
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

// TestReleaseDoesNotDeleteForeignLock verifies that an expired lease cannot release its successor's lock.
func TestReleaseDoesNotDeleteForeignLock(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	l := New(s, Config{Lease: time.Second})

	first, err := l.Acquire(ctx, "lock:c1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	second, err := l.Acquire(ctx, "lock:c1")
	require.NoError(t, err)

	released, err := l.Release(ctx, first)
	require.NoError(t, err)
	assert.False(t, released, "an expired lease must not release the new holder")

	got, err := s.Get(ctx, "lock:c1")
	require.NoError(t, err)
	assert.Equal(t, second.Token, string(got))
}

func TestReleaseNilLease(t *testing.T) {
	s, _ := newTestStore(t)
	released, err := New(s, DefaultConfig()).Release(context.Background(), nil)
	assert.NoError(t, err)
	assert.False(t, released)
}

// TestAcquireHonoursContext tests that cancelling the context stops the wait.
func TestAcquireHonoursContext(t *testing.T) {
	s, _ := newTestStore(t)
	l := New(s, DefaultConfig())
	_, err := l.Acquire(context.Background(), "lock:c1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = l.Acquire(ctx, "lock:c1")
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.Less(t, time.Since(start), time.Second)
}

// TestWithLockMutualExclusion tests that WithLock never runs two callbacks at once.
func TestWithLockMutualExclusion(t *testing.T) {
	s, _ := newTestStore(t)
	l := New(s, Config{AcquireTimeout: 10 * time.Second, RetryInterval: 5 * time.Millisecond})
	ctx := context.Background()

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(ctx, "lock:c1", func(ctx context.Context) error {
				n := inside.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}

// TestWithLockReleasesOnErrorAndPanic verifies that the lock is released when the callback fails or panics.
func TestWithLockReleasesOnErrorAndPanic(t *testing.T) {
	s, _ := newTestStore(t)
	l := New(s, DefaultConfig())
	ctx := context.Background()

	boom := errors.New("boom")
	err := l.WithLock(ctx, "lock:c1", func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	held, err := s.Exists(ctx, "lock:c1")
	require.NoError(t, err)
	assert.False(t, held)

	assert.Panics(t, func() {
		_ = l.WithLock(ctx, "lock:c1", func(ctx context.Context) error { panic("fail") })
	})
	held, err = s.Exists(ctx, "lock:c1")
	require.NoError(t, err)
	assert.False(t, held)
}

// TestAcquireAgainstBadger runs the lock on the Badger backend.
func TestAcquireAgainstBadger(t *testing.T) {
	s, err := store.NewBadger(store.BadgerOptions{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	var kv interfaces.KeyValueStore = s
	l := New(kv, Config{AcquireTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "lock:c2")
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "lock:c2")
	assert.ErrorIs(t, err, ErrNotAcquired)

	released, err := l.Release(ctx, lease)
	require.NoError(t, err)
	assert.True(t, released)
}

// TestStoreFailureIsLockUnavailable tests the error returned when the store is down.
func TestStoreFailureIsLockUnavailable(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Close())

	l := New(s, Config{AcquireTimeout: 100 * time.Millisecond})
	_, err := l.Acquire(context.Background(), "lock:c1")
	assert.True(t, apperr.Is(err, apperr.CodeLockUnavailable))
	assert.ErrorIs(t, err, interfaces.ErrStoreClosed)
}
