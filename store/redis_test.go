package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatcore/interfaces"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedis(RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

// TestRedisConformance runs the store contract against Redis.
func TestRedisConformance(t *testing.T) {
	runConformance(t, func(t *testing.T) interfaces.CoordinationStore {
		s, _ := newTestRedis(t)
		return s
	})
}

// TestRedisTTLExpiry tests key expiry.
func TestRedisTTLExpiry(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lock:c1", []byte("token"), 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Append(ctx, "offline:u1", []byte("m"), 24*time.Hour, 0))

	mr.FastForward(11 * time.Second)
	ok, err = s.SetNX(ctx, "lock:c1", []byte("other"), 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock can be taken by another holder")

	n, err := s.Len(ctx, "offline:u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	mr.FastForward(24 * time.Hour)
	n, err = s.Len(ctx, "offline:u1")
	require.NoError(t, err)
	assert.Zero(t, n, "list expires as a whole")
}

// TestRedisAppendRefreshesTTL verifies that appending refreshes the list TTL.
func TestRedisAppendRefreshesTTL(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "offline:u1", []byte("a"), time.Hour, 0))
	mr.FastForward(50 * time.Minute)
	require.NoError(t, s.Append(ctx, "offline:u1", []byte("b"), time.Hour, 0))
	mr.FastForward(50 * time.Minute)

	n, err := s.Len(ctx, "offline:u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestNewRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedis(RedisOptions{Addr: addr})
	assert.Error(t, err)
}
