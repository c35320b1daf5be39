package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatcore/interfaces"
)

// runConformance exercises the CoordinationStore contract against one backend.
func runConformance(t *testing.T, newStore func(t *testing.T) interfaces.CoordinationStore) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	})

	t.Run("SetGetDelete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))

		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), got)

		ok, err := s.Exists(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.Delete(ctx, "k"))
		ok, err = s.Exists(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)

		assert.NoError(t, s.Delete(ctx, "k"), "deleting an absent key is not an error")
	})

	t.Run("SetNX", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ok, err := s.SetNX(ctx, "lock:c1", []byte("a"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.SetNX(ctx, "lock:c1", []byte("b"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(ctx, "lock:c1")
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), got)
	})

	t.Run("SetNXSingleWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const contenders = 16
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.SetNX(ctx, "race", []byte(fmt.Sprint(i)), time.Minute)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("CompareAndDelete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "k", []byte("owner"), time.Minute))

		deleted, err := s.CompareAndDelete(ctx, "k", []byte("intruder"))
		require.NoError(t, err)
		assert.False(t, deleted)

		deleted, err = s.CompareAndDelete(ctx, "k", []byte("owner"))
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = s.CompareAndDelete(ctx, "k", []byte("owner"))
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("IncrBy", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		n, err := s.IncrBy(ctx, "presence:u1", 1, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = s.IncrBy(ctx, "presence:u1", 2, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		n, err = s.IncrBy(ctx, "presence:u1", -3, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("ListAppendDrain", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, v := range []string{"a", "b", "c"} {
			require.NoError(t, s.Append(ctx, "offline:u1", []byte(v), time.Hour, 0))
		}
		n, err := s.Len(ctx, "offline:u1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		items, err := s.Drain(ctx, "offline:u1")
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, items)

		items, err = s.Drain(ctx, "offline:u1")
		require.NoError(t, err)
		assert.Empty(t, items)

		n, err = s.Len(ctx, "offline:u1")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ListTrim", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Append(ctx, "l", []byte(fmt.Sprint(i)), time.Hour, 3))
		}
		items, err := s.Drain(ctx, "l")
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("2"), []byte("3"), []byte("4")}, items)
	})

	t.Run("ConcurrentDrainPartitions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const total = 50
		for i := 0; i < total; i++ {
			require.NoError(t, s.Append(ctx, "q", []byte(fmt.Sprint(i)), time.Hour, 0))
		}

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = make(map[string]int)
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				items, err := s.Drain(ctx, "q")
				assert.NoError(t, err)
				mu.Lock()
				for _, it := range items {
					seen[string(it)]++
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Len(t, seen, total)
		for k, c := range seen {
			assert.Equal(t, 1, c, "entry %s delivered more than once", k)
		}
	})

	t.Run("InvalidKey", func(t *testing.T) {
		s := newStore(t)
		err := s.Set(context.Background(), "", []byte("v"), 0)
		assert.ErrorIs(t, err, interfaces.ErrInvalidKey)
	})

	t.Run("PublishSubscribe", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		got := make(chan string, 4)
		sub, err := s.Subscribe(ctx, "chat:room:c1", func(channel string, payload []byte) {
			got <- channel + "=" + string(payload)
		})
		require.NoError(t, err)

		require.NoError(t, s.Publish(ctx, "chat:room:c1", []byte("hello")))
		require.NoError(t, s.Publish(ctx, "chat:room:other", []byte("nope")))

		select {
		case msg := <-got:
			assert.Equal(t, "chat:room:c1=hello", msg)
		case <-time.After(5 * time.Second):
			t.Fatal("published payload was not delivered")
		}

		require.NoError(t, sub.Close())
		require.NoError(t, s.Publish(ctx, "chat:room:c1", []byte("late")))
		select {
		case msg := <-got:
			t.Fatalf("unexpected delivery after close: %s", msg)
		case <-time.After(200 * time.Millisecond):
		}
	})

	t.Run("NestedChannelIsolation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		got := make(chan string, 8)
		sub, err := s.Subscribe(ctx, "chat:room:a", func(channel string, payload []byte) {
			got <- channel + "=" + string(payload)
		})
		require.NoError(t, err)
		defer sub.Close()

		for _, nested := range []string{"chat:room:a/m", "chat:room:a/r", "chat:room:a/m/x"} {
			require.NoError(t, s.Publish(ctx, nested, []byte("secret-for-"+nested)))
		}
		require.NoError(t, s.Publish(ctx, "chat:room:a", []byte("mine")))

		select {
		case msg := <-got:
			assert.Equal(t, "chat:room:a=mine", msg)
		case <-time.After(5 * time.Second):
			t.Fatal("published payload was not delivered")
		}
		select {
		case msg := <-got:
			t.Fatalf("delivery from another channel: %s", msg)
		case <-time.After(200 * time.Millisecond):
		}
	})

	t.Run("ClosedStore", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())
		_, err := s.Get(context.Background(), "k")
		assert.ErrorIs(t, err, interfaces.ErrStoreClosed)
		assert.NoError(t, s.Close(), "close is idempotent")
	})
}
