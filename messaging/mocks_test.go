package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/chatcore/events"
	"github.com/opd-ai/chatcore/queue"
)

// mockMembership is a fixed room roster.
type mockMembership struct {
	rooms map[string][]string
	err   error
}

func (m *mockMembership) ConversationExists(_ context.Context, id string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.rooms[id]
	return ok, nil
}

func (m *mockMembership) IsActiveMember(_ context.Context, id, user string) (bool, error) {
	for _, u := range m.rooms[id] {
		if u == user {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockMembership) ActiveMembers(_ context.Context, id string) ([]string, error) {
	return append([]string(nil), m.rooms[id]...), nil
}

// mockMessageStore records persisted messages and flags overlapping calls.
type mockMessageStore struct {
	mu        sync.Mutex
	persisted []*Message
	inFlight  atomic.Int32
	overlap   atomic.Bool
	delay     time.Duration
	err       error
}

func (m *mockMessageStore) Persist(_ context.Context, msg *Message) error {
	if m.inFlight.Add(1) > 1 {
		m.overlap.Store(true)
	}
	defer m.inFlight.Add(-1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	m.persisted = append(m.persisted, msg)
	m.mu.Unlock()
	return nil
}

func (m *mockMessageStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.persisted)
}

// mockPresence marks a fixed set of users online.
type mockPresence struct {
	online map[string]bool
}

func (m *mockPresence) Online(_ context.Context, user string) (bool, error) {
	return m.online[user], nil
}

// countingLocker wraps a Locker and counts acquisitions.
type countingLocker struct {
	Locker
	calls atomic.Int32
}

func (c *countingLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	c.calls.Add(1)
	return c.Locker.WithLock(ctx, key, fn)
}

// failingQueue rejects enqueues for selected recipients.
type failingQueue struct {
	OfflineQueue
	fail map[string]bool
}

func (f *failingQueue) Enqueue(ctx context.Context, recipient string, msg queue.Message) error {
	if f.fail[recipient] {
		return errors.New("queue unavailable")
	}
	return f.OfflineQueue.Enqueue(ctx, recipient, msg)
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []events.Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, topic string, e events.Event) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.events = append(r.events, e)
	return nil
}

// mockRooms returns a fixed room list.
type mockRooms struct {
	rooms []ChatRoom
}

func (m *mockRooms) ChatRooms(context.Context, string) ([]ChatRoom, error) {
	return m.rooms, nil
}
