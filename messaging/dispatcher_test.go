package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatcore/apperr"
	"github.com/opd-ai/chatcore/events"
	"github.com/opd-ai/chatcore/lock"
	"github.com/opd-ai/chatcore/queue"
	"github.com/opd-ai/chatcore/store"
)

type harness struct {
	store      *store.Redis
	locker     *countingLocker
	membership *mockMembership
	messages   *mockMessageStore
	presence   *mockPresence
	queue      *queue.Queue
	publisher  *recordingPublisher
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, lockCfg lock.Config) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := store.NewRedis(store.RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	h := &harness{
		store:      s,
		locker:     &countingLocker{Locker: lock.New(s, lockCfg)},
		membership: &mockMembership{rooms: map[string][]string{"c1": {"alice", "bob", "carol"}}},
		messages:   &mockMessageStore{},
		presence:   &mockPresence{online: map[string]bool{"alice": true, "bob": true}},
		queue:      queue.New(s, queue.DefaultConfig()),
		publisher:  &recordingPublisher{},
	}
	h.dispatcher = h.build(t, h.queue)
	return h
}

func (h *harness) build(t *testing.T, q OfflineQueue) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(Dependencies{
		Locker:     h.locker,
		Membership: h.membership,
		Messages:   h.messages,
		Rooms:      &mockRooms{rooms: []ChatRoom{{ID: "c1", Name: "general"}}},
		Presence:   h.presence,
		Queue:      q,
		Events:     h.publisher,
	})
	require.NoError(t, err)
	return d
}

func validRequest() SendRequest {
	return SendRequest{
		ConversationID: "c1",
		SenderID:       "alice",
		Ciphertext:     "Y2lwaGVydGV4dA==",
		IV:             "aXY=",
		Type:           "TEXT",
	}
}

// TestSendDeliversOnlineAndQueuesOffline tests the send path for online and offline members.
func TestSendDeliversOnlineAndQueuesOffline(t *testing.T) {
	h := newHarness(t, lock.DefaultConfig())
	ctx := context.Background()

	out, err := h.dispatcher.Send(ctx, validRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, out.ID)
	assert.Equal(t, []string{"bob", "carol"}, out.Recipients)
	assert.Equal(t, []string{"carol"}, out.Queued)
	assert.Equal(t, 1, h.messages.count())

	n, err := h.queue.Count(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = h.queue.Count(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, events.ConversationTopic("c1"), h.publisher.topics[0])
	sent, ok := h.publisher.events[0].(events.MessageSent)
	require.True(t, ok)
	assert.Equal(t, out.ID, sent.MessageID)
	assert.Equal(t, "Y2lwaGVydGV4dA==", sent.Ciphertext)

	queued, err := h.queue.Drain(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, out.ID, queued[0].MessageID)
	assert.Equal(t, "alice", queued[0].SenderID)

	held, err := h.store.Exists(ctx, lock.ConversationKey("c1"))
	require.NoError(t, err)
	assert.False(t, held, "lock released after send")
}

// TestSendRejectsOversizedCiphertextBeforeLocking verifies that oversized ciphertext never takes the lock.
func TestSendRejectsOversizedCiphertextBeforeLocking(t *testing.T) {
	h := newHarness(t, lock.DefaultConfig())
	req := validRequest()
	req.Ciphertext = strings.Repeat("a", 10001)

	_, err := h.dispatcher.Send(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
	assert.Zero(t, h.locker.calls.Load(), "no lock taken")
	assert.Zero(t, h.messages.count())
	assert.Empty(t, h.publisher.events)
}

// TestSendValidation tests the requests Send rejects.
func TestSendValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SendRequest)
	}{
		{"empty ciphertext", func(r *SendRequest) { r.Ciphertext = "" }},
		{"empty iv", func(r *SendRequest) { r.IV = "" }},
		{"missing conversation", func(r *SendRequest) { r.ConversationID = "" }},
		{"missing sender", func(r *SendRequest) { r.SenderID = "" }},
		{"unknown conversation", func(r *SendRequest) { r.ConversationID = "nope" }},
		{"non-member sender", func(r *SendRequest) { r.SenderID = "mallory" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, lock.DefaultConfig())
			req := validRequest()
			tt.mutate(&req)

			_, err := h.dispatcher.Send(context.Background(), req)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.CodeValidation), "got %v", err)
			assert.Zero(t, h.messages.count())
			assert.Empty(t, h.publisher.events)
		})
	}
}

// TestSendAcceptsMaximumCiphertext tests that ciphertext at the size limit is accepted.
func TestSendAcceptsMaximumCiphertext(t *testing.T) {
	h := newHarness(t, lock.DefaultConfig())
	req := validRequest()
	req.Ciphertext = strings.Repeat("é", 10000)

	_, err := h.dispatcher.Send(context.Background(), req)
	assert.NoError(t, err)
}

// TestSendFailsWhenConversationLocked tests the retryable error when the conversation lock is held.
func TestSendFailsWhenConversationLocked(t *testing.T) {
	h := newHarness(t, lock.Config{AcquireTimeout: 200 * time.Millisecond})
	ctx := context.Background()

	other := lock.New(h.store, lock.DefaultConfig())
	_, err := other.Acquire(ctx, lock.ConversationKey("c1"))
	require.NoError(t, err)

	start := time.Now()
	_, err = h.dispatcher.Send(ctx, validRequest())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeLockUnavailable))
	assert.True(t, apperr.IsRetryable(err))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Zero(t, h.messages.count())
}

// TestConcurrentSendsAreSerialised verifies that sends to one conversation do not interleave.
func TestConcurrentSendsAreSerialised(t *testing.T) {
	h := newHarness(t, lock.Config{AcquireTimeout: 10 * time.Second, RetryInterval: 5 * time.Millisecond})
	h.messages.delay = 20 * time.Millisecond
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.dispatcher.Send(ctx, validRequest())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, h.messages.overlap.Load(), "persist ran concurrently for one conversation")
	assert.Equal(t, 2, h.messages.count())

	// Events are published in persist order.
	require.Len(t, h.publisher.events, 2)
	for i, e := range h.publisher.events {
		assert.Equal(t, h.messages.persisted[i].ID, e.(events.MessageSent).MessageID)
	}
}

// TestUnknownMessageTypeDefaultsToText tests the fallback for unknown message types.
func TestUnknownMessageTypeDefaultsToText(t *testing.T) {
	h := newHarness(t, lock.DefaultConfig())
	req := validRequest()
	req.Type = "HOLOGRAM"

	out, err := h.dispatcher.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeText, out.Type)
}

func TestParseMessageType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in    string
		want  MessageType
		known bool
	}{
		{"TEXT", MessageTypeText, true},
		{"image", MessageTypeImage, true},
		{" FILE ", MessageTypeFile, true},
		{"SYSTEM", MessageTypeSystem, true},
		{"", MessageTypeText, false},
		{"VIDEO", MessageTypeText, false},
	}
	for _, tt := range tests {
		got, known := ParseMessageType(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.known, known, tt.in)
	}
}

// TestQueueFailureIsIsolatedPerRecipient tests that one failed enqueue does not stop the others.
func TestQueueFailureIsIsolatedPerRecipient(t *testing.T) {
	h := newHarness(t, lock.DefaultConfig())
	h.membership.rooms["c1"] = []string{"alice", "carol", "dave"}
	d := h.build(t, &failingQueue{OfflineQueue: h.queue, fail: map[string]bool{"carol": true}})
	ctx := context.Background()

	out, err := d.Send(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"dave"}, out.Queued)

	n, err := h.queue.Count(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, h.publisher.events, 1)
}

// TestPersistFailureAbortsSend tests that nothing is delivered when persisting fails.
func TestPersistFailureAbortsSend(t *testing.T) {
	h := newHarness(t, lock.DefaultConfig())
	h.messages.err = errors.New("database down")

	_, err := h.dispatcher.Send(context.Background(), validRequest())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeUnavailable))
	assert.Empty(t, h.publisher.events)

	held, err := h.store.Exists(context.Background(), lock.ConversationKey("c1"))
	require.NoError(t, err)
	assert.False(t, held)
}

// TestPublishFailureDoesNotFailSend verifies that a lost publish still reports success.
func TestPublishFailureDoesNotFailSend(t *testing.T) {
	h := newHarness(t, lock.DefaultConfig())
	h.publisher.err = errors.New("broker down")

	_, err := h.dispatcher.Send(context.Background(), validRequest())
	assert.NoError(t, err)
	assert.Equal(t, 1, h.messages.count())
}

// TestTypingEvents tests the typing indicator events.
func TestTypingEvents(t *testing.T) {
	h := newHarness(t, lock.DefaultConfig())
	ctx := context.Background()

	require.NoError(t, h.dispatcher.StartTyping(ctx, "c1", "bob"))
	require.NoError(t, h.dispatcher.StopTyping(ctx, "c1", "bob"))
	require.Len(t, h.publisher.events, 2)
	assert.IsType(t, events.TypingStarted{}, h.publisher.events[0])
	assert.IsType(t, events.TypingStopped{}, h.publisher.events[1])

	err := h.dispatcher.StartTyping(ctx, "c1", "mallory")
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
	assert.Zero(t, h.locker.calls.Load(), "typing takes no lock")
}

// TestNotifications tests the membership and room notifications.
func TestNotifications(t *testing.T) {
	h := newHarness(t, lock.DefaultConfig())
	ctx := context.Background()

	require.NoError(t, h.dispatcher.NotifyUserJoined(ctx, "c1", "dave"))
	require.NoError(t, h.dispatcher.NotifyUserLeft(ctx, "c1", "dave"))
	require.NoError(t, h.dispatcher.NotifyChatRoomUpdated(ctx, ChatRoom{ID: "c1", Name: "renamed"}))
	require.NoError(t, h.dispatcher.NotifyChatRoomCreated(ctx, ChatRoom{ID: "c2", Members: []string{"alice", "bob"}}, "alice"))

	assert.Equal(t, []string{
		"chat:room:c1",
		"chat:room:c1",
		"chat:room:c1",
		"chat:room:c2",
		"chat:user:alice",
		"chat:user:bob",
	}, h.publisher.topics)
	assert.IsType(t, events.ChatRoomListUpdated{}, h.publisher.events[5])
}

func TestChatRooms(t *testing.T) {
	h := newHarness(t, lock.DefaultConfig())
	rooms, err := h.dispatcher.ChatRooms(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "general", rooms[0].Name)
}

func TestNewDispatcherRequiresCollaborators(t *testing.T) {
	_, err := NewDispatcher(Dependencies{})
	assert.Error(t, err)
}

// TestEndToEndFanOutThroughBus tests delivery from Send to a bus subscriber over Redis.
func TestEndToEndFanOutThroughBus(t *testing.T) {
	h := newHarness(t, lock.DefaultConfig())
	bus := events.NewBus(h.store)
	defer bus.Close()

	d, err := NewDispatcher(Dependencies{
		Locker:     h.locker,
		Membership: h.membership,
		Messages:   h.messages,
		Presence:   h.presence,
		Queue:      h.queue,
		Events:     bus,
	})
	require.NoError(t, err)

	ctx := context.Background()
	got := make(chan events.Event, 1)
	_, err = bus.Subscribe(ctx, events.ConversationTopic("c1"), func(_ string, e events.Event) { got <- e })
	require.NoError(t, err)

	out, err := d.Send(ctx, validRequest())
	require.NoError(t, err)

	select {
	case e := <-got:
		assert.Equal(t, out.ID, e.(events.MessageSent).MessageID)
	case <-time.After(5 * time.Second):
		t.Fatal("MessageSent not delivered to subscriber")
	}
}
