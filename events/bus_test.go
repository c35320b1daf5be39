package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatcore/interfaces"
	"github.com/opd-ai/chatcore/store"
)

// recordingPubSub counts remote subscriptions while delegating to a real store.
type recordingPubSub struct {
	interfaces.PubSub
	mu     sync.Mutex
	opened map[string]int
}

func (r *recordingPubSub) Subscribe(ctx context.Context, channel string, h interfaces.MessageHandler) (interfaces.Subscription, error) {
	r.mu.Lock()
	r.opened[channel]++
	r.mu.Unlock()
	return r.PubSub.Subscribe(ctx, channel, h)
}

func newTestBus(t *testing.T) (*Bus, *recordingPubSub) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := store.NewRedis(store.RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ps := &recordingPubSub{PubSub: s, opened: map[string]int{}}
	b := NewBus(ps)
	t.Cleanup(func() { _ = b.Close() })
	return b, ps
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
		return nil
	}
}

// TestBusFanOutToLocalHandlers tests that one remote subscription feeds every local handler.
func TestBusFanOutToLocalHandlers(t *testing.T) {
	b, ps := newTestBus(t)
	ctx := context.Background()
	topic := ConversationTopic("c1")

	first := make(chan Event, 1)
	second := make(chan Event, 1)
	_, err := b.Subscribe(ctx, topic, func(_ string, e Event) { first <- e })
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, topic, func(_ string, e Event) { second <- e })
	require.NoError(t, err)

	assert.Equal(t, 1, ps.opened[topic], "one remote subscription per topic")
	assert.Equal(t, 1, b.TopicCount())

	sent := TypingStarted{ConversationID: "c1", UserID: "u1", Timestamp: time.Now().UTC().Truncate(time.Millisecond)}
	require.NoError(t, b.Publish(ctx, topic, sent))

	assert.Equal(t, sent, receive(t, first))
	assert.Equal(t, sent, receive(t, second))
}

// TestBusClosesTopicOnLastUnsubscribe verifies that the remote subscription closes with its last handler.
func TestBusClosesTopicOnLastUnsubscribe(t *testing.T) {
	b, ps := newTestBus(t)
	ctx := context.Background()
	topic := UserTopic("u1")

	got := make(chan Event, 4)
	s1, err := b.Subscribe(ctx, topic, func(_ string, e Event) { got <- e })
	require.NoError(t, err)
	s2, err := b.Subscribe(ctx, topic, func(_ string, e Event) { got <- e })
	require.NoError(t, err)

	require.NoError(t, b.Unsubscribe(s1))
	assert.Equal(t, 1, b.TopicCount())

	require.NoError(t, b.Unsubscribe(s2))
	assert.Equal(t, 0, b.TopicCount())
	require.NoError(t, b.Unsubscribe(s2), "double unsubscribe is a no-op")

	_, err = b.Subscribe(ctx, topic, func(_ string, e Event) { got <- e })
	require.NoError(t, err)
	assert.Equal(t, 2, ps.opened[topic])
}

// TestBusNoReplayForLateSubscriber tests that events published before subscribing are not replayed.
func TestBusNoReplayForLateSubscriber(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()
	topic := ConversationTopic("c9")

	require.NoError(t, b.Publish(ctx, topic, UserLeft{ConversationID: "c9", UserID: "u1"}))

	got := make(chan Event, 1)
	_, err := b.Subscribe(ctx, topic, func(_ string, e Event) { got <- e })
	require.NoError(t, err)

	select {
	case e := <-got:
		t.Fatalf("late subscriber received %v", e.Type())
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBusClose(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()
	_, err := b.Subscribe(ctx, ConversationTopic("c1"), func(string, Event) {})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	assert.Equal(t, 0, b.TopicCount())

	_, err = b.Subscribe(ctx, ConversationTopic("c1"), func(string, Event) {})
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.ErrorIs(t, b.Publish(ctx, "t", UserJoined{}), ErrBusClosed)
	assert.NoError(t, b.Close())
}

// gatedPubSub holds Subscribe for the gated channel until release is closed
// and lets tests push payloads straight into registered handlers.
type gatedPubSub struct {
	gated   string
	entered chan struct{}
	release chan struct{}

	mu       sync.Mutex
	handlers map[string]interfaces.MessageHandler
	opened   map[string]int
	closed   map[string]int
}

func newGatedPubSub(gated string) *gatedPubSub {
	return &gatedPubSub{
		gated:    gated,
		entered:  make(chan struct{}, 1),
		release:  make(chan struct{}),
		handlers: map[string]interfaces.MessageHandler{},
		opened:   map[string]int{},
		closed:   map[string]int{},
	}
}

func (g *gatedPubSub) Publish(context.Context, string, []byte) error { return nil }

func (g *gatedPubSub) Subscribe(ctx context.Context, channel string, h interfaces.MessageHandler) (interfaces.Subscription, error) {
	g.mu.Lock()
	g.handlers[channel] = h
	g.opened[channel]++
	g.mu.Unlock()

	if channel == g.gated {
		g.entered <- struct{}{}
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &gatedSubscription{owner: g, channel: channel}, nil
}

func (g *gatedPubSub) deliver(channel string, payload []byte) {
	g.mu.Lock()
	h := g.handlers[channel]
	g.mu.Unlock()
	h(channel, payload)
}

func (g *gatedPubSub) count(m map[string]int, channel string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return m[channel]
}

type gatedSubscription struct {
	owner   *gatedPubSub
	channel string
}

func (s *gatedSubscription) Close() error {
	s.owner.mu.Lock()
	s.owner.closed[s.channel]++
	s.owner.mu.Unlock()
	return nil
}

// TestBusDeliversWhileTopicOpens tests that a slow remote subscribe on one
// topic does not hold up delivery on another.
func TestBusDeliversWhileTopicOpens(t *testing.T) {
	slow, fast := ConversationTopic("slow"), ConversationTopic("fast")
	ps := newGatedPubSub(slow)
	b := NewBus(ps)
	defer b.Close()
	ctx := context.Background()

	got := make(chan Event, 1)
	_, err := b.Subscribe(ctx, fast, func(_ string, e Event) { got <- e })
	require.NoError(t, err)

	subscribed := make(chan error, 1)
	go func() {
		_, err := b.Subscribe(ctx, slow, func(string, Event) {})
		subscribed <- err
	}()
	<-ps.entered

	payload, err := Encode(TypingStarted{ConversationID: "fast", UserID: "bob"})
	require.NoError(t, err)
	delivered := make(chan struct{})
	go func() {
		ps.deliver(fast, payload)
		close(delivered)
	}()

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery blocked behind a pending subscribe")
	}
	assert.Equal(t, TypeTypingStarted, receive(t, got).Type())

	close(ps.release)
	require.NoError(t, <-subscribed)
	assert.Equal(t, 2, b.TopicCount())
}

// TestBusJoinsPendingTopic verifies that a second subscriber to a topic that
// is still opening waits for it and shares the one remote subscription.
func TestBusJoinsPendingTopic(t *testing.T) {
	topic := ConversationTopic("c1")
	ps := newGatedPubSub(topic)
	b := NewBus(ps)
	defer b.Close()
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := b.Subscribe(ctx, topic, func(string, Event) {})
		first <- err
	}()
	<-ps.entered

	second := make(chan error, 1)
	go func() {
		_, err := b.Subscribe(ctx, topic, func(string, Event) {})
		second <- err
	}()

	select {
	case err := <-second:
		t.Fatalf("joined subscriber returned before the topic opened: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(ps.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, 1, ps.count(ps.opened, topic))
}

// TestBusClosedWhileTopicOpens tests that a topic abandoned before its
// remote subscription opened is closed once it does.
func TestBusClosedWhileTopicOpens(t *testing.T) {
	topic := ConversationTopic("c1")
	ps := newGatedPubSub(topic)
	b := NewBus(ps)
	defer b.Close()
	ctx := context.Background()

	joinCtx, cancel := context.WithCancel(ctx)
	first := make(chan error, 1)
	go func() {
		_, err := b.Subscribe(ctx, topic, func(string, Event) {})
		first <- err
	}()
	<-ps.entered

	joined := make(chan error, 1)
	go func() {
		_, err := b.Subscribe(joinCtx, topic, func(string, Event) {})
		joined <- err
	}()
	cancel()
	assert.ErrorIs(t, <-joined, context.Canceled)

	require.NoError(t, b.Close())
	close(ps.release)
	assert.ErrorIs(t, <-first, ErrBusClosed)
	assert.Equal(t, 1, ps.count(ps.closed, topic))
	assert.Equal(t, 0, b.TopicCount())
}
