package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/interfaces"
)

const (
	conversationTopicPrefix = "chat:room:"
	userTopicPrefix         = "chat:user:"
)

// ErrBusClosed is returned by operations on a closed Bus.
var ErrBusClosed = errors.New("event bus closed")

// ConversationTopic is the topic carrying events of one conversation.
func ConversationTopic(conversationID string) string {
	return conversationTopicPrefix + conversationID
}

// UserTopic is the topic carrying account-wide events of one user.
func UserTopic(userID string) string {
	return userTopicPrefix + userID
}

// Handler receives decoded events. It runs on the topic's delivery goroutine
// and must not block.
type Handler func(topic string, e Event)

// Subscription is a local handler registration on a topic.
type Subscription struct {
	id    string
	topic string
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// topicState is pending until its remote subscription is open: remote is
// nil and ready is not yet closed.
type topicState struct {
	remote   interfaces.Subscription
	handlers map[string]Handler
	ready    chan struct{}
	err      error
}

// Bus fans events out over a PubSub with one remote subscription per topic.
type Bus struct {
	ps interfaces.PubSub

	mu     sync.Mutex
	topics map[string]*topicState
	closed bool
}

// NewBus creates a Bus over ps.
func NewBus(ps interfaces.PubSub) *Bus {
	return &Bus{ps: ps, topics: make(map[string]*topicState)}
}

// Publish encodes e and sends it on topic.
func (b *Bus) Publish(ctx context.Context, topic string, e Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	payload, err := Encode(e)
	if err != nil {
		return err
	}
	if err := b.ps.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("publish %s on %s: %w", e.Type(), topic, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Publish",
		"topic":    topic,
		"type":     e.Type(),
	}).Debug("Published event")
	return nil
}

// Subscribe registers handler on topic, opening the remote subscription when
// this is the topic's first local handler. It returns once the remote
// subscription is open. The bus lock is not held while it opens, so
// deliveries on other topics continue.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("nil event handler")
	}
	sub := &Subscription{id: uuid.NewString(), topic: topic}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	if st, ok := b.topics[topic]; ok {
		st.handlers[sub.id] = handler
		b.mu.Unlock()
		return b.awaitTopic(ctx, st, sub)
	}

	st := &topicState{
		handlers: map[string]Handler{sub.id: handler},
		ready:    make(chan struct{}),
	}
	b.topics[topic] = st
	b.mu.Unlock()

	remote, err := b.ps.Subscribe(ctx, topic, b.dispatch)

	b.mu.Lock()
	if err != nil {
		st.err = fmt.Errorf("subscribe %s: %w", topic, err)
		if b.topics[topic] == st {
			delete(b.topics, topic)
		}
		close(st.ready)
		b.mu.Unlock()
		return nil, st.err
	}
	st.remote = remote
	close(st.ready)
	closed := b.closed
	orphaned := closed || b.topics[topic] != st
	b.mu.Unlock()

	if orphaned {
		// Every handler left, or the bus closed, while the subscription
		// was opening.
		if err := remote.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Subscribe",
				"topic":    topic,
				"error":    err.Error(),
			}).Warn("Failed to close abandoned topic subscription")
		}
		if closed {
			return nil, ErrBusClosed
		}
		return sub, nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "Subscribe",
		"topic":    topic,
	}).Debug("Opened topic subscription")
	return sub, nil
}

// awaitTopic waits for a pending topic that sub joined to finish opening.
func (b *Bus) awaitTopic(ctx context.Context, st *topicState, sub *Subscription) (*Subscription, error) {
	select {
	case <-st.ready:
	case <-ctx.Done():
		_ = b.Unsubscribe(sub)
		return nil, ctx.Err()
	}
	if st.err != nil {
		return nil, st.err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrBusClosed
	}
	return sub, nil
}

// Unsubscribe removes sub and closes the remote subscription once the topic
// has no local handlers left. Unsubscribing twice is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	b.mu.Lock()
	st, ok := b.topics[sub.topic]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(st.handlers, sub.id)
	if len(st.handlers) > 0 {
		b.mu.Unlock()
		return nil
	}
	delete(b.topics, sub.topic)
	remote := st.remote
	b.mu.Unlock()

	if remote == nil {
		// Still opening; Subscribe closes it once it sees the topic is gone.
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"function": "Unsubscribe",
		"topic":    sub.topic,
	}).Debug("Closing topic subscription")
	return remote.Close()
}

// TopicCount returns the number of topics with an open remote subscription.
func (b *Bus) TopicCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

func (b *Bus) dispatch(topic string, payload []byte) {
	e, err := Decode(payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"topic":    topic,
			"error":    err.Error(),
		}).Warn("Dropping undecodable event")
		return
	}

	b.mu.Lock()
	st, ok := b.topics[topic]
	var handlers []Handler
	if ok {
		handlers = make([]Handler, 0, len(st.handlers))
		for _, h := range st.handlers {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(topic, e)
	}
}

// Close tears down every topic subscription. Topics still opening are
// closed by their Subscribe call.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	remotes := make(map[string]interfaces.Subscription, len(b.topics))
	for topic, st := range b.topics {
		if st.remote != nil {
			remotes[topic] = st.remote
		}
	}
	b.topics = make(map[string]*topicState)
	b.mu.Unlock()

	var errs []error
	for topic, remote := range remotes {
		if err := remote.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}
