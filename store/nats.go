package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/interfaces"
)

// natsSubjectPrefix namespaces chat channels on a shared NATS deployment.
const natsSubjectPrefix = "chatcore."

// NATSPubSub carries pub/sub traffic over NATS core subjects.
type NATSPubSub struct {
	conn   *nats.Conn
	owned  bool
	closed atomic.Bool

	mu   sync.Mutex
	subs map[*natsSubscription]struct{}
}

var _ interfaces.PubSub = (*NATSPubSub)(nil)

// NewNATSPubSub dials url and returns a PubSub that owns the connection.
func NewNATSPubSub(url string) (*NATSPubSub, error) {
	conn, err := nats.Connect(url, nats.Name("chatcore"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "NewNATSPubSub",
		"url":      url,
	}).Info("Connected to nats")

	ps := NewNATSPubSubFromConn(conn)
	ps.owned = true
	return ps, nil
}

// NewNATSPubSubFromConn wraps an existing connection. Close leaves the
// connection open.
func NewNATSPubSubFromConn(conn *nats.Conn) *NATSPubSub {
	return &NATSPubSub{conn: conn, subs: make(map[*natsSubscription]struct{})}
}

func subjectFor(channel string) (string, error) {
	if err := interfaces.ValidateKey(channel); err != nil {
		return "", err
	}
	if strings.ContainsAny(channel, ".*>") {
		return "", fmt.Errorf("%w: channel %q contains nats subject tokens", interfaces.ErrInvalidKey, channel)
	}
	return natsSubjectPrefix + channel, nil
}

// Publish sends payload on the channel's subject.
func (n *NATSPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if n.closed.Load() {
		return interfaces.ErrStoreClosed
	}
	subject, err := subjectFor(channel)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers handler for channel and flushes so the interest is
// known to the server before returning.
func (n *NATSPubSub) Subscribe(ctx context.Context, channel string, handler interfaces.MessageHandler) (interfaces.Subscription, error) {
	if n.closed.Load() {
		return nil, interfaces.ErrStoreClosed
	}
	if handler == nil {
		return nil, errors.New("nil message handler")
	}
	subject, err := subjectFor(channel)
	if err != nil {
		return nil, err
	}

	raw, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(channel, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		_ = raw.Unsubscribe()
		return nil, fmt.Errorf("nats flush after subscribe %s: %w", channel, err)
	}

	sub := &natsSubscription{owner: n, sub: raw}
	n.mu.Lock()
	n.subs[sub] = struct{}{}
	n.mu.Unlock()
	return sub, nil
}

// Close unsubscribes everything and closes the connection if owned.
func (n *NATSPubSub) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	n.mu.Lock()
	subs := make([]*natsSubscription, 0, len(n.subs))
	for s := range n.subs {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	if n.owned {
		n.conn.Close()
	}
	return nil
}

type natsSubscription struct {
	owner *NATSPubSub
	sub   *nats.Subscription
	once  sync.Once
	err   error
}

func (s *natsSubscription) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
		if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			s.err = err
		}
	})
	return s.err
}
