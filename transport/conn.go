package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/opd-ai/chatcore/events"
	"github.com/opd-ai/chatcore/registry"
)

// Conn is one authenticated client connection.
type Conn struct {
	id     string
	userID string
	ws     *websocket.Conn
	cfg    Config

	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	subs    map[string]*events.Subscription
	userSub *events.Subscription

	open      atomic.Bool
	closeOnce sync.Once
}

var _ registry.Conn = (*Conn)(nil)

func newConn(ws *websocket.Conn, userID string, cfg Config) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:      uuid.NewString(),
		userID:  userID,
		ws:      ws,
		cfg:     cfg,
		send:    make(chan []byte, cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(cfg.CommandsPerSecond), cfg.CommandBurst),
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*events.Subscription),
	}
	c.open.Store(true)
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// UserID returns the authenticated user.
func (c *Conn) UserID() string { return c.userID }

// IsOpen reports whether the connection has not been closed.
func (c *Conn) IsOpen() bool { return c.open.Load() }

// Close sends a normal close frame and tears the socket down.
func (c *Conn) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *Conn) closeWith(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.open.Store(false)
		c.cancel()
		deadline := time.Now().Add(c.cfg.WriteWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		err = c.ws.Close()
		close(c.done)
	})
	return err
}

// Subscriptions returns the conversations this connection listens to.
func (c *Conn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

func (c *Conn) subscription(conversationID string) (*events.Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[conversationID]
	return sub, ok
}

func (c *Conn) addSubscription(conversationID string, sub *events.Subscription) {
	c.mu.Lock()
	c.subs[conversationID] = sub
	c.mu.Unlock()
}

func (c *Conn) removeSubscription(conversationID string) (*events.Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[conversationID]
	delete(c.subs, conversationID)
	return sub, ok
}

// takeSubscriptions empties the subscription set, including the user topic.
func (c *Conn) takeSubscriptions() []*events.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*events.Subscription, 0, len(c.subs)+1)
	for id, sub := range c.subs {
		out = append(out, sub)
		delete(c.subs, id)
	}
	if c.userSub != nil {
		out = append(out, c.userSub)
		c.userSub = nil
	}
	return out
}

// deliver is the bus handler for every topic this connection listens to.
func (c *Conn) deliver(topic string, e events.Event) {
	payload, err := events.Encode(e)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Conn.deliver",
			"topic":    topic,
			"error":    err.Error(),
		}).Error("Failed to encode event")
		return
	}
	c.enqueue(payload)
}

func (c *Conn) sendFrame(v any) {
	payload, err := marshalFrame(v)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Conn.sendFrame",
			"conn_id":  c.id,
			"error":    err.Error(),
		}).Error("Failed to encode frame")
		return
	}
	c.enqueue(payload)
}

func (c *Conn) sendError(action Action, err error) {
	c.sendFrame(errorFrame(action, err))
}

// enqueue never blocks. A full buffer means the client is not keeping up, and
// it is disconnected instead of stalling the publisher.
func (c *Conn) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Conn.enqueue",
			"conn_id":  c.id,
			"user_id":  c.userID,
			"buffered": len(c.send),
		}).Warn("Send buffer full, disconnecting slow consumer")
		go func() { _ = c.closeWith(websocket.CloseTryAgainLater, "slow consumer") }()
		return false
	}
}

// writePump owns every data write on the socket. onPing runs after each
// successful keepalive.
func (c *Conn) writePump(onPing func()) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.writeFailed("set write deadline", err)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.writeFailed("write", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.writeFailed("ping", err)
				return
			}
			if onPing != nil {
				onPing()
			}
		}
	}
}

func (c *Conn) writeFailed(op string, err error) {
	if c.IsOpen() {
		logrus.WithFields(logrus.Fields{
			"function":  "Conn.writePump",
			"conn_id":   c.id,
			"operation": op,
			"error":     err.Error(),
		}).Debug("Write failed, closing connection")
	}
	_ = c.ws.Close()
}

func (c *Conn) setUserSubscription(sub *events.Subscription) {
	c.mu.Lock()
	c.userSub = sub
	c.mu.Unlock()
}
