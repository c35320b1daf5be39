package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/apperr"
	"github.com/opd-ai/chatcore/auth"
	"github.com/opd-ai/chatcore/events"
	"github.com/opd-ai/chatcore/messaging"
	"github.com/opd-ai/chatcore/queue"
	"github.com/opd-ai/chatcore/registry"
)

// Frame types acknowledging subscription changes.
const (
	FrameSubscribed   = "SUBSCRIBED"
	FrameUnsubscribed = "UNSUBSCRIBED"
)

// ErrHandlerClosed is returned once Shutdown has started.
var ErrHandlerClosed = errors.New("transport handler is shut down")

// Dispatcher is the messaging surface a connection drives.
type Dispatcher interface {
	Send(ctx context.Context, req messaging.SendRequest) (*messaging.DispatchedMessage, error)
	Authorize(ctx context.Context, conversationID, userID string) error
	StartTyping(ctx context.Context, conversationID, userID string) error
	StopTyping(ctx context.Context, conversationID, userID string) error
	ChatRooms(ctx context.Context, userID string) ([]messaging.ChatRoom, error)
}

// EventBus delivers fan-out events to connections.
type EventBus interface {
	Subscribe(ctx context.Context, topic string, handler events.Handler) (*events.Subscription, error)
	Unsubscribe(sub *events.Subscription) error
}

// OfflineDrainer hands back messages queued while a user was away.
type OfflineDrainer interface {
	Drain(ctx context.Context, recipientID string) ([]queue.Message, error)
}

// PresenceTracker mirrors connection lifetimes into shared presence.
type PresenceTracker interface {
	Connected(ctx context.Context, userID string) error
	Disconnected(ctx context.Context, userID string) error
	Refresh(ctx context.Context, userID string) error
}

// Dependencies wires a Handler. Offline and Presence are optional.
type Dependencies struct {
	Tokens     auth.TokenValidator
	Dispatcher Dispatcher
	Bus        EventBus
	Registry   *registry.Registry
	Offline    OfflineDrainer
	Presence   PresenceTracker
}

func (d Dependencies) validate() error {
	switch {
	case d.Tokens == nil:
		return errors.New("transport requires a token validator")
	case d.Dispatcher == nil:
		return errors.New("transport requires a dispatcher")
	case d.Bus == nil:
		return errors.New("transport requires an event bus")
	case d.Registry == nil:
		return errors.New("transport requires a connection registry")
	}
	return nil
}

type commandFunc func(c *Conn, cmd Command) error

// Handler upgrades HTTP requests and runs the per-connection protocol.
type Handler struct {
	cfg      Config
	deps     Dependencies
	upgrader websocket.Upgrader
	commands map[Action]commandFunc

	mu      sync.Mutex
	conns   map[string]*Conn
	closing bool
	wg      sync.WaitGroup
}

// NewHandler creates a Handler.
func NewHandler(cfg Config, deps Dependencies) (*Handler, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	h := &Handler{
		cfg:   cfg,
		deps:  deps,
		conns: make(map[string]*Conn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return cfg.originAllowed(r.Header.Get("Origin"))
		},
	}
	h.commands = map[Action]commandFunc{
		ActionSubscribe:    h.handleSubscribe,
		ActionUnsubscribe:  h.handleUnsubscribe,
		ActionSendMessage:  h.handleSendMessage,
		ActionStartTyping:  h.handleStartTyping,
		ActionStopTyping:   h.handleStopTyping,
		ActionGetChatRooms: h.handleGetChatRooms,
	}
	return h, nil
}

// Config returns the effective configuration.
func (h *Handler) Config() Config { return h.cfg }

// ConnectionCount returns the number of live connections on this handler.
func (h *Handler) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// ServeHTTP authenticates the request and runs the connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.isClosing() {
		http.Error(w, ErrHandlerClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Handler.ServeHTTP",
			"remote_addr": r.RemoteAddr,
			"error":       err.Error(),
		}).Debug("WebSocket upgrade failed")
		return
	}

	identity, err := h.deps.Tokens.Validate(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Handler.ServeHTTP",
			"remote_addr": r.RemoteAddr,
			"error":       err.Error(),
		}).Info("Rejecting unauthenticated connection")
		h.reject(ws, websocket.CloseUnsupportedData, "not acceptable")
		return
	}

	c := newConn(ws, identity.UserID, h.cfg)
	if !h.track(c) {
		h.reject(ws, websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer h.untrack(c)

	h.serve(c)
}

func (h *Handler) reject(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(h.cfg.WriteWait)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}

func (h *Handler) isClosing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

// track registers c unless Shutdown has begun. wg.Add happens under the same
// lock Shutdown takes before waiting.
func (h *Handler) track(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[c.id] = c
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	h.wg.Done()
}

func (h *Handler) serve(c *Conn) {
	log := logrus.WithFields(logrus.Fields{
		"function": "Handler.serve",
		"conn_id":  c.id,
		"user_id":  c.userID,
	})

	h.deps.Registry.Add(c.userID, c)
	if h.deps.Presence != nil {
		if err := h.deps.Presence.Connected(c.ctx, c.userID); err != nil {
			log.WithError(err).Warn("Failed to record presence")
		}
	}
	defer h.cleanup(c)

	sub, err := h.deps.Bus.Subscribe(c.ctx, events.UserTopic(c.userID), c.deliver)
	if err != nil {
		log.WithError(err).Error("Failed to subscribe user topic")
		_ = c.closeWith(websocket.CloseTryAgainLater, "unavailable")
		return
	}
	c.setUserSubscription(sub)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.writePump(func() { h.refreshPresence(c) })
	}()

	h.deliverOffline(c)
	log.Info("Client connected")
	h.readLoop(c)
	log.Info("Client disconnected")
}

func (h *Handler) refreshPresence(c *Conn) {
	if h.deps.Presence == nil {
		return
	}
	if err := h.deps.Presence.Refresh(c.ctx, c.userID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Handler.refreshPresence",
			"conn_id":  c.id,
			"error":    err.Error(),
		}).Warn("Failed to refresh presence")
	}
}

// deliverOffline sends the queued backlog as one frame. A drain failure is
// logged; the messages stay queued for the next connection.
func (h *Handler) deliverOffline(c *Conn) {
	if h.deps.Offline == nil {
		return
	}
	msgs, err := h.deps.Offline.Drain(c.ctx, c.userID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Handler.deliverOffline",
			"conn_id":  c.id,
			"error":    err.Error(),
		}).Warn("Failed to drain offline queue")
		return
	}
	if len(msgs) == 0 {
		return
	}
	frame := offlineFrame(msgs)
	if len(frame.Messages) == 0 {
		return
	}
	c.sendFrame(frame)
}

// cleanup releases everything this connection opened. Other connections of
// the same user keep their own subscriptions and registry entries.
func (h *Handler) cleanup(c *Conn) {
	_ = c.Close()

	for _, sub := range c.takeSubscriptions() {
		if err := h.deps.Bus.Unsubscribe(sub); err != nil && !errors.Is(err, events.ErrBusClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "Handler.cleanup",
				"conn_id":  c.id,
				"topic":    sub.Topic(),
				"error":    err.Error(),
			}).Warn("Failed to unsubscribe topic")
		}
	}
	h.deps.Registry.Remove(c.userID, c)

	if h.deps.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteWait)
		defer cancel()
		if err := h.deps.Presence.Disconnected(ctx, c.userID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Handler.cleanup",
				"conn_id":  c.id,
				"error":    err.Error(),
			}).Warn("Failed to clear presence")
		}
	}
}

func (h *Handler) readLoop(c *Conn) {
	pongWait := 2 * h.cfg.PingInterval
	c.ws.SetReadLimit(h.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			h.logReadError(c, err)
			return
		}
		if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}
		h.handleFrame(c, data)
	}
}

func (h *Handler) logReadError(c *Conn, err error) {
	if !c.IsOpen() {
		return
	}
	fields := logrus.Fields{
		"function": "Handler.readLoop",
		"conn_id":  c.id,
		"error":    err.Error(),
	}
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		logrus.WithFields(fields).Info("Read deadline exceeded")
	case errors.Is(err, websocket.ErrReadLimit):
		logrus.WithFields(fields).Warn("Client frame exceeded read limit")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
		logrus.WithFields(fields).Debug("Unexpected close")
	}
}

func (h *Handler) handleFrame(c *Conn, data []byte) {
	if !c.limiter.Allow() {
		c.sendFrame(ErrorFrame{
			Type:      FrameError,
			Code:      CodeRateLimited,
			Message:   "too many commands",
			Retryable: true,
		})
		return
	}

	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.sendError("", apperr.Validation("malformed command", err))
		return
	}
	fn, ok := h.commands[cmd.Action]
	if !ok {
		c.sendError(cmd.Action, apperr.Validation(fmt.Sprintf("unknown action %q", cmd.Action), nil))
		return
	}
	if err := fn(c, cmd); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Handler.handleFrame",
			"conn_id":  c.id,
			"action":   cmd.Action,
			"code":     apperr.CodeOf(err),
			"error":    err.Error(),
		}).Debug("Command failed")
		c.sendError(cmd.Action, err)
	}
}

func requireRoom(cmd Command) error {
	if cmd.ChatRoomID == "" {
		return apperr.Validation("chatRoomId is required", fmt.Errorf("%w: chatRoomId", messaging.ErrMissingField))
	}
	return nil
}

func (h *Handler) handleSubscribe(c *Conn, cmd Command) error {
	if err := requireRoom(cmd); err != nil {
		return err
	}
	if _, ok := c.subscription(cmd.ChatRoomID); !ok {
		if err := h.deps.Dispatcher.Authorize(c.ctx, cmd.ChatRoomID, c.userID); err != nil {
			return err
		}
		sub, err := h.deps.Bus.Subscribe(c.ctx, events.ConversationTopic(cmd.ChatRoomID), c.deliver)
		if err != nil {
			return apperr.Unavailable("subscribe failed", err)
		}
		c.addSubscription(cmd.ChatRoomID, sub)
	}
	c.sendFrame(map[string]string{"type": FrameSubscribed, "chatRoomId": cmd.ChatRoomID})
	return nil
}

func (h *Handler) handleUnsubscribe(c *Conn, cmd Command) error {
	if err := requireRoom(cmd); err != nil {
		return err
	}
	if sub, ok := c.removeSubscription(cmd.ChatRoomID); ok {
		if err := h.deps.Bus.Unsubscribe(sub); err != nil {
			return apperr.Unavailable("unsubscribe failed", err)
		}
	}
	c.sendFrame(map[string]string{"type": FrameUnsubscribed, "chatRoomId": cmd.ChatRoomID})
	return nil
}

func (h *Handler) handleSendMessage(c *Conn, cmd Command) error {
	if err := requireRoom(cmd); err != nil {
		return err
	}
	sent, err := h.deps.Dispatcher.Send(c.ctx, messaging.SendRequest{
		ConversationID: cmd.ChatRoomID,
		SenderID:       c.userID,
		Ciphertext:     cmd.EncryptedContent,
		IV:             cmd.ContentIV,
		Type:           cmd.MessageType,
		MessageNumber:  cmd.MessageNumber,
		ChainLength:    cmd.ChainLength,
	})
	if err != nil {
		return err
	}
	c.sendFrame(MessageAck{
		Type:       FrameMessageAck,
		MessageID:  sent.ID,
		ChatRoomID: sent.ConversationID,
		Timestamp:  sent.CreatedAt,
	})
	return nil
}

func (h *Handler) handleStartTyping(c *Conn, cmd Command) error {
	if err := requireRoom(cmd); err != nil {
		return err
	}
	return h.deps.Dispatcher.StartTyping(c.ctx, cmd.ChatRoomID, c.userID)
}

func (h *Handler) handleStopTyping(c *Conn, cmd Command) error {
	if err := requireRoom(cmd); err != nil {
		return err
	}
	return h.deps.Dispatcher.StopTyping(c.ctx, cmd.ChatRoomID, c.userID)
}

func (h *Handler) handleGetChatRooms(c *Conn, _ Command) error {
	rooms, err := h.deps.Dispatcher.ChatRooms(c.ctx, c.userID)
	if err != nil {
		return err
	}
	if rooms == nil {
		rooms = []messaging.ChatRoom{}
	}
	c.sendFrame(ChatRoomsFrame{Type: FrameChatRooms, ChatRooms: rooms})
	return nil
}

// Shutdown closes every connection with 1001 and waits for their goroutines.
// New upgrades are refused from the first call on.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connections: %w", ctx.Err())
	}
}
