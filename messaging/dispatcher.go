package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/apperr"
	"github.com/opd-ai/chatcore/events"
	"github.com/opd-ai/chatcore/limits"
	"github.com/opd-ai/chatcore/lock"
	"github.com/opd-ai/chatcore/queue"
)

var (
	// ErrConversationNotFound is returned for an unknown conversation id.
	ErrConversationNotFound = errors.New("chat room not found")
	// ErrNotMember is returned when the caller is not an active member.
	ErrNotMember = errors.New("user is not an active member of the chat room")
	// ErrMissingField is returned when a required request field is empty.
	ErrMissingField = errors.New("missing required field")
)

// Dependencies are the collaborators a Dispatcher coordinates.
type Dependencies struct {
	Locker     Locker
	Membership Membership
	Messages   MessageStore
	Rooms      RoomDirectory
	Presence   Presence
	Queue      OfflineQueue
	Events     Publisher
}

func (d Dependencies) validate() error {
	switch {
	case d.Locker == nil:
		return errors.New("dispatcher requires a locker")
	case d.Membership == nil:
		return errors.New("dispatcher requires membership")
	case d.Messages == nil:
		return errors.New("dispatcher requires a message store")
	case d.Presence == nil:
		return errors.New("dispatcher requires presence")
	case d.Queue == nil:
		return errors.New("dispatcher requires an offline queue")
	case d.Events == nil:
		return errors.New("dispatcher requires an event publisher")
	}
	return nil
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces the clock used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithIDGenerator replaces the message id generator.
func WithIDGenerator(gen func() string) Option {
	return func(d *Dispatcher) { d.newID = gen }
}

// Dispatcher serialises writes per conversation and fans messages out.
type Dispatcher struct {
	deps  Dependencies
	now   func() time.Time
	newID func() string
}

// NewDispatcher creates a Dispatcher. Rooms may be nil, in which case
// ChatRooms returns an empty list.
func NewDispatcher(deps Dependencies, opts ...Option) (*Dispatcher, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		deps:  deps,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// ValidateRequest checks req without touching any shared state.
func ValidateRequest(req SendRequest) error {
	if req.ConversationID == "" {
		return apperr.Validation("chatRoomId is required", fmt.Errorf("%w: chatRoomId", ErrMissingField))
	}
	if req.SenderID == "" {
		return apperr.Validation("sender is required", fmt.Errorf("%w: sender", ErrMissingField))
	}
	if err := limits.ValidateCiphertext(req.Ciphertext); err != nil {
		if errors.Is(err, limits.ErrMessageEmpty) {
			return apperr.Validation("encrypted content is required", err)
		}
		return apperr.Validation(fmt.Sprintf("encrypted content exceeds %d characters", limits.MaxCiphertextChars), err)
	}
	if err := limits.ValidateIV(req.IV); err != nil {
		if errors.Is(err, limits.ErrIVEmpty) {
			return apperr.Validation("content iv is required", err)
		}
		return apperr.Validation("content iv is too long", err)
	}
	return nil
}

// Send persists req and delivers it to every active member of the
// conversation. It fails with a VALIDATION error for invalid input or a
// non-member sender and LOCK_UNAVAILABLE when the conversation is busy.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (*DispatchedMessage, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	var out *DispatchedMessage
	err := d.deps.Locker.WithLock(ctx, lock.ConversationKey(req.ConversationID), func(ctx context.Context) error {
		var err error
		out, err = d.sendLocked(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Dispatcher) sendLocked(ctx context.Context, req SendRequest) (*DispatchedMessage, error) {
	if err := d.Authorize(ctx, req.ConversationID, req.SenderID); err != nil {
		return nil, err
	}

	msgType, known := ParseMessageType(req.Type)
	if !known {
		logrus.WithFields(logrus.Fields{
			"function":        "Send",
			"conversation_id": req.ConversationID,
			"message_type":    req.Type,
		}).Debug("Unknown message type, defaulting to TEXT")
	}

	msg := &Message{
		ID:             d.newID(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Ciphertext:     req.Ciphertext,
		IV:             req.IV,
		Type:           msgType,
		MessageNumber:  req.MessageNumber,
		ChainLength:    req.ChainLength,
		CreatedAt:      d.now(),
	}
	if err := d.deps.Messages.Persist(ctx, msg); err != nil {
		return nil, asAppError(err, "failed to persist message")
	}

	members, err := d.deps.Membership.ActiveMembers(ctx, req.ConversationID)
	if err != nil {
		return nil, asAppError(err, "failed to load chat room members")
	}

	out := &DispatchedMessage{Message: *msg}
	for _, member := range members {
		if member == req.SenderID {
			continue
		}
		out.Recipients = append(out.Recipients, member)
		if d.deliverOffline(ctx, member, msg) {
			out.Queued = append(out.Queued, member)
		}
	}

	event := events.MessageSent{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		Ciphertext:     msg.Ciphertext,
		IV:             msg.IV,
		MessageType:    string(msg.Type),
		MessageNumber:  msg.MessageNumber,
		ChainLength:    msg.ChainLength,
		Timestamp:      msg.CreatedAt,
	}
	if err := d.deps.Events.Publish(ctx, events.ConversationTopic(msg.ConversationID), event); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "Send",
			"conversation_id": msg.ConversationID,
			"message_id":      msg.ID,
			"error":           err.Error(),
		}).Warn("Failed to publish message event")
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Send",
		"conversation_id": msg.ConversationID,
		"message_id":      msg.ID,
		"recipients":      len(out.Recipients),
		"queued":          len(out.Queued),
	}).Info("Message dispatched")
	return out, nil
}

// deliverOffline queues msg for member when Presence reports them
// unreachable. It reports whether a copy was queued.
func (d *Dispatcher) deliverOffline(ctx context.Context, member string, msg *Message) bool {
	online, err := d.deps.Presence.Online(ctx, member)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "deliverOffline",
			"user_id":  member,
			"error":    err.Error(),
		}).Warn("Presence lookup failed, queueing message")
		online = false
	}
	if online {
		return false
	}

	err = d.deps.Queue.Enqueue(ctx, member, queue.Message{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Ciphertext:     msg.Ciphertext,
		IV:             msg.IV,
		Type:           string(msg.Type),
		MessageNumber:  msg.MessageNumber,
		ChainLength:    msg.ChainLength,
		Timestamp:      msg.CreatedAt,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "deliverOffline",
			"user_id":    member,
			"message_id": msg.ID,
			"error":      err.Error(),
		}).Error("Failed to queue offline message")
		return false
	}
	return true
}

// Authorize checks that conversationID exists and userID is an active member.
func (d *Dispatcher) Authorize(ctx context.Context, conversationID, userID string) error {
	exists, err := d.deps.Membership.ConversationExists(ctx, conversationID)
	if err != nil {
		return asAppError(err, "failed to look up chat room")
	}
	if !exists {
		return apperr.Validation("chat room not found", fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID))
	}
	member, err := d.deps.Membership.IsActiveMember(ctx, conversationID, userID)
	if err != nil {
		return asAppError(err, "failed to check membership")
	}
	if !member {
		return apperr.Validation("you are not an active member of this chat room", ErrNotMember)
	}
	return nil
}

// StartTyping announces that userID is typing in conversationID.
func (d *Dispatcher) StartTyping(ctx context.Context, conversationID, userID string) error {
	if err := d.Authorize(ctx, conversationID, userID); err != nil {
		return err
	}
	return d.publish(ctx, events.ConversationTopic(conversationID), events.TypingStarted{
		ConversationID: conversationID,
		UserID:         userID,
		Timestamp:      d.now(),
	})
}

// StopTyping announces that userID stopped typing in conversationID.
func (d *Dispatcher) StopTyping(ctx context.Context, conversationID, userID string) error {
	if err := d.Authorize(ctx, conversationID, userID); err != nil {
		return err
	}
	return d.publish(ctx, events.ConversationTopic(conversationID), events.TypingStopped{
		ConversationID: conversationID,
		UserID:         userID,
		Timestamp:      d.now(),
	})
}

// ChatRooms lists the conversations of userID.
func (d *Dispatcher) ChatRooms(ctx context.Context, userID string) ([]ChatRoom, error) {
	if d.deps.Rooms == nil {
		return []ChatRoom{}, nil
	}
	rooms, err := d.deps.Rooms.ChatRooms(ctx, userID)
	if err != nil {
		return nil, asAppError(err, "failed to list chat rooms")
	}
	if rooms == nil {
		rooms = []ChatRoom{}
	}
	return rooms, nil
}

// NotifyUserJoined announces a new member of conversationID.
func (d *Dispatcher) NotifyUserJoined(ctx context.Context, conversationID, userID string) error {
	return d.publish(ctx, events.ConversationTopic(conversationID), events.UserJoined{
		ConversationID: conversationID,
		UserID:         userID,
		Timestamp:      d.now(),
	})
}

// NotifyUserLeft announces that userID left conversationID.
func (d *Dispatcher) NotifyUserLeft(ctx context.Context, conversationID, userID string) error {
	return d.publish(ctx, events.ConversationTopic(conversationID), events.UserLeft{
		ConversationID: conversationID,
		UserID:         userID,
		Timestamp:      d.now(),
	})
}

// NotifyChatRoomCreated announces a new conversation on its topic and tells
// each member their room list changed.
func (d *Dispatcher) NotifyChatRoomCreated(ctx context.Context, room ChatRoom, createdBy string) error {
	err := d.publish(ctx, events.ConversationTopic(room.ID), events.ChatRoomCreated{
		ConversationID: room.ID,
		Name:           room.Name,
		CreatedBy:      createdBy,
		Timestamp:      d.now(),
	})
	return errors.Join(err, d.NotifyChatRoomListUpdated(ctx, room.Members...))
}

// NotifyChatRoomUpdated announces changed conversation metadata.
func (d *Dispatcher) NotifyChatRoomUpdated(ctx context.Context, room ChatRoom) error {
	return d.publish(ctx, events.ConversationTopic(room.ID), events.ChatRoomUpdated{
		ConversationID: room.ID,
		Name:           room.Name,
		Timestamp:      d.now(),
	})
}

// NotifyChatRoomListUpdated publishes ChatRoomListUpdated on the user topic
// of every listed user.
func (d *Dispatcher) NotifyChatRoomListUpdated(ctx context.Context, userIDs ...string) error {
	var errs []error
	for _, id := range userIDs {
		errs = append(errs, d.publish(ctx, events.UserTopic(id), events.ChatRoomListUpdated{
			UserID:    id,
			Timestamp: d.now(),
		}))
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) publish(ctx context.Context, topic string, e events.Event) error {
	if err := d.deps.Events.Publish(ctx, topic, e); err != nil {
		return apperr.Unavailable("failed to publish event", err)
	}
	return nil
}

// asAppError keeps coded errors from collaborators and wraps the rest as
// UNAVAILABLE.
func asAppError(err error, message string) error {
	if apperr.CodeOf(err) != apperr.CodeUnknown {
		return err
	}
	return apperr.Unavailable(message, err)
}
