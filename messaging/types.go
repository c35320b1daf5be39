package messaging

import (
	"context"
	"strings"
	"time"

	"github.com/opd-ai/chatcore/events"
	"github.com/opd-ai/chatcore/queue"
)

// MessageType classifies the content of an encrypted message.
type MessageType string

const (
	MessageTypeText   MessageType = "TEXT"
	MessageTypeImage  MessageType = "IMAGE"
	MessageTypeFile   MessageType = "FILE"
	MessageTypeSystem MessageType = "SYSTEM"
)

// ParseMessageType maps s to a MessageType, case-insensitively. Unknown or
// empty values map to TEXT and ok reports false.
func ParseMessageType(s string) (t MessageType, ok bool) {
	switch MessageType(strings.ToUpper(strings.TrimSpace(s))) {
	case MessageTypeText:
		return MessageTypeText, true
	case MessageTypeImage:
		return MessageTypeImage, true
	case MessageTypeFile:
		return MessageTypeFile, true
	case MessageTypeSystem:
		return MessageTypeSystem, true
	}
	return MessageTypeText, false
}

// SendRequest is a client's request to post an encrypted message.
type SendRequest struct {
	ConversationID string
	SenderID       string
	Ciphertext     string
	IV             string
	Type           string
	MessageNumber  *int64
	ChainLength    *int64
}

// Message is a persisted message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Ciphertext     string
	IV             string
	Type           MessageType
	MessageNumber  *int64
	ChainLength    *int64
	CreatedAt      time.Time
}

// DispatchedMessage reports the outcome of a successful Send.
type DispatchedMessage struct {
	Message
	// Recipients are the active members other than the sender.
	Recipients []string
	// Queued lists the recipients that received an offline copy.
	Queued []string
}

// ChatRoom is a conversation summary as listed to a member.
type ChatRoom struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Members       []string  `json:"members,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

// Membership answers conversation membership questions.
type Membership interface {
	ConversationExists(ctx context.Context, conversationID string) (bool, error)
	IsActiveMember(ctx context.Context, conversationID, userID string) (bool, error)
	ActiveMembers(ctx context.Context, conversationID string) ([]string, error)
}

// MessageStore persists messages.
type MessageStore interface {
	Persist(ctx context.Context, msg *Message) error
}

// RoomDirectory lists the conversations of a user.
type RoomDirectory interface {
	ChatRooms(ctx context.Context, userID string) ([]ChatRoom, error)
}

// Presence reports whether a user can receive pushed events right now.
type Presence interface {
	Online(ctx context.Context, userID string) (bool, error)
}

// Locker runs fn under a named distributed lock.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Publisher publishes fan-out events.
type Publisher interface {
	Publish(ctx context.Context, topic string, e events.Event) error
}

// OfflineQueue holds messages for unreachable recipients.
type OfflineQueue interface {
	Enqueue(ctx context.Context, recipientID string, msg queue.Message) error
}
