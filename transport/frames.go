package transport

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/opd-ai/chatcore/apperr"
	"github.com/opd-ai/chatcore/messaging"
	"github.com/opd-ai/chatcore/queue"
)

// Action names a client command.
type Action string

const (
	ActionSubscribe    Action = "subscribe"
	ActionUnsubscribe  Action = "unsubscribe"
	ActionSendMessage  Action = "sendMessage"
	ActionStartTyping  Action = "startTyping"
	ActionStopTyping   Action = "stopTyping"
	ActionGetChatRooms Action = "getChatRooms"
)

// Frame types sent in addition to fan-out events.
const (
	FrameMessageAck      = "MESSAGE_ACK"
	FrameChatRooms       = "CHAT_ROOMS"
	FrameOfflineMessages = "OFFLINE_MESSAGES"
	FrameError           = "ERROR"
)

// CodeRateLimited is the ERROR code sent when a client exceeds its command rate.
const CodeRateLimited = "RATE_LIMITED"

// Command is an inbound client frame.
type Command struct {
	Action           Action `json:"action"`
	ChatRoomID       string `json:"chatRoomId,omitempty"`
	EncryptedContent string `json:"encryptedContent,omitempty"`
	ContentIV        string `json:"contentIv,omitempty"`
	MessageType      string `json:"messageType,omitempty"`
	MessageNumber    *int64 `json:"messageNumber,omitempty"`
	ChainLength      *int64 `json:"chainLength,omitempty"`
}

// MessageAck confirms a sendMessage command.
type MessageAck struct {
	Type       string    `json:"type"`
	MessageID  string    `json:"messageId"`
	ChatRoomID string    `json:"chatRoomId"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChatRoomsFrame answers getChatRooms.
type ChatRoomsFrame struct {
	Type      string               `json:"type"`
	ChatRooms []messaging.ChatRoom `json:"chatRooms"`
}

// OfflineMessage is one queued message delivered on connect.
type OfflineMessage struct {
	MessageID        string    `json:"messageId"`
	ChatRoomID       string    `json:"chatRoomId"`
	SenderID         string    `json:"senderId"`
	EncryptedContent string    `json:"encryptedContent"`
	ContentIV        string    `json:"contentIv"`
	MessageType      string    `json:"messageType"`
	MessageNumber    *int64    `json:"messageNumber,omitempty"`
	ChainLength      *int64    `json:"chainLength,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// OfflineMessagesFrame carries everything queued while the user was away.
type OfflineMessagesFrame struct {
	Type     string           `json:"type"`
	Messages []OfflineMessage `json:"messages"`
}

// ErrorFrame reports a failed command.
type ErrorFrame struct {
	Type      string `json:"type"`
	Action    Action `json:"action,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func offlineFrame(msgs []queue.Message) OfflineMessagesFrame {
	out := OfflineMessagesFrame{Type: FrameOfflineMessages, Messages: make([]OfflineMessage, 0, len(msgs))}
	for _, m := range msgs {
		if m.Deleted {
			continue
		}
		out.Messages = append(out.Messages, OfflineMessage{
			MessageID:        m.MessageID,
			ChatRoomID:       m.ConversationID,
			SenderID:         m.SenderID,
			EncryptedContent: m.Ciphertext,
			ContentIV:        m.IV,
			MessageType:      m.Type,
			MessageNumber:    m.MessageNumber,
			ChainLength:      m.ChainLength,
			Timestamp:        m.Timestamp,
		})
	}
	return out
}

// errorFrame renders err for the client. Uncoded errors are reported as
// INTERNAL without their detail.
func errorFrame(action Action, err error) ErrorFrame {
	frame := ErrorFrame{
		Type:      FrameError,
		Action:    action,
		Code:      string(apperr.CodeInternal),
		Message:   "internal error",
		Retryable: apperr.IsRetryable(err),
	}
	var coded *apperr.Error
	if errors.As(err, &coded) {
		frame.Code = string(coded.Code)
		frame.Message = coded.Message
	}
	return frame
}

func marshalFrame(v any) ([]byte, error) {
	return json.Marshal(v)
}
