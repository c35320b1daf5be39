package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type is the wire discriminant of an Event.
type Type string

const (
	TypeMessageSent         Type = "MESSAGE_SENT"
	TypeUserJoined          Type = "USER_JOINED"
	TypeUserLeft            Type = "USER_LEFT"
	TypeTypingStarted       Type = "TYPING_STARTED"
	TypeTypingStopped       Type = "TYPING_STOPPED"
	TypeChatRoomCreated     Type = "CHAT_ROOM_CREATED"
	TypeChatRoomUpdated     Type = "CHAT_ROOM_UPDATED"
	TypeChatRoomListUpdated Type = "CHAT_ROOM_LIST_UPDATED"
)

var (
	// ErrUnknownType is returned when decoding an unrecognised discriminant.
	ErrUnknownType = errors.New("unknown event type")
	// ErrMalformedEvent is returned for payloads that are not event objects.
	ErrMalformedEvent = errors.New("malformed event")
)

// Event is one of the variants declared in this package.
type Event interface {
	Type() Type
	OccurredAt() time.Time
	sealed()
}

// MessageSent announces a new message in a conversation.
type MessageSent struct {
	ConversationID string    `json:"chatRoomId"`
	MessageID      string    `json:"messageId"`
	SenderID       string    `json:"senderId"`
	Ciphertext     string    `json:"encryptedContent"`
	IV             string    `json:"contentIv"`
	MessageType    string    `json:"messageType"`
	MessageNumber  *int64    `json:"messageNumber,omitempty"`
	ChainLength    *int64    `json:"chainLength,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// UserJoined announces a member joining a conversation.
type UserJoined struct {
	ConversationID string    `json:"chatRoomId"`
	UserID         string    `json:"userId"`
	Timestamp      time.Time `json:"timestamp"`
}

// UserLeft announces a member leaving a conversation.
type UserLeft struct {
	ConversationID string    `json:"chatRoomId"`
	UserID         string    `json:"userId"`
	Timestamp      time.Time `json:"timestamp"`
}

// TypingStarted signals a member started typing.
type TypingStarted struct {
	ConversationID string    `json:"chatRoomId"`
	UserID         string    `json:"userId"`
	Timestamp      time.Time `json:"timestamp"`
}

// TypingStopped signals a member stopped typing.
type TypingStopped struct {
	ConversationID string    `json:"chatRoomId"`
	UserID         string    `json:"userId"`
	Timestamp      time.Time `json:"timestamp"`
}

// ChatRoomCreated announces a new conversation.
type ChatRoomCreated struct {
	ConversationID string    `json:"chatRoomId"`
	Name           string    `json:"name,omitempty"`
	CreatedBy      string    `json:"createdBy,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ChatRoomUpdated announces a change to a conversation's metadata.
type ChatRoomUpdated struct {
	ConversationID string    `json:"chatRoomId"`
	Name           string    `json:"name,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ChatRoomListUpdated tells a user their conversation list changed.
type ChatRoomListUpdated struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

func (MessageSent) Type() Type         { return TypeMessageSent }
func (UserJoined) Type() Type          { return TypeUserJoined }
func (UserLeft) Type() Type            { return TypeUserLeft }
func (TypingStarted) Type() Type       { return TypeTypingStarted }
func (TypingStopped) Type() Type       { return TypeTypingStopped }
func (ChatRoomCreated) Type() Type     { return TypeChatRoomCreated }
func (ChatRoomUpdated) Type() Type     { return TypeChatRoomUpdated }
func (ChatRoomListUpdated) Type() Type { return TypeChatRoomListUpdated }

func (e MessageSent) OccurredAt() time.Time         { return e.Timestamp }
func (e UserJoined) OccurredAt() time.Time          { return e.Timestamp }
func (e UserLeft) OccurredAt() time.Time            { return e.Timestamp }
func (e TypingStarted) OccurredAt() time.Time       { return e.Timestamp }
func (e TypingStopped) OccurredAt() time.Time       { return e.Timestamp }
func (e ChatRoomCreated) OccurredAt() time.Time     { return e.Timestamp }
func (e ChatRoomUpdated) OccurredAt() time.Time     { return e.Timestamp }
func (e ChatRoomListUpdated) OccurredAt() time.Time { return e.Timestamp }

func (MessageSent) sealed()         {}
func (UserJoined) sealed()          {}
func (UserLeft) sealed()            {}
func (TypingStarted) sealed()       {}
func (TypingStopped) sealed()       {}
func (ChatRoomCreated) sealed()     {}
func (ChatRoomUpdated) sealed()     {}
func (ChatRoomListUpdated) sealed() {}

// Encode renders e as a JSON object with its "type" discriminant.
func Encode(e Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type(), err)
	}
	typ, _ := json.Marshal(e.Type())
	fields["type"] = typ
	return json.Marshal(fields)
}

// Decode parses a payload produced by Encode.
func Decode(data []byte) (Event, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	var (
		e   Event
		err error
	)
	switch head.Type {
	case TypeMessageSent:
		e, err = decodeAs[MessageSent](data)
	case TypeUserJoined:
		e, err = decodeAs[UserJoined](data)
	case TypeUserLeft:
		e, err = decodeAs[UserLeft](data)
	case TypeTypingStarted:
		e, err = decodeAs[TypingStarted](data)
	case TypeTypingStopped:
		e, err = decodeAs[TypingStopped](data)
	case TypeChatRoomCreated:
		e, err = decodeAs[ChatRoomCreated](data)
	case TypeChatRoomUpdated:
		e, err = decodeAs[ChatRoomUpdated](data)
	case TypeChatRoomListUpdated:
		e, err = decodeAs[ChatRoomListUpdated](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedEvent, head.Type, err)
	}
	return e, nil
}

func decodeAs[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
