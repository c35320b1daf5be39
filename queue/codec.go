package queue

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the encoded Message.
const (
	fieldRecipientID    protowire.Number = 1
	fieldMessageID      protowire.Number = 2
	fieldConversationID protowire.Number = 3
	fieldSenderID       protowire.Number = 4
	fieldCiphertext     protowire.Number = 5
	fieldIV             protowire.Number = 6
	fieldType           protowire.Number = 7
	fieldMessageNumber  protowire.Number = 8
	fieldChainLength    protowire.Number = 9
	fieldTimestamp      protowire.Number = 10
	fieldDeleted        protowire.Number = 11
)

// ErrCorruptEntry is returned when a queued entry cannot be decoded.
var ErrCorruptEntry = errors.New("corrupt queue entry")

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Encode serializes m. Empty strings and absent optional numbers are omitted.
func Encode(m Message) []byte {
	var b []byte
	b = appendString(b, fieldRecipientID, m.RecipientID)
	b = appendString(b, fieldMessageID, m.MessageID)
	b = appendString(b, fieldConversationID, m.ConversationID)
	b = appendString(b, fieldSenderID, m.SenderID)
	b = appendString(b, fieldCiphertext, m.Ciphertext)
	b = appendString(b, fieldIV, m.IV)
	b = appendString(b, fieldType, m.Type)
	if m.MessageNumber != nil {
		b = appendVarint(b, fieldMessageNumber, protowire.EncodeZigZag(*m.MessageNumber))
	}
	if m.ChainLength != nil {
		b = appendVarint(b, fieldChainLength, protowire.EncodeZigZag(*m.ChainLength))
	}
	if !m.Timestamp.IsZero() {
		b = appendVarint(b, fieldTimestamp, protowire.EncodeZigZag(m.Timestamp.UnixNano()))
	}
	if m.Deleted {
		b = appendVarint(b, fieldDeleted, protowire.EncodeBool(true))
	}
	return b
}

// Decode parses an entry produced by Encode. Unknown fields are skipped.
func Decode(b []byte) (Message, error) {
	var m Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: %w", ErrCorruptEntry, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && num >= fieldRecipientID && num <= fieldType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %w", ErrCorruptEntry, num, protowire.ParseError(n))
			}
			b = b[n:]
			setString(&m, num, v)

		case typ == protowire.VarintType && num >= fieldMessageNumber && num <= fieldDeleted:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %w", ErrCorruptEntry, num, protowire.ParseError(n))
			}
			b = b[n:]
			setVarint(&m, num, v)

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %w", ErrCorruptEntry, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

func setString(m *Message, num protowire.Number, v string) {
	switch num {
	case fieldRecipientID:
		m.RecipientID = v
	case fieldMessageID:
		m.MessageID = v
	case fieldConversationID:
		m.ConversationID = v
	case fieldSenderID:
		m.SenderID = v
	case fieldCiphertext:
		m.Ciphertext = v
	case fieldIV:
		m.IV = v
	case fieldType:
		m.Type = v
	}
}

func setVarint(m *Message, num protowire.Number, v uint64) {
	switch num {
	case fieldMessageNumber:
		x := protowire.DecodeZigZag(v)
		m.MessageNumber = &x
	case fieldChainLength:
		x := protowire.DecodeZigZag(v)
		m.ChainLength = &x
	case fieldTimestamp:
		m.Timestamp = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
	case fieldDeleted:
		m.Deleted = protowire.DecodeBool(v)
	}
}
