package repository

import (
	"time"

	"github.com/uptrace/bun"
)

// RoomModel is a row of chat_rooms.
type RoomModel struct {
	bun.BaseModel `bun:"table:chat_rooms,alias:r"`

	ID            string     `bun:",pk"`
	Name          string     `bun:",notnull"`
	CreatedAt     time.Time  `bun:",nullzero,notnull,default:current_timestamp"`
	LastMessageAt *time.Time `bun:",nullzero"`
}

// MemberModel is a row of chat_room_members.
type MemberModel struct {
	bun.BaseModel `bun:"table:chat_room_members,alias:m"`

	RoomID   string    `bun:",pk"`
	UserID   string    `bun:",pk"`
	Active   bool      `bun:",notnull,default:true"`
	JoinedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// MessageModel is a row of messages.
type MessageModel struct {
	bun.BaseModel `bun:"table:messages,alias:msg"`

	ID            string    `bun:",pk"`
	RoomID        string    `bun:",notnull"`
	SenderID      string    `bun:",notnull"`
	Ciphertext    string    `bun:",notnull"`
	IV            string    `bun:"iv,notnull"`
	Type          string    `bun:",notnull"`
	MessageNumber *int64
	ChainLength   *int64
	CreatedAt     time.Time `bun:",notnull"`
}

// Models lists every table model in creation order.
func Models() []any {
	return []any{
		(*RoomModel)(nil),
		(*MemberModel)(nil),
		(*MessageModel)(nil),
	}
}
