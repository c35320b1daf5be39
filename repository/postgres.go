package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/opd-ai/chatcore/messaging"
)

// Postgres stores rooms, members and messages in PostgreSQL.
type Postgres struct {
	db *bun.DB
}

var (
	_ messaging.Membership    = (*Postgres)(nil)
	_ messaging.MessageStore  = (*Postgres)(nil)
	_ messaging.RoomDirectory = (*Postgres)(nil)
)

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	if err := sqldb.PingContext(ctx); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "OpenPostgres",
	}).Info("Connected to postgres")
	return NewPostgres(bun.NewDB(sqldb, pgdialect.New())), nil
}

// NewPostgres wraps an existing bun database.
func NewPostgres(db *bun.DB) *Postgres {
	return &Postgres{db: db}
}

// CreateSchema creates the tables when they do not exist.
func (p *Postgres) CreateSchema(ctx context.Context) error {
	for _, model := range Models() {
		if _, err := p.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	_, err := p.db.NewCreateIndex().
		Model((*MessageModel)(nil)).
		Index("messages_room_created_idx").
		Column("room_id", "created_at").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create messages index: %w", err)
	}
	return nil
}

// Close closes the database.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// CreateRoom inserts a room and its initial members in one transaction.
func (p *Postgres) CreateRoom(ctx context.Context, id, name string, members ...string) error {
	return p.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		room := &RoomModel{ID: id, Name: name}
		if _, err := tx.NewInsert().Model(room).Exec(ctx); err != nil {
			return fmt.Errorf("insert room %s: %w", id, err)
		}
		if len(members) == 0 {
			return nil
		}
		rows := make([]MemberModel, 0, len(members))
		for _, u := range members {
			rows = append(rows, MemberModel{RoomID: id, UserID: u, Active: true})
		}
		if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
			return fmt.Errorf("insert members of %s: %w", id, err)
		}
		return nil
	})
}

// AddMember marks userID active in roomID, reactivating a former member.
func (p *Postgres) AddMember(ctx context.Context, roomID, userID string) error {
	_, err := p.db.NewInsert().
		Model(&MemberModel{RoomID: roomID, UserID: userID, Active: true}).
		On("CONFLICT (room_id, user_id) DO UPDATE").
		Set("active = EXCLUDED.active").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("add member %s to %s: %w", userID, roomID, err)
	}
	return nil
}

// RemoveMember marks userID inactive in roomID.
func (p *Postgres) RemoveMember(ctx context.Context, roomID, userID string) error {
	_, err := p.db.NewUpdate().
		Model((*MemberModel)(nil)).
		Set("active = ?", false).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("remove member %s from %s: %w", userID, roomID, err)
	}
	return nil
}

// ConversationExists reports whether roomID exists.
func (p *Postgres) ConversationExists(ctx context.Context, roomID string) (bool, error) {
	ok, err := p.db.NewSelect().Model((*RoomModel)(nil)).Where("id = ?", roomID).Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("look up room %s: %w", roomID, err)
	}
	return ok, nil
}

// IsActiveMember reports whether userID is an active member of roomID.
func (p *Postgres) IsActiveMember(ctx context.Context, roomID, userID string) (bool, error) {
	ok, err := p.db.NewSelect().
		Model((*MemberModel)(nil)).
		Where("room_id = ? AND user_id = ? AND active", roomID, userID).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check membership of %s in %s: %w", userID, roomID, err)
	}
	return ok, nil
}

// ActiveMembers returns the sorted active members of roomID.
func (p *Postgres) ActiveMembers(ctx context.Context, roomID string) ([]string, error) {
	var users []string
	err := p.db.NewSelect().
		Model((*MemberModel)(nil)).
		Column("user_id").
		Where("room_id = ? AND active", roomID).
		Order("user_id ASC").
		Scan(ctx, &users)
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", roomID, err)
	}
	return users, nil
}

// Persist inserts msg and bumps the room's last activity time.
func (p *Postgres) Persist(ctx context.Context, msg *messaging.Message) error {
	return p.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		row := &MessageModel{
			ID:            msg.ID,
			RoomID:        msg.ConversationID,
			SenderID:      msg.SenderID,
			Ciphertext:    msg.Ciphertext,
			IV:            msg.IV,
			Type:          string(msg.Type),
			MessageNumber: msg.MessageNumber,
			ChainLength:   msg.ChainLength,
			CreatedAt:     msg.CreatedAt,
		}
		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			return fmt.Errorf("insert message %s: %w", msg.ID, err)
		}
		_, err := tx.NewUpdate().
			Model((*RoomModel)(nil)).
			Set("last_message_at = ?", msg.CreatedAt).
			Where("id = ?", msg.ConversationID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("touch room %s: %w", msg.ConversationID, err)
		}
		return nil
	})
}

// Messages returns the messages of roomID oldest first.
func (p *Postgres) Messages(ctx context.Context, roomID string) ([]messaging.Message, error) {
	var rows []MessageModel
	err := p.db.NewSelect().
		Model(&rows).
		Where("room_id = ?", roomID).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("list messages of %s: %w", roomID, err)
	}
	out := make([]messaging.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, messaging.Message{
			ID:             r.ID,
			ConversationID: r.RoomID,
			SenderID:       r.SenderID,
			Ciphertext:     r.Ciphertext,
			IV:             r.IV,
			Type:           messaging.MessageType(r.Type),
			MessageNumber:  r.MessageNumber,
			ChainLength:    r.ChainLength,
			CreatedAt:      r.CreatedAt,
		})
	}
	return out, nil
}

// ChatRooms lists the rooms where userID is active, most recent first.
func (p *Postgres) ChatRooms(ctx context.Context, userID string) ([]messaging.ChatRoom, error) {
	var rooms []RoomModel
	err := p.db.NewSelect().
		Model(&rooms).
		Join("JOIN chat_room_members AS m ON m.room_id = r.id").
		Where("m.user_id = ? AND m.active", userID).
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("list rooms of %s: %w", userID, err)
	}

	out := make([]messaging.ChatRoom, 0, len(rooms))
	for _, r := range rooms {
		members, err := p.ActiveMembers(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		var last time.Time
		if r.LastMessageAt != nil {
			last = *r.LastMessageAt
		}
		out = append(out, messaging.ChatRoom{ID: r.ID, Name: r.Name, Members: members, LastMessageAt: last})
	}
	sortRooms(out)
	return out, nil
}
