package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/chatcore/messaging"
)

var (
	// ErrRoomExists is returned when creating a room id that is taken.
	ErrRoomExists = errors.New("chat room already exists")
	// ErrRoomNotFound is returned for operations on an unknown room.
	ErrRoomNotFound = errors.New("chat room not found")
)

type memoryRoom struct {
	id            string
	name          string
	members       map[string]bool // user id -> active
	lastMessageAt time.Time
}

// Memory is an in-process implementation of every collaborator.
type Memory struct {
	mu       sync.RWMutex
	rooms    map[string]*memoryRoom
	messages map[string][]messaging.Message
}

var (
	_ messaging.Membership    = (*Memory)(nil)
	_ messaging.MessageStore  = (*Memory)(nil)
	_ messaging.RoomDirectory = (*Memory)(nil)
)

// NewMemory creates an empty Memory repository.
func NewMemory() *Memory {
	return &Memory{
		rooms:    make(map[string]*memoryRoom),
		messages: make(map[string][]messaging.Message),
	}
}

// CreateRoom adds a room with the given active members.
func (m *Memory) CreateRoom(_ context.Context, id, name string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[id]; ok {
		return ErrRoomExists
	}
	r := &memoryRoom{id: id, name: name, members: make(map[string]bool)}
	for _, u := range members {
		r.members[u] = true
	}
	m.rooms[id] = r
	return nil
}

// AddMember marks userID an active member of roomID.
func (m *Memory) AddMember(_ context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	r.members[userID] = true
	return nil
}

// RemoveMember marks userID inactive in roomID. History stays attributed.
func (m *Memory) RemoveMember(_ context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if _, ok := r.members[userID]; ok {
		r.members[userID] = false
	}
	return nil
}

// ConversationExists reports whether roomID exists.
func (m *Memory) ConversationExists(_ context.Context, roomID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID]
	return ok, nil
}

// IsActiveMember reports whether userID is an active member of roomID.
func (m *Memory) IsActiveMember(_ context.Context, roomID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	return ok && r.members[userID], nil
}

// ActiveMembers returns the sorted active members of roomID.
func (m *Memory) ActiveMembers(_ context.Context, roomID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, nil
	}
	return activeOf(r), nil
}

func activeOf(r *memoryRoom) []string {
	out := make([]string, 0, len(r.members))
	for u, active := range r.members {
		if active {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}

// Persist stores msg and bumps the room's last activity time.
func (m *Memory) Persist(_ context.Context, msg *messaging.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[msg.ConversationID]
	if !ok {
		return ErrRoomNotFound
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], *msg)
	if msg.CreatedAt.After(r.lastMessageAt) {
		r.lastMessageAt = msg.CreatedAt
	}
	return nil
}

// Messages returns the persisted messages of roomID in persist order.
func (m *Memory) Messages(_ context.Context, roomID string) ([]messaging.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]messaging.Message(nil), m.messages[roomID]...), nil
}

// ChatRooms lists the rooms where userID is active, most recent first.
func (m *Memory) ChatRooms(_ context.Context, userID string) ([]messaging.ChatRoom, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []messaging.ChatRoom{}
	for _, r := range m.rooms {
		if !r.members[userID] {
			continue
		}
		out = append(out, messaging.ChatRoom{
			ID:            r.id,
			Name:          r.name,
			Members:       activeOf(r),
			LastMessageAt: r.lastMessageAt,
		})
	}
	sortRooms(out)
	return out, nil
}

func sortRooms(rooms []messaging.ChatRoom) {
	sort.Slice(rooms, func(i, j int) bool {
		if !rooms[i].LastMessageAt.Equal(rooms[j].LastMessageAt) {
			return rooms[i].LastMessageAt.After(rooms[j].LastMessageAt)
		}
		return rooms[i].ID < rooms[j].ID
	})
}
