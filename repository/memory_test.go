package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatcore/messaging"
)

// collaboratorSuite exercises the behaviour shared by every implementation.
type collaborators interface {
	messaging.Membership
	messaging.MessageStore
	messaging.RoomDirectory
	CreateRoom(ctx context.Context, id, name string, members ...string) error
	AddMember(ctx context.Context, roomID, userID string) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	Messages(ctx context.Context, roomID string) ([]messaging.Message, error)
}

func runCollaboratorSuite(t *testing.T, repo collaborators) {
	ctx := context.Background()
	require.NoError(t, repo.CreateRoom(ctx, "c1", "general", "alice", "bob"))
	require.NoError(t, repo.CreateRoom(ctx, "c2", "random", "alice"))

	exists, err := repo.ConversationExists(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = repo.ConversationExists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)

	member, err := repo.IsActiveMember(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.True(t, member)

	require.NoError(t, repo.AddMember(ctx, "c1", "carol"))
	require.NoError(t, repo.RemoveMember(ctx, "c1", "bob"))

	member, err = repo.IsActiveMember(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.False(t, member, "removed members are inactive")

	members, err := repo.ActiveMembers(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, members)

	n := int64(2)
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Persist(ctx, &messaging.Message{
		ID: "m1", ConversationID: "c2", SenderID: "alice",
		Ciphertext: "ct", IV: "iv", Type: messaging.MessageTypeText,
		MessageNumber: &n, CreatedAt: at,
	}))

	msgs, err := repo.Messages(ctx, "c2")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	require.NotNil(t, msgs[0].MessageNumber)
	assert.Equal(t, int64(2), *msgs[0].MessageNumber)
	assert.Nil(t, msgs[0].ChainLength)

	rooms, err := repo.ChatRooms(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "c2", rooms[0].ID, "most recently active first")
	assert.True(t, at.Equal(rooms[0].LastMessageAt))
	assert.Equal(t, "c1", rooms[1].ID)

	rooms, err = repo.ChatRooms(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

// TestMemoryCollaborators tests the in-memory collaborators.
func TestMemoryCollaborators(t *testing.T) {
	runCollaboratorSuite(t, NewMemory())
}

func TestMemoryErrors(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateRoom(ctx, "c1", "general"))

	assert.ErrorIs(t, m.CreateRoom(ctx, "c1", "dup"), ErrRoomExists)
	assert.ErrorIs(t, m.AddMember(ctx, "nope", "u"), ErrRoomNotFound)
	assert.ErrorIs(t, m.Persist(ctx, &messaging.Message{ConversationID: "nope"}), ErrRoomNotFound)

	members, err := m.ActiveMembers(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, members)
}
