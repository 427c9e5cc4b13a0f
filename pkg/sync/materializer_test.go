package sync

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terracrypt/chatsync/pkg/store"
	"github.com/terracrypt/chatsync/pkg/wire"
)

func newTestMaterializer(t *testing.T) (*Materializer, *store.Store) {
	t.Helper()
	s, err := store.New(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return newMaterializer(s, "me", zerolog.Nop()), s
}

func created(chatID string, members []string, ts int64) *wire.ChatNotification {
	return &wire.ChatNotification{
		Action:    wire.ChatCreated,
		ChatID:    chatID,
		Members:   members,
		CreatorID: members[0],
		Timestamp: ts,
	}
}

func TestCreatedMaterializesChatAndParticipants(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMaterializer(t)

	require.NoError(t, m.Apply(ctx, created("chat1", []string{"me", "bob"}, 100)))

	chat, err := s.GetChat(ctx, "chat1")
	require.NoError(t, err)
	require.NotNil(t, chat)
	assert.False(t, chat.IsGroup)

	parts, err := s.ParticipantsForChat(ctx, "chat1")
	require.NoError(t, err)
	assert.Len(t, parts, 2)
}

func TestCreatedIdempotentOnChatID(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMaterializer(t)

	n := created("chat1", []string{"me", "bob"}, 100)
	require.NoError(t, m.Apply(ctx, n))
	require.NoError(t, m.Apply(ctx, n))

	chats, err := s.Chats(ctx)
	require.NoError(t, err)
	assert.Len(t, chats, 1)
	parts, err := s.ParticipantsForChat(ctx, "chat1")
	require.NoError(t, err)
	assert.Len(t, parts, 2)
}

func TestTwoPartyPairSuppression(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMaterializer(t)

	require.NoError(t, m.Apply(ctx, created("chatA", []string{"me", "bob"}, 100)))
	require.NoError(t, m.Apply(ctx, created("chatB", []string{"bob", "me"}, 200)))

	chats, err := s.Chats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "chatA", chats[0].ChatID)
}

func TestGroupChatsNotPairSuppressed(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMaterializer(t)

	require.NoError(t, m.Apply(ctx, created("g1", []string{"me", "bob", "carol"}, 100)))
	require.NoError(t, m.Apply(ctx, created("g2", []string{"me", "bob", "carol"}, 200)))

	chats, err := s.Chats(ctx)
	require.NoError(t, err)
	assert.Len(t, chats, 2)
}

func TestDeletedCascadesOnce(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMaterializer(t)

	require.NoError(t, m.Apply(ctx, created("chat1", []string{"me", "bob"}, 100)))
	require.NoError(t, s.InsertMessage(ctx, &store.Message{
		ClientID: "c1", ChatID: "chat1", SenderID: "bob", Content: "x", SentAtMS: 1, Status: store.StatusDelivered,
	}))

	del := &wire.ChatNotification{Action: wire.ChatDeleted, ChatID: "chat1", Timestamp: 300}
	require.NoError(t, m.Apply(ctx, del))
	require.NoError(t, m.Apply(ctx, del))

	chat, err := s.GetChat(ctx, "chat1")
	require.NoError(t, err)
	assert.Nil(t, chat)
	msgs, err := s.MessagesForChat(ctx, "chat1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	parts, err := s.ParticipantsForChat(ctx, "chat1")
	require.NoError(t, err)
	assert.Empty(t, parts)
}

func TestLeftRemovesOnlyThatMember(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMaterializer(t)

	require.NoError(t, m.Apply(ctx, created("g1", []string{"me", "bob", "carol"}, 100)))
	left := &wire.ChatNotification{Action: wire.ChatLeft, ChatID: "g1", UserID: "carol", Timestamp: 200}
	require.NoError(t, m.Apply(ctx, left))

	parts, err := s.ParticipantsForChat(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, parts, 2)
	chat, err := s.GetChat(ctx, "g1")
	require.NoError(t, err)
	assert.NotNil(t, chat)
}

func TestUpdatedAppliesOnlyPresentFields(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMaterializer(t)

	require.NoError(t, m.Apply(ctx, created("g1", []string{"me", "bob", "carol"}, 100)))

	name := "renamed"
	upd := &wire.ChatNotification{Action: wire.ChatUpdated, ChatID: "g1", Name: &name, Timestamp: 200}
	require.NoError(t, m.Apply(ctx, upd))

	chat, err := s.GetChat(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", chat.Name)
	assert.True(t, chat.IsGroup)
}

func TestDuplicateNotificationDropped(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMaterializer(t)

	n := created("chat1", []string{"me", "bob"}, 100)
	require.NoError(t, m.Apply(ctx, n))
	require.NoError(t, s.DeleteParticipant(ctx, "chat1", "bob"))

	// The exact same (chat, action, timestamp) tuple is a replay and
	// must not re-run the handler.
	require.NoError(t, m.Apply(ctx, n))
	parts, err := s.ParticipantsForChat(ctx, "chat1")
	require.NoError(t, err)
	assert.Len(t, parts, 1)

	// A later re-announcement with a new timestamp does re-apply.
	require.NoError(t, m.Apply(ctx, created("chat1", []string{"me", "bob"}, 500)))
	parts, err = s.ParticipantsForChat(ctx, "chat1")
	require.NoError(t, err)
	assert.Len(t, parts, 2)
}

func TestCreatedIgnoresForeignMemberSet(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMaterializer(t)

	require.NoError(t, m.Apply(ctx, created("other1", []string{"bob", "carol"}, 100)))

	chat, err := s.GetChat(ctx, "other1")
	require.NoError(t, err)
	assert.Nil(t, chat)
	parts, err := s.ParticipantsForChat(ctx, "other1")
	require.NoError(t, err)
	assert.Empty(t, parts)
}

func TestSnapshotApplyBypassesDuplicateFilter(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMaterializer(t)

	n := created("chat1", []string{"me", "bob"}, 100)
	require.NoError(t, m.Apply(ctx, n))

	// Same (chat, action, timestamp) tuple. Snapshots replay wholesale
	// every pass, so the changed name must still land.
	name := "renamed"
	n.Name = &name
	require.NoError(t, m.ApplySnapshot(ctx, n))

	chat, err := s.GetChat(ctx, "chat1")
	require.NoError(t, err)
	require.NotNil(t, chat)
	assert.Equal(t, "renamed", chat.Name)
}

func TestDedupSetEvictsOldestFirst(t *testing.T) {
	d := newDedupSet(2)

	k1 := dedupKey{chatID: "a", action: wire.ChatCreated, timestamp: 1}
	k2 := dedupKey{chatID: "b", action: wire.ChatCreated, timestamp: 2}
	k3 := dedupKey{chatID: "c", action: wire.ChatCreated, timestamp: 3}

	assert.False(t, d.observe(k1))
	assert.False(t, d.observe(k2))
	assert.True(t, d.observe(k2))

	// Capacity reached: inserting k3 evicts k1.
	assert.False(t, d.observe(k3))
	assert.False(t, d.observe(k1))
	assert.True(t, d.observe(k3))
}

func TestCreatedClearsLocalTombstone(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMaterializer(t)

	require.NoError(t, s.AddLocalDelete(ctx, "chat1"))
	require.NoError(t, m.Apply(ctx, created("chat1", []string{"me", "bob"}, 100)))

	deleted, err := s.IsLocallyDeleted(ctx, "chat1")
	require.NoError(t, err)
	assert.False(t, deleted)
	chat, err := s.GetChat(ctx, "chat1")
	require.NoError(t, err)
	assert.NotNil(t, chat)
}
