package sync

import (
	"context"
	"encoding/json"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terracrypt/chatsync/pkg/store"
)

// plainCipher passes content through unchanged so tests can assert on
// stored plaintext directly.
type plainCipher struct{}

func (plainCipher) Encrypt(s string) (string, error) { return s, nil }
func (plainCipher) Decrypt(s string) (string, error) { return s, nil }

// fakeTransport records sent payloads and can be toggled offline.
type fakeTransport struct {
	sent    []any
	offline bool
}

func (f *fakeTransport) Send(ctx context.Context, payload any) error {
	if f.offline {
		return ErrTransient
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeTransport) Connected() bool { return !f.offline }

func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakeTransport) {
	t.Helper()
	s, err := store.New(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	tr := &fakeTransport{}
	e := New(Config{
		Store:     s,
		Transport: tr,
		Cipher:    plainCipher{},
		SelfID:    "me",
		Log:       zerolog.Nop(),
		Clock:     func() time.Time { return time.UnixMilli(1_000_000) },
	})
	return e, s, tr
}

func chatEvent(t *testing.T, serverID, chatID, senderID, content string, sentAt time.Time) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"type": "chat",
		"message": map[string]any{
			"message_id": serverID,
			"chat_id":    chatID,
			"sender_id":  senderID,
			"content":    content,
			"sent_at":    sentAt.Format(time.RFC3339),
		},
	})
	require.NoError(t, err)
	return data
}

func TestInboundChatIdempotent(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newTestEngine(t)

	event := chatEvent(t, "srv1", "chat1", "bob", "hello", time.UnixMilli(500_000))
	for i := 0; i < 5; i++ {
		require.NoError(t, e.HandleRaw(ctx, event))
	}

	msgs, err := s.MessagesForChat(ctx, "chat1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, store.StatusDelivered, msgs[0].Status)
}

func TestSendEndToEnd(t *testing.T) {
	ctx := context.Background()
	e, s, tr := newTestEngine(t)

	clientID, err := e.Send(ctx, "chat1", "hi", "")
	require.NoError(t, err)
	require.NotEmpty(t, clientID)
	require.Len(t, tr.sent, 1)

	// Transmission succeeded, so the optimistic pending record is sent.
	msg, err := s.GetMessageByClientID(ctx, clientID)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, store.StatusSent, msg.Status)

	// Server acknowledges with both ids, then reports delivery.
	ack, err := json.Marshal(map[string]any{
		"type": "message-status",
		"message": map[string]any{
			"message_id":        "srv7",
			"client_message_id": clientID,
			"status":            "sent",
			"chat_id":           "chat1",
			"sender_id":         "me",
		},
	})
	require.NoError(t, err)
	require.NoError(t, e.HandleRaw(ctx, ack))

	delivered, err := json.Marshal(map[string]any{
		"type": "message-status",
		"message": map[string]any{
			"message_id": "srv7",
			"status":     "delivered",
			"chat_id":    "chat1",
			"sender_id":  "me",
		},
	})
	require.NoError(t, err)
	require.NoError(t, e.HandleRaw(ctx, delivered))

	msgs, err := s.MessagesForChat(ctx, "chat1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, clientID, msgs[0].ClientID)
	assert.Equal(t, "srv7", msgs[0].ServerID)
	assert.Equal(t, store.StatusDelivered, msgs[0].Status)
}

func TestSendOfflineFailsAndResends(t *testing.T) {
	ctx := context.Background()
	e, s, tr := newTestEngine(t)
	tr.offline = true

	clientID, err := e.Send(ctx, "chat1", "hi", "")
	require.NoError(t, err)

	msg, err := s.GetMessageByClientID(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, msg.Status)

	// Resend reuses the same record.
	tr.offline = false
	require.NoError(t, e.Resend(ctx, clientID))

	msg, err = s.GetMessageByClientID(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, msg.Status)
	msgs, err := s.MessagesForChat(ctx, "chat1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestResendRequiresFailed(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	clientID, err := e.Send(ctx, "chat1", "hi", "")
	require.NoError(t, err)
	assert.Error(t, e.Resend(ctx, clientID))
	assert.ErrorIs(t, e.Resend(ctx, "ghost"), ErrNotFound)
}

func TestSendToDeletedChat(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	require.NoError(t, e.DeleteChat(ctx, "chat1"))
	_, err := e.Send(ctx, "chat1", "hi", "")
	assert.ErrorIs(t, err, ErrChatGone)
}

func TestUnreadAccounting(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newTestEngine(t)

	require.NoError(t, s.UpsertChat(ctx, &store.Chat{ChatID: "chatX"}))
	for i := 0; i < 5; i++ {
		event := chatEvent(t, "srv"+string(rune('0'+i)), "chatX", "bob", "m", time.UnixMilli(int64(1000*i)))
		require.NoError(t, e.HandleRaw(ctx, event))
	}

	chat, err := s.GetChat(ctx, "chatX")
	require.NoError(t, err)
	assert.Equal(t, 5, chat.UnreadCount)

	require.NoError(t, e.MarkChatRead(ctx, "chatX"))
	chat, err = s.GetChat(ctx, "chatX")
	require.NoError(t, err)
	assert.Equal(t, 0, chat.UnreadCount)

	// Marking twice stays at zero.
	require.NoError(t, e.MarkChatRead(ctx, "chatX"))
	chat, err = s.GetChat(ctx, "chatX")
	require.NoError(t, err)
	assert.Equal(t, 0, chat.UnreadCount)
}

func TestSingleReadStatusRecountsUnread(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newTestEngine(t)

	require.NoError(t, s.UpsertChat(ctx, &store.Chat{ChatID: "chat1"}))
	require.NoError(t, e.HandleRaw(ctx, chatEvent(t, "srv1", "chat1", "bob", "m", time.UnixMilli(1000))))

	chat, err := s.GetChat(ctx, "chat1")
	require.NoError(t, err)
	require.Equal(t, 1, chat.UnreadCount)

	// A read receipt for one message, not a bulk one.
	frame, err := json.Marshal(map[string]any{
		"type": "message-status",
		"message": map[string]any{
			"message_id": "srv1",
			"status":     "read",
			"chat_id":    "chat1",
			"sender_id":  "me",
		},
	})
	require.NoError(t, err)
	require.NoError(t, e.HandleRaw(ctx, frame))

	chat, err = s.GetChat(ctx, "chat1")
	require.NoError(t, err)
	assert.Equal(t, 0, chat.UnreadCount)
}

func TestKeyedMutexDropsIdleEntries(t *testing.T) {
	k := newKeyedMutex()

	unlock := k.lock("chat1")
	k.mu.Lock()
	assert.Len(t, k.locks, 1)
	k.mu.Unlock()
	unlock()

	const workers = 8
	counter := 0
	var wg gosync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			u := k.lock("chat1")
			counter++
			u()
		}()
	}
	wg.Wait()

	assert.Equal(t, workers, counter)
	k.mu.Lock()
	assert.Empty(t, k.locks)
	k.mu.Unlock()
}

func TestMarkChatReadSendsReceipt(t *testing.T) {
	ctx := context.Background()
	e, s, tr := newTestEngine(t)

	require.NoError(t, s.UpsertChat(ctx, &store.Chat{ChatID: "chat1"}))
	require.NoError(t, e.HandleRaw(ctx, chatEvent(t, "srv1", "chat1", "bob", "m", time.UnixMilli(1000))))

	require.NoError(t, e.MarkChatRead(ctx, "chat1"))
	require.Len(t, tr.sent, 1)
	data, err := json.Marshal(tr.sent[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "srv1")
	assert.Contains(t, string(data), "message-status")

	// Nothing unread means no receipt.
	tr.sent = nil
	require.NoError(t, e.MarkChatRead(ctx, "chat1"))
	assert.Empty(t, tr.sent)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newTestEngine(t)

	for _, raw := range []string{
		`{{{`,
		`{"type":"mystery"}`,
		`{"type":"chat","message":{"chat_id":"c1"}}`,
		`{"type":"chat","message":{"message_id":"srv1","chat_id":"c1","sender_id":"bob","content":"x","sent_at":"junk"}}`,
	} {
		err := e.HandleRaw(ctx, []byte(raw))
		assert.ErrorIs(t, err, ErrMalformedEvent, raw)
	}

	// A valid frame after the garbage still applies.
	require.NoError(t, e.HandleRaw(ctx, chatEvent(t, "srv1", "chat1", "bob", "ok", time.UnixMilli(1000))))
	msgs, err := s.MessagesForChat(ctx, "chat1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestBulkReadViaDispatcher(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newTestEngine(t)

	require.NoError(t, s.UpsertChat(ctx, &store.Chat{ChatID: "chat1"}))
	require.NoError(t, e.HandleRaw(ctx, chatEvent(t, "a", "chat1", "bob", "1", time.UnixMilli(1000))))
	require.NoError(t, e.HandleRaw(ctx, chatEvent(t, "c", "chat1", "bob", "2", time.UnixMilli(2000))))

	bulk, err := json.Marshal(map[string]any{
		"type": "message-status",
		"message": map[string]any{
			"status":      "read",
			"message_ids": []string{"a", "b", "c"},
			"chat_id":     "chat1",
			"sender_id":   "bob",
		},
	})
	require.NoError(t, err)
	require.NoError(t, e.HandleRaw(ctx, bulk))

	msgs, err := s.MessagesForChat(ctx, "chat1")
	require.NoError(t, err)
	for _, msg := range msgs {
		assert.Equal(t, store.StatusRead, msg.Status)
	}
	chat, err := s.GetChat(ctx, "chat1")
	require.NoError(t, err)
	assert.Equal(t, 0, chat.UnreadCount)
}

func TestConnectionStatusSurfaced(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	var got string
	e.OnConnectionStatus(func(status string) { got = status })

	frame := []byte(`{"type":"connection-status","message":{"status":"degraded"}}`)
	require.NoError(t, e.HandleRaw(ctx, frame))
	assert.Equal(t, "degraded", got)
}

func TestFriendRequestNotifications(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newTestEngine(t)

	frame := []byte(`{"type":"request-notification","message":{"action":"received","user_id":"u1","username":"amy"}}`)
	require.NoError(t, e.HandleRaw(ctx, frame))
	friends, err := s.Friends(ctx)
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, "pending", friends[0].Status)

	frame = []byte(`{"type":"request-notification","message":{"action":"accepted","user_id":"u1","username":"amy"}}`)
	require.NoError(t, e.HandleRaw(ctx, frame))
	friends, err = s.Friends(ctx)
	require.NoError(t, err)
	assert.Equal(t, "accepted", friends[0].Status)

	frame = []byte(`{"type":"request-notification","message":{"action":"removed","user_id":"u1"}}`)
	require.NoError(t, e.HandleRaw(ctx, frame))
	friends, err = s.Friends(ctx)
	require.NoError(t, err)
	assert.Empty(t, friends)
}

func TestDeletedChatDropsLateDelivery(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newTestEngine(t)

	require.NoError(t, s.UpsertChat(ctx, &store.Chat{ChatID: "chat1"}))
	require.NoError(t, e.DeleteChat(ctx, "chat1"))

	require.NoError(t, e.HandleRaw(ctx, chatEvent(t, "srv9", "chat1", "bob", "late", time.UnixMilli(1000))))
	msgs, err := s.MessagesForChat(ctx, "chat1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestOwnEchoLinksInsteadOfDuplicating(t *testing.T) {
	ctx := context.Background()
	e, s, tr := newTestEngine(t)

	clientID, err := e.Send(ctx, "chat1", "hi", "")
	require.NoError(t, err)
	require.Len(t, tr.sent, 1)

	// Another session's view of our send arrives as a plain chat event
	// without a client id, timed near the original send.
	echo := chatEvent(t, "srv1", "chat1", "me", "hi", time.UnixMilli(1_000_000+500))
	require.NoError(t, e.HandleRaw(ctx, echo))

	msgs, err := s.MessagesForChat(ctx, "chat1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, clientID, msgs[0].ClientID)
	assert.Equal(t, "srv1", msgs[0].ServerID)
}

func TestErrTaxonomyDistinct(t *testing.T) {
	for _, pair := range [][2]error{
		{ErrTransient, ErrMalformedEvent},
		{ErrNotFound, ErrDuplicate},
		{ErrChatGone, ErrNotFound},
	} {
		assert.False(t, errors.Is(pair[0], pair[1]))
	}
}
