package sync

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terracrypt/chatsync/pkg/store"
)

func newTestReconciler(t *testing.T) (*Reconciler, *store.Store) {
	t.Helper()
	s, err := store.New(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return newReconciler(s, zerolog.Nop()), s
}

func TestApplyStatusMonotonic(t *testing.T) {
	tests := []struct {
		name     string
		sequence []store.Status
		want     store.Status
	}{
		{"forward", []store.Status{store.StatusSent, store.StatusDelivered, store.StatusRead}, store.StatusRead},
		{"reversed", []store.Status{store.StatusRead, store.StatusDelivered, store.StatusSent}, store.StatusRead},
		{"interleaved", []store.Status{store.StatusDelivered, store.StatusSent, store.StatusRead, store.StatusDelivered}, store.StatusRead},
		{"repeat", []store.Status{store.StatusDelivered, store.StatusDelivered}, store.StatusDelivered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			r, s := newTestReconciler(t)
			require.NoError(t, s.InsertMessage(ctx, &store.Message{
				ClientID: "c1", ServerID: "srv1", ChatID: "chat1", SenderID: "me",
				Content: "x", SentAtMS: 1, Status: store.StatusPending,
			}))
			for _, status := range tt.sequence {
				require.NoError(t, r.ApplyStatus(ctx, "srv1", status))
			}
			msg, err := s.GetMessageByClientID(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.Status)
		})
	}
}

func TestApplyStatusByEitherID(t *testing.T) {
	ctx := context.Background()
	r, s := newTestReconciler(t)
	require.NoError(t, s.InsertMessage(ctx, &store.Message{
		ClientID: "c1", ServerID: "srv1", ChatID: "chat1", SenderID: "me",
		Content: "x", SentAtMS: 1, Status: store.StatusPending,
	}))

	require.NoError(t, r.ApplyStatus(ctx, "c1", store.StatusSent))
	require.NoError(t, r.ApplyStatus(ctx, "srv1", store.StatusDelivered))

	msg, err := s.GetMessageByClientID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDelivered, msg.Status)
}

func TestApplyStatusUnknownIDIsNoop(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestReconciler(t)
	assert.NoError(t, r.ApplyStatus(ctx, "ghost", store.StatusRead))
}

func TestRemoteFailedNeverApplied(t *testing.T) {
	ctx := context.Background()
	r, s := newTestReconciler(t)
	require.NoError(t, s.InsertMessage(ctx, &store.Message{
		ClientID: "c1", ServerID: "srv1", ChatID: "chat1", SenderID: "me",
		Content: "x", SentAtMS: 1, Status: store.StatusSent,
	}))

	require.NoError(t, r.ApplyStatus(ctx, "srv1", store.StatusFailed))
	msg, err := s.GetMessageByClientID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, msg.Status)
}

func TestMarkFailedOnlyFromPendingOrSent(t *testing.T) {
	ctx := context.Background()
	r, s := newTestReconciler(t)

	require.NoError(t, s.InsertMessage(ctx, &store.Message{
		ClientID: "p", ChatID: "chat1", SenderID: "me", Content: "x", SentAtMS: 1, Status: store.StatusPending,
	}))
	require.NoError(t, s.InsertMessage(ctx, &store.Message{
		ClientID: "d", ServerID: "srvD", ChatID: "chat1", SenderID: "me", Content: "x", SentAtMS: 2, Status: store.StatusDelivered,
	}))

	require.NoError(t, r.MarkFailed(ctx, "p"))
	require.NoError(t, r.MarkFailed(ctx, "d"))
	require.NoError(t, r.MarkFailed(ctx, "ghost"))

	pending, err := s.GetMessageByClientID(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, pending.Status)
	delivered, err := s.GetMessageByClientID(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDelivered, delivered.Status)
}

func TestApplyBulkReadSkipsMissing(t *testing.T) {
	ctx := context.Background()
	r, s := newTestReconciler(t)

	for _, id := range []string{"a", "c"} {
		require.NoError(t, s.InsertMessage(ctx, &store.Message{
			ClientID: id, ServerID: id, ChatID: "chat1", SenderID: "bob",
			Content: "x", SentAtMS: 1, Status: store.StatusDelivered,
		}))
	}

	applied, err := r.ApplyBulkRead(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	for _, id := range []string{"a", "c"} {
		msg, err := s.GetMessageByServerID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusRead, msg.Status)
	}

	// Repeating applies nothing further.
	applied, err = r.ApplyBulkRead(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
}
