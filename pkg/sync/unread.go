package sync

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/terracrypt/chatsync/pkg/store"
)

// UnreadCounter maintains the cached per-chat unread projection. The
// cache is always re-derivable from the message table; Recount is the
// authority and the other methods keep the cache in step.
type UnreadCounter struct {
	store  *store.Store
	selfID string
	log    zerolog.Logger
}

func newUnreadCounter(s *store.Store, selfID string, log zerolog.Logger) *UnreadCounter {
	return &UnreadCounter{
		store:  s,
		selfID: selfID,
		log:    log.With().Str("component", "unread").Logger(),
	}
}

// Recount derives the chat's unread count from stored messages and
// writes it to the cache. Returns the derived count.
func (u *UnreadCounter) Recount(ctx context.Context, chatID string) (int, error) {
	count, err := u.store.CountUnread(ctx, chatID, u.selfID)
	if err != nil {
		return 0, err
	}
	if err := u.store.SetChatUnread(ctx, chatID, count); err != nil {
		return count, err
	}
	return count, nil
}

// MarkChatRead marks every inbound message in the chat read and zeroes
// the cache. Repeating it is a no-op.
func (u *UnreadCounter) MarkChatRead(ctx context.Context, chatID string) error {
	return u.store.MarkChatRead(ctx, chatID, u.selfID)
}
