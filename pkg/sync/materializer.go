package sync

import (
	"context"
	"slices"
	gosync "sync"

	"github.com/rs/zerolog"

	"github.com/terracrypt/chatsync/pkg/store"
	"github.com/terracrypt/chatsync/pkg/wire"
)

// dedupCapacity bounds the recently-seen notification set. Long
// sessions evict oldest-first instead of growing without bound.
const dedupCapacity = 512

type dedupKey struct {
	chatID    string
	action    wire.ChatAction
	timestamp int64
}

// dedupSet is a bounded recently-seen set with FIFO eviction.
type dedupSet struct {
	mu       gosync.Mutex
	capacity int
	seen     map[dedupKey]struct{}
	order    []dedupKey
}

func newDedupSet(capacity int) *dedupSet {
	return &dedupSet{
		capacity: capacity,
		seen:     make(map[dedupKey]struct{}, capacity),
	}
}

// observe records the key and reports whether it was already present.
func (d *dedupSet) observe(key dedupKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return true
	}
	if len(d.order) >= d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	return false
}

// Materializer turns chat notifications into durable chat and
// participant records, suppressing duplicates.
type Materializer struct {
	store  *store.Store
	selfID string
	seen   *dedupSet
	log    zerolog.Logger
}

func newMaterializer(s *store.Store, selfID string, log zerolog.Logger) *Materializer {
	return &Materializer{
		store:  s,
		selfID: selfID,
		seen:   newDedupSet(dedupCapacity),
		log:    log.With().Str("component", "materializer").Logger(),
	}
}

// Apply processes one chat notification from the push stream. Duplicate
// deliveries and replays are no-ops.
func (m *Materializer) Apply(ctx context.Context, n *wire.ChatNotification) error {
	if n.ChatID == "" {
		return ErrMalformedEvent
	}
	if m.seen.observe(dedupKey{chatID: n.ChatID, action: n.Action, timestamp: n.Timestamp}) {
		m.log.Debug().Str("chat_id", n.ChatID).Str("action", string(n.Action)).Msg("Duplicate notification dropped")
		return nil
	}
	return m.dispatch(ctx, n)
}

// ApplySnapshot processes a pull-sourced chat record. Snapshots are
// replayed wholesale on every pass, so they skip the duplicate filter;
// that filter only guards push redelivery. The underlying writes are
// idempotent upserts.
func (m *Materializer) ApplySnapshot(ctx context.Context, n *wire.ChatNotification) error {
	if n.ChatID == "" {
		return ErrMalformedEvent
	}
	return m.dispatch(ctx, n)
}

func (m *Materializer) dispatch(ctx context.Context, n *wire.ChatNotification) error {
	switch n.Action {
	case wire.ChatCreated:
		return m.applyCreated(ctx, n)
	case wire.ChatDeleted:
		return m.applyDeleted(ctx, n)
	case wire.ChatLeft:
		return m.applyLeft(ctx, n)
	case wire.ChatUpdated:
		return m.applyUpdated(ctx, n)
	default:
		return ErrMalformedEvent
	}
}

func (m *Materializer) applyCreated(ctx context.Context, n *wire.ChatNotification) error {
	// Creation only applies to chats the local user belongs to; a member
	// set that excludes them is someone else's chat.
	if len(n.Members) > 0 && !slices.Contains(n.Members, m.selfID) {
		m.log.Debug().Str("chat_id", n.ChatID).Msg("Ignoring chat created without the local user")
		return nil
	}

	isGroup := len(n.Members) > 2
	if n.IsGroup != nil {
		isGroup = *n.IsGroup
	}

	// A second chat for the same two-person pair collapses into the
	// earlier one: first writer wins.
	if !isGroup {
		if other := m.otherMember(n.Members); other != "" {
			existingID, err := m.store.TwoPartyChatByMembers(ctx, m.selfID, other)
			if err != nil {
				return err
			}
			if existingID != "" && existingID != n.ChatID {
				m.log.Info().
					Str("chat_id", n.ChatID).
					Str("existing_chat_id", existingID).
					Msg("Suppressed duplicate two-party chat")
				return nil
			}
		}
	}

	// An explicit create for a chat the user deleted locally means the
	// chat exists anew; the tombstone no longer applies.
	deleted, err := m.store.IsLocallyDeleted(ctx, n.ChatID)
	if err != nil {
		return err
	}
	if deleted {
		if err := m.store.RemoveLocalDelete(ctx, n.ChatID); err != nil {
			return err
		}
	}

	name := ""
	if n.Name != nil {
		name = *n.Name
	}
	chat := &store.Chat{
		ChatID:      n.ChatID,
		Name:        name,
		IsGroup:     isGroup,
		CreatorID:   n.CreatorID,
		CreatedAtMS: n.Timestamp,
	}
	if err := m.store.UpsertChat(ctx, chat); err != nil {
		return err
	}
	for _, member := range n.Members {
		role := "member"
		if member == n.CreatorID {
			role = "owner"
		}
		p := &store.Participant{ChatID: n.ChatID, UserID: member, Role: role}
		if err := m.store.UpsertParticipant(ctx, p); err != nil {
			return err
		}
	}
	m.log.Info().Str("chat_id", n.ChatID).Int("members", len(n.Members)).Msg("Chat materialized")
	return nil
}

func (m *Materializer) applyDeleted(ctx context.Context, n *wire.ChatNotification) error {
	chat, err := m.store.GetChat(ctx, n.ChatID)
	if err != nil {
		return err
	}
	if chat == nil {
		return nil
	}
	if err := m.store.DeleteChat(ctx, n.ChatID); err != nil {
		return err
	}
	m.log.Info().Str("chat_id", n.ChatID).Msg("Chat removed with messages and participants")
	return nil
}

func (m *Materializer) applyLeft(ctx context.Context, n *wire.ChatNotification) error {
	userID := n.UserID
	if userID == "" && len(n.Members) == 1 {
		userID = n.Members[0]
	}
	if userID == "" {
		return ErrMalformedEvent
	}
	return m.store.DeleteParticipant(ctx, n.ChatID, userID)
}

func (m *Materializer) applyUpdated(ctx context.Context, n *wire.ChatNotification) error {
	chat, err := m.store.GetChat(ctx, n.ChatID)
	if err != nil {
		return err
	}
	if chat == nil {
		return nil
	}
	return m.store.UpdateChatFields(ctx, n.ChatID, n.Name, n.IsGroup)
}

// otherMember returns the non-self member of a two-person member set,
// or "" when the set does not look like a pair involving self.
func (m *Materializer) otherMember(members []string) string {
	if len(members) != 2 {
		return ""
	}
	switch m.selfID {
	case members[0]:
		return members[1]
	case members[1]:
		return members[0]
	}
	return ""
}
