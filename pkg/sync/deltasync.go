package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/terracrypt/chatsync/pkg/pull"
	"github.com/terracrypt/chatsync/pkg/store"
	"github.com/terracrypt/chatsync/pkg/wire"
)

// DefaultSyncInterval is how often the coordinator pulls when the
// caller does not choose an interval.
const DefaultSyncInterval = 5 * time.Minute

// Puller is the delta endpoint the coordinator depends on.
type Puller interface {
	GetDelta(ctx context.Context, since int64) (*pull.Delta, error)
}

// syncCounters tracks one pass. Snapshot records flow through the same
// idempotent paths as push events, so skipped is the common case on a
// healthy stream.
type syncCounters struct {
	Imported int
	Updated  int
	Skipped  int
	Deleted  int
}

func (c *syncCounters) add(other syncCounters) {
	c.Imported += other.Imported
	c.Updated += other.Updated
	c.Skipped += other.Skipped
	c.Deleted += other.Deleted
}

// DeltaSyncer periodically pulls snapshots and replays them into the
// engine to heal gaps left by missed push delivery.
type DeltaSyncer struct {
	engine   *Engine
	puller   Puller
	interval time.Duration
	log      zerolog.Logger
}

// NewDeltaSyncer creates a coordinator. interval <= 0 selects the
// default.
func NewDeltaSyncer(e *Engine, p Puller, interval time.Duration, log zerolog.Logger) *DeltaSyncer {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &DeltaSyncer{
		engine:   e,
		puller:   p,
		interval: interval,
		log:      log.With().Str("component", "delta_sync").Logger(),
	}
}

// Run performs an immediate pass and then one per interval until ctx is
// cancelled. Pass failures are logged and retried on the next tick.
func (d *DeltaSyncer) Run(ctx context.Context) {
	if err := d.SyncOnce(ctx); err != nil {
		d.log.Warn().Err(err).Msg("Initial delta sync failed")
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.SyncOnce(ctx); err != nil {
				d.log.Warn().Err(err).Msg("Delta sync pass failed")
			}
		}
	}
}

// SyncOnce pulls everything since the stored cursor and applies it. The
// cursor only advances after a pass applies cleanly, so a failed pass
// is retried in full.
func (d *DeltaSyncer) SyncOnce(ctx context.Context) error {
	since, err := d.engine.store.GetCursor(ctx)
	if err != nil {
		return fmt.Errorf("loading sync cursor: %w", err)
	}
	delta, err := d.puller.GetDelta(ctx, since)
	if err != nil {
		return fmt.Errorf("pulling delta since %d: %w", since, err)
	}

	var counters syncCounters
	chatCounts, err := d.applyChats(ctx, delta.Chats)
	if err != nil {
		return err
	}
	counters.add(chatCounts)

	msgCounts, err := d.applyMessages(ctx, delta.Messages)
	if err != nil {
		return err
	}
	counters.add(msgCounts)

	for _, p := range delta.Participants {
		deleted, err := d.engine.store.IsLocallyDeleted(ctx, p.ChatID)
		if err != nil {
			return err
		}
		if deleted {
			counters.Skipped++
			continue
		}
		part := &store.Participant{ChatID: p.ChatID, UserID: p.UserID, Role: p.Role}
		if err := d.engine.store.UpsertParticipant(ctx, part); err != nil {
			return err
		}
	}

	for _, f := range delta.Friends {
		friend := &store.Friend{UserID: f.UserID, Username: f.Username, Status: f.Status}
		if err := d.engine.store.UpsertFriend(ctx, friend); err != nil {
			return err
		}
	}

	// An incremental delta omits everything unchanged, so absence from it
	// says nothing about upstream liveness. Only a full pull carries the
	// authoritative chat list that can retire tombstones.
	if since == 0 {
		serverChatIDs := make([]string, 0, len(delta.Chats))
		for _, c := range delta.Chats {
			serverChatIDs = append(serverChatIDs, c.ChatID)
		}
		if err := d.engine.store.CleanupLocalDeletes(ctx, serverChatIDs); err != nil {
			d.log.Warn().Err(err).Msg("Tombstone cleanup failed")
		}
	}

	if delta.Cursor > since {
		if err := d.engine.store.SetCursor(ctx, delta.Cursor); err != nil {
			return fmt.Errorf("persisting sync cursor: %w", err)
		}
	}

	d.log.Info().
		Int64("since", since).
		Int64("cursor", delta.Cursor).
		Int("imported", counters.Imported).
		Int("updated", counters.Updated).
		Int("skipped", counters.Skipped).
		Msg("Delta sync pass complete")
	return nil
}

// applyChats replays chat snapshot records through the materializer. A
// chat the user deleted locally is skipped so the pull cannot resurrect
// it.
func (d *DeltaSyncer) applyChats(ctx context.Context, chats []pull.DeltaChat) (syncCounters, error) {
	var counters syncCounters
	for _, c := range chats {
		deleted, err := d.engine.store.IsLocallyDeleted(ctx, c.ChatID)
		if err != nil {
			return counters, err
		}
		if deleted {
			counters.Skipped++
			continue
		}
		existing, err := d.engine.store.GetChat(ctx, c.ChatID)
		if err != nil {
			return counters, err
		}

		name := c.Name
		isGroup := c.IsGroup
		n := &wire.ChatNotification{
			Action:    wire.ChatCreated,
			ChatID:    c.ChatID,
			Members:   c.Members,
			Name:      &name,
			IsGroup:   &isGroup,
			CreatorID: c.CreatorID,
			Timestamp: c.CreatedAt,
		}
		unlock := d.engine.chatLocks.lock(c.ChatID)
		err = d.engine.materializer.ApplySnapshot(ctx, n)
		unlock()
		if err != nil {
			return counters, err
		}
		if existing == nil {
			counters.Imported++
		} else {
			counters.Updated++
		}
	}
	return counters, nil
}

// applyMessages replays message snapshot records through the same
// ingestion boundary push delivery uses.
func (d *DeltaSyncer) applyMessages(ctx context.Context, msgs []pull.DeltaMessage) (syncCounters, error) {
	var counters syncCounters
	for _, m := range msgs {
		existing, err := d.engine.store.GetMessageByServerID(ctx, m.MessageID)
		if err != nil {
			return counters, err
		}
		in := &inboundMessage{
			ServerID: m.MessageID,
			ChatID:   m.ChatID,
			SenderID: m.SenderID,
			Content:  m.Content,
			SentAtMS: m.SentAt,
			Status:   store.Status(m.Status),
			ReplyTo:  m.ReplyTo,
		}
		if err := d.engine.ingestMessage(ctx, in); err != nil {
			if err == ErrMalformedEvent {
				counters.Skipped++
				continue
			}
			return counters, err
		}
		if existing == nil {
			counters.Imported++
		} else {
			counters.Skipped++
		}
	}
	return counters, nil
}
