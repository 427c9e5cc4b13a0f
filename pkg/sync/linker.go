package sync

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/terracrypt/chatsync/pkg/store"
)

// fallbackWindowMS bounds how far an unlinked message's sent_at may sit
// from the linking event's hint timestamp and still be matched.
const fallbackWindowMS = 3000

// LinkResult describes what a Link call did.
type LinkResult int

const (
	// LinkedExact means the client id resolved directly.
	LinkedExact LinkResult = iota
	// LinkedFallback means an unlinked message was matched by chat,
	// sender and time proximity.
	LinkedFallback
	// AlreadyLinked means the pair was established earlier.
	AlreadyLinked
	// NoMatch means nothing qualified. The event is dropped rather than
	// fabricating a message.
	NoMatch
)

// Linker establishes the client_id/server_id bijection for messages.
type Linker struct {
	store *store.Store
	log   zerolog.Logger
}

func newLinker(s *store.Store, log zerolog.Logger) *Linker {
	return &Linker{store: s, log: log.With().Str("component", "linker").Logger()}
}

// Link attaches serverID to the message identified by clientID, falling
// back to time-window matching within the chat when clientID is absent
// or unknown. hintMS is the linking event's timestamp. Re-linking an
// established pair is a no-op.
func (l *Linker) Link(ctx context.Context, clientID, serverID, chatID, senderID string, hintMS int64) (LinkResult, error) {
	if serverID == "" {
		return NoMatch, ErrMalformedEvent
	}

	// The pair may already exist from an earlier delivery of this event.
	if existing, err := l.store.GetMessageByServerID(ctx, serverID); err != nil {
		return NoMatch, err
	} else if existing != nil {
		return AlreadyLinked, nil
	}

	if clientID != "" {
		msg, err := l.store.GetMessageByClientID(ctx, clientID)
		if err != nil {
			return NoMatch, err
		}
		if msg != nil {
			if msg.Linked() {
				if msg.ServerID == serverID {
					return AlreadyLinked, nil
				}
				// Last link wins was already decided when msg.ServerID
				// was written; a conflicting re-link is dropped.
				l.log.Warn().
					Str("client_id", clientID).
					Str("server_id", serverID).
					Str("existing_server_id", msg.ServerID).
					Msg("Conflicting link ignored")
				return NoMatch, nil
			}
			if err := l.store.LinkServerID(ctx, clientID, serverID); err != nil {
				return NoMatch, err
			}
			return LinkedExact, nil
		}
	}

	return l.linkByProximity(ctx, serverID, chatID, senderID, hintMS)
}

// linkByProximity scans the chat's unlinked messages from senderID for
// the earliest one within the time window of hintMS.
func (l *Linker) linkByProximity(ctx context.Context, serverID, chatID, senderID string, hintMS int64) (LinkResult, error) {
	if chatID == "" || senderID == "" {
		return NoMatch, nil
	}
	candidates, err := l.store.UnlinkedMessagesFrom(ctx, chatID, senderID)
	if err != nil {
		return NoMatch, err
	}
	for _, msg := range candidates {
		delta := hintMS - msg.SentAtMS
		if delta < 0 {
			delta = -delta
		}
		if delta <= fallbackWindowMS {
			if err := l.store.LinkServerID(ctx, msg.ClientID, serverID); err != nil {
				return NoMatch, err
			}
			l.log.Debug().
				Str("client_id", msg.ClientID).
				Str("server_id", serverID).
				Int64("delta_ms", delta).
				Msg("Linked by proximity")
			return LinkedFallback, nil
		}
	}
	l.log.Debug().
		Str("server_id", serverID).
		Str("chat_id", chatID).
		Msg("Unresolved link")
	return NoMatch, nil
}
