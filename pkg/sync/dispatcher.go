package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/terracrypt/chatsync/pkg/store"
	"github.com/terracrypt/chatsync/pkg/wire"
)

// HandleRaw classifies one raw frame from the push stream and routes it
// into the engine. Malformed frames are dropped individually; nothing
// here is fatal and the returned error is only for observability.
func (e *Engine) HandleRaw(ctx context.Context, data []byte) error {
	env, err := wire.ParseEnvelope(data)
	if err != nil {
		e.log.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping malformed envelope")
		return ErrMalformedEvent
	}

	switch env.Type {
	case wire.EventChat:
		return e.handleChat(ctx, env)
	case wire.EventMessageStatus:
		return e.handleStatus(ctx, env)
	case wire.EventChatNotification:
		return e.handleChatNotification(ctx, env)
	case wire.EventRequestNotification:
		return e.handleRequestNotification(ctx, env)
	case wire.EventConnectionStatus:
		return e.handleConnectionStatus(env)
	case wire.EventError, wire.EventInfo:
		var payload wire.ErrorPayload
		_ = json.Unmarshal(env.Message, &payload)
		if env.Type == wire.EventError {
			e.log.Warn().Str("code", payload.Code).Str("message", payload.Message).Msg("Server error frame")
		} else {
			e.log.Debug().Str("message", payload.Message).Msg("Server info frame")
		}
		return nil
	default:
		return ErrMalformedEvent
	}
}

func (e *Engine) handleChat(ctx context.Context, env *wire.Envelope) error {
	var msg wire.ChatMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		e.log.Warn().Err(err).Msg("Dropping malformed chat payload")
		return ErrMalformedEvent
	}
	sentAtMS, err := msg.SentAtMS()
	if err != nil {
		e.log.Warn().Err(err).Str("message_id", msg.MessageID).Msg("Dropping chat payload with bad timestamp")
		return ErrMalformedEvent
	}
	return e.ingestMessage(ctx, &inboundMessage{
		ServerID: msg.MessageID,
		ChatID:   msg.ChatID,
		SenderID: msg.SenderID,
		Content:  msg.Content,
		SentAtMS: sentAtMS,
		Status:   store.StatusDelivered,
		ReplyTo:  msg.ReplyTo,
	})
}

func (e *Engine) handleStatus(ctx context.Context, env *wire.Envelope) error {
	var payload wire.StatusPayload
	if err := json.Unmarshal(env.Message, &payload); err != nil {
		e.log.Warn().Err(err).Msg("Dropping malformed status payload")
		return ErrMalformedEvent
	}

	if payload.ChatID != "" {
		unlock := e.chatLocks.lock(payload.ChatID)
		defer unlock()
	}

	// Bulk read receipt.
	if len(payload.MessageIDs) > 0 {
		applied, err := e.reconciler.ApplyBulkRead(ctx, payload.MessageIDs)
		if err != nil {
			return err
		}
		e.log.Debug().Int("requested", len(payload.MessageIDs)).Int("applied", applied).Msg("Bulk read applied")
		if payload.ChatID != "" {
			if _, err := e.unread.Recount(ctx, payload.ChatID); err != nil {
				e.log.Warn().Err(err).Str("chat_id", payload.ChatID).Msg("Unread recount failed")
			}
		}
		return nil
	}

	status := store.Status(payload.Status)
	hintMS := statusTimestampMS(payload.Timestamp, e.clock)

	// A status referencing both ids is the server acknowledging a local
	// send: link first, then advance.
	if payload.MessageID != "" {
		clientID := payload.ClientMessageID
		if clientID == "" {
			clientID = env.ClientMessageID
		}
		if _, err := e.linker.Link(ctx, clientID, payload.MessageID, payload.ChatID, payload.SenderID, hintMS); err != nil {
			return err
		}
		if err := e.reconciler.ApplyStatus(ctx, payload.MessageID, status); err != nil {
			return err
		}
		e.recountAfterRead(ctx, payload.MessageID, status)
		return nil
	}
	if payload.ClientMessageID != "" {
		if err := e.reconciler.ApplyStatus(ctx, payload.ClientMessageID, status); err != nil {
			return err
		}
		e.recountAfterRead(ctx, payload.ClientMessageID, status)
		return nil
	}
	e.log.Debug().Str("status", payload.Status).Msg("Status payload without any id, skipping")
	return nil
}

func (e *Engine) handleChatNotification(ctx context.Context, env *wire.Envelope) error {
	var n wire.ChatNotification
	if err := json.Unmarshal(env.Message, &n); err != nil {
		e.log.Warn().Err(err).Msg("Dropping malformed chat notification")
		return ErrMalformedEvent
	}
	unlock := e.chatLocks.lock(n.ChatID)
	defer unlock()
	return e.materializer.Apply(ctx, &n)
}

func (e *Engine) handleRequestNotification(ctx context.Context, env *wire.Envelope) error {
	var n wire.RequestNotification
	if err := json.Unmarshal(env.Message, &n); err != nil {
		e.log.Warn().Err(err).Msg("Dropping malformed request notification")
		return ErrMalformedEvent
	}
	switch n.Action {
	case "received", "accepted":
		status := "pending"
		if n.Action == "accepted" {
			status = "accepted"
		}
		return e.store.UpsertFriend(ctx, &store.Friend{UserID: n.UserID, Username: n.Username, Status: status})
	case "declined", "removed":
		return e.store.DeleteFriend(ctx, n.UserID)
	default:
		e.log.Debug().Str("action", n.Action).Msg("Unknown request notification action")
		return nil
	}
}

func (e *Engine) handleConnectionStatus(env *wire.Envelope) error {
	var payload wire.ConnectionStatus
	if err := json.Unmarshal(env.Message, &payload); err != nil {
		return ErrMalformedEvent
	}
	e.log.Debug().Str("status", payload.Status).Msg("Connection status frame")
	if e.onConnectionStatus != nil {
		e.onConnectionStatus(payload.Status)
	}
	return nil
}

// statusTimestampMS parses the RFC3339 timestamp carried by status
// payloads; a missing or unparseable value falls back to now so the
// proximity window still has an anchor.
func statusTimestampMS(ts string, clock func() time.Time) int64 {
	if ts == "" {
		return clock().UnixMilli()
	}
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return clock().UnixMilli()
	}
	return parsed.UnixMilli()
}
