package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/terracrypt/chatsync/pkg/store"
	"github.com/terracrypt/chatsync/pkg/wire"
)

// Send creates an optimistic local message and drives it through the
// transport. The message is visible as pending before any round trip;
// transmission failure leaves it failed, waiting for an explicit
// Resend. Returns the new client id.
func (e *Engine) Send(ctx context.Context, chatID, content, replyTo string) (string, error) {
	unlock := e.chatLocks.lock(chatID)

	deleted, err := e.store.IsLocallyDeleted(ctx, chatID)
	if err != nil {
		unlock()
		return "", err
	}
	if deleted {
		unlock()
		return "", ErrChatGone
	}

	clientID := uuid.NewString()
	msg := &store.Message{
		ClientID: clientID,
		ChatID:   chatID,
		SenderID: e.selfID,
		Content:  content,
		SentAtMS: e.clock().UnixMilli(),
		Status:   store.StatusPending,
		ReplyTo:  replyTo,
	}
	if err := e.store.InsertMessage(ctx, msg); err != nil {
		unlock()
		return "", fmt.Errorf("persisting outbound message: %w", err)
	}
	if err := e.store.UpdateChatLastMessage(ctx, chatID, content, msg.SentAtMS); err != nil {
		e.log.Warn().Err(err).Str("chat_id", chatID).Msg("Last-message update failed")
	}
	unlock()

	e.transmit(ctx, msg)
	return clientID, nil
}

// Resend retries a failed message, reusing its client id and content.
// Only failed messages qualify.
func (e *Engine) Resend(ctx context.Context, clientID string) error {
	msg, err := e.store.GetMessageByClientID(ctx, clientID)
	if err != nil {
		return err
	}
	if msg == nil {
		return ErrNotFound
	}
	if msg.Status != store.StatusFailed {
		return fmt.Errorf("message %s is %s, only failed messages can be resent", clientID, msg.Status)
	}
	if err := e.store.SetStatus(ctx, clientID, store.StatusPending); err != nil {
		return err
	}
	msg.Status = store.StatusPending
	e.transmit(ctx, msg)
	return nil
}

// transmit encrypts and sends one pending message, then records the
// outcome. A chat deleted while the send was in flight swallows the
// result instead of resurrecting state for a dead chat.
func (e *Engine) transmit(ctx context.Context, msg *store.Message) {
	ciphertext, err := e.cipher.Encrypt(msg.Content)
	if err != nil {
		e.log.Error().Err(err).Str("client_id", msg.ClientID).Msg("Encryption failed")
		e.recordSendOutcome(ctx, msg, false)
		return
	}
	frame := wire.NewOutboundChat(msg.ChatID, ciphertext, e.selfID, msg.ClientID)
	err = e.transport.Send(ctx, frame)
	if err != nil {
		if errors.Is(err, ErrTransient) {
			e.log.Warn().Str("client_id", msg.ClientID).Msg("Transport down, message marked failed")
		} else {
			e.log.Warn().Err(err).Str("client_id", msg.ClientID).Msg("Transmission failed")
		}
	}
	e.recordSendOutcome(ctx, msg, err == nil)
}

func (e *Engine) recordSendOutcome(ctx context.Context, msg *store.Message, sent bool) {
	unlock := e.chatLocks.lock(msg.ChatID)
	defer unlock()

	deleted, err := e.store.IsLocallyDeleted(ctx, msg.ChatID)
	if err != nil {
		e.log.Warn().Err(err).Str("chat_id", msg.ChatID).Msg("Liveness check failed")
		return
	}
	if deleted {
		e.log.Debug().Str("client_id", msg.ClientID).Msg("Chat deleted mid-send, dropping outcome")
		return
	}

	if sent {
		if err := e.reconciler.ApplyStatus(ctx, msg.ClientID, store.StatusSent); err != nil {
			e.log.Warn().Err(err).Str("client_id", msg.ClientID).Msg("Status update failed after send")
		}
		return
	}
	if err := e.reconciler.MarkFailed(ctx, msg.ClientID); err != nil {
		e.log.Warn().Err(err).Str("client_id", msg.ClientID).Msg("Failed-state update failed")
	}
}
