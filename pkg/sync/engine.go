// Package sync is the reconciliation core: it merges the push stream,
// the periodic delta pull and local user actions into one consistent
// local cache, preserving identity uniqueness and monotonic status
// under replay, duplication and out-of-order delivery.
package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/terracrypt/chatsync/pkg/crypto"
	"github.com/terracrypt/chatsync/pkg/store"
	"github.com/terracrypt/chatsync/pkg/wire"
)

// Transport is the push-stream surface the engine depends on.
type Transport interface {
	Send(ctx context.Context, payload any) error
	Connected() bool
}

// keyedMutex serializes mutations per chat so concurrent push, pull and
// local writers cannot interleave within one chat's records. Entries
// are reference counted and dropped once idle, so the map tracks chats
// with activity in flight rather than every chat ever touched.
type keyedMutex struct {
	mu    gosync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   gosync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Config carries the engine's injected dependencies.
type Config struct {
	Store     *store.Store
	Transport Transport
	Cipher    crypto.Cipher
	SelfID    string
	Log       zerolog.Logger
	Clock     func() time.Time
}

// Engine owns all writes to the local cache. Both delivery channels and
// all local actions funnel through it.
type Engine struct {
	store     *store.Store
	transport Transport
	cipher    crypto.Cipher
	selfID    string
	log       zerolog.Logger
	clock     func() time.Time

	linker       *Linker
	reconciler   *Reconciler
	materializer *Materializer
	unread       *UnreadCounter

	chatLocks *keyedMutex

	// onConnectionStatus surfaces transport state to the interactive
	// layer. Optional.
	onConnectionStatus func(status string)
}

// New constructs an engine from its dependencies.
func New(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	log := cfg.Log.With().Str("component", "engine").Logger()
	return &Engine{
		store:        cfg.Store,
		transport:    cfg.Transport,
		cipher:       cfg.Cipher,
		selfID:       cfg.SelfID,
		log:          log,
		clock:        clock,
		linker:       newLinker(cfg.Store, cfg.Log),
		reconciler:   newReconciler(cfg.Store, cfg.Log),
		materializer: newMaterializer(cfg.Store, cfg.SelfID, cfg.Log),
		unread:       newUnreadCounter(cfg.Store, cfg.SelfID, cfg.Log),
		chatLocks:    newKeyedMutex(),
	}
}

// OnConnectionStatus registers a callback for transport state changes
// surfaced through the stream.
func (e *Engine) OnConnectionStatus(fn func(status string)) {
	e.onConnectionStatus = fn
}

// inboundMessage is the channel-independent shape of a delivered
// message: both the push stream and delta sync reduce to this before
// entering Ingest.
type inboundMessage struct {
	ServerID string
	ChatID   string
	SenderID string
	Content  string // ciphertext
	SentAtMS int64
	Status   store.Status
	ReplyTo  string
}

// ingestMessage is the single idempotent ingestion boundary for
// delivered messages. Applying the same message any number of times
// leaves exactly one stored record.
func (e *Engine) ingestMessage(ctx context.Context, in *inboundMessage) error {
	if in.ServerID == "" || in.ChatID == "" || in.SenderID == "" {
		return ErrMalformedEvent
	}
	unlock := e.chatLocks.lock(in.ChatID)
	defer unlock()

	// A chat deleted on this device stays deleted; late deliveries for
	// it must not resurrect it.
	deleted, err := e.store.IsLocallyDeleted(ctx, in.ChatID)
	if err != nil {
		return err
	}
	if deleted {
		e.log.Debug().Str("chat_id", in.ChatID).Msg("Dropping message for locally deleted chat")
		return nil
	}

	existing, err := e.store.GetMessageByServerID(ctx, in.ServerID)
	if err != nil {
		return err
	}
	if existing != nil {
		if err := e.reconciler.ApplyStatus(ctx, in.ServerID, in.Status); err != nil {
			return err
		}
		e.recountAfterRead(ctx, in.ServerID, in.Status)
		return nil
	}

	// The sender may be this user on another session, or this session's
	// own send echoed back without its client id. Try to link before
	// creating a record.
	if in.SenderID == e.selfID {
		result, err := e.linker.Link(ctx, "", in.ServerID, in.ChatID, in.SenderID, in.SentAtMS)
		if err != nil {
			return err
		}
		if result == LinkedExact || result == LinkedFallback || result == AlreadyLinked {
			return e.reconciler.ApplyStatus(ctx, in.ServerID, in.Status)
		}
	}

	plaintext, err := e.cipher.Decrypt(in.Content)
	if err != nil {
		e.log.Warn().Err(err).Str("server_id", in.ServerID).Msg("Undecryptable content, dropping message")
		return ErrMalformedEvent
	}

	status := in.Status
	if !status.Valid() || status.Rank() < 0 {
		status = store.StatusDelivered
	}
	msg := &store.Message{
		// No client ever generated a client id for this record, so the
		// server id doubles as the local identity.
		ClientID: in.ServerID,
		ServerID: in.ServerID,
		ChatID:   in.ChatID,
		SenderID: in.SenderID,
		Content:  plaintext,
		SentAtMS: in.SentAtMS,
		Status:   status,
		ReplyTo:  in.ReplyTo,
	}
	if err := e.store.InsertMessage(ctx, msg); err != nil {
		return err
	}
	if err := e.store.UpdateChatLastMessage(ctx, in.ChatID, plaintext, in.SentAtMS); err != nil {
		e.log.Warn().Err(err).Str("chat_id", in.ChatID).Msg("Last-message update failed")
	}
	if in.SenderID != e.selfID {
		if _, err := e.unread.Recount(ctx, in.ChatID); err != nil {
			e.log.Warn().Err(err).Str("chat_id", in.ChatID).Msg("Unread recount failed")
		}
	}
	return nil
}

// recountAfterRead refreshes the cached unread count when a status
// transition marks an inbound message read. Own sends never affect the
// count, so those skip the extra query.
func (e *Engine) recountAfterRead(ctx context.Context, id string, status store.Status) {
	if status != store.StatusRead {
		return
	}
	msg, err := e.store.GetMessageByEitherID(ctx, id)
	if err != nil || msg == nil || msg.SenderID == e.selfID {
		return
	}
	if _, err := e.unread.Recount(ctx, msg.ChatID); err != nil {
		e.log.Warn().Err(err).Str("chat_id", msg.ChatID).Msg("Unread recount failed")
	}
}

// MarkChatRead marks every inbound message in the chat read, zeroes the
// unread cache and notifies the server with a bulk read receipt. The
// receipt is best-effort; a down stream does not fail the local mark.
func (e *Engine) MarkChatRead(ctx context.Context, chatID string) error {
	unlock := e.chatLocks.lock(chatID)
	defer unlock()

	msgs, err := e.store.MessagesForChat(ctx, chatID)
	if err != nil {
		return err
	}
	var serverIDs []string
	for _, msg := range msgs {
		if msg.SenderID != e.selfID && msg.Status != store.StatusRead && msg.ServerID != "" {
			serverIDs = append(serverIDs, msg.ServerID)
		}
	}
	if err := e.unread.MarkChatRead(ctx, chatID); err != nil {
		return err
	}
	if len(serverIDs) == 0 {
		return nil
	}
	receipt := map[string]any{
		"type": wire.EventMessageStatus,
		"message": map[string]any{
			"status":      string(store.StatusRead),
			"message_ids": serverIDs,
			"chat_id":     chatID,
			"sender_id":   e.selfID,
		},
	}
	if err := e.transport.Send(ctx, receipt); err != nil {
		e.log.Warn().Err(err).Str("chat_id", chatID).Int("messages", len(serverIDs)).Msg("Read receipt not sent")
	}
	return nil
}

// DeleteChat removes the chat locally and tombstones it so delta sync
// does not bring it back.
func (e *Engine) DeleteChat(ctx context.Context, chatID string) error {
	unlock := e.chatLocks.lock(chatID)
	defer unlock()

	if err := e.store.AddLocalDelete(ctx, chatID); err != nil {
		return err
	}
	return e.store.DeleteChat(ctx, chatID)
}
