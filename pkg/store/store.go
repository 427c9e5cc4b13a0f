package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = sql.ErrNoRows

// Store is the single owner of the local cache database. All engine
// components mutate state through it; nothing else writes.
type Store struct {
	db  *dbutil.Database
	log zerolog.Logger
}

// New opens (or creates) the SQLite database at path and ensures the
// schema. Use ":memory:" for tests.
func New(path string, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewWithDialect(path, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{db: db, log: log.With().Str("component", "store").Logger()}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS message (
			client_id  TEXT NOT NULL PRIMARY KEY,
			server_id  TEXT UNIQUE,
			chat_id    TEXT NOT NULL,
			sender_id  TEXT NOT NULL,
			content    TEXT NOT NULL,
			sent_at_ms BIGINT NOT NULL,
			status     TEXT NOT NULL,
			reply_to   TEXT,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat (
			chat_id         TEXT NOT NULL PRIMARY KEY,
			name            TEXT NOT NULL DEFAULT '',
			is_group        BOOLEAN NOT NULL DEFAULT FALSE,
			creator_id      TEXT NOT NULL DEFAULT '',
			created_at_ms   BIGINT NOT NULL DEFAULT 0,
			unread_count    INTEGER NOT NULL DEFAULT 0,
			last_message    TEXT NOT NULL DEFAULT '',
			last_message_ms BIGINT NOT NULL DEFAULT 0,
			updated_ts      BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS participant (
			chat_id    TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			role       TEXT NOT NULL DEFAULT 'member',
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (chat_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS friend (
			user_id    TEXT NOT NULL PRIMARY KEY,
			username   TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT '',
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			key        TEXT NOT NULL PRIMARY KEY,
			value      TEXT,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS local_delete (
			chat_id    TEXT NOT NULL PRIMARY KEY,
			deleted_ts BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS message_chat_ts_idx
			ON message (chat_id, sent_at_ms)`,
		`CREATE INDEX IF NOT EXISTS message_unlinked_idx
			ON message (chat_id, sender_id) WHERE server_id IS NULL`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// ============================================================================
// Messages
// ============================================================================

const messageColumns = `client_id, server_id, chat_id, sender_id, content, sent_at_ms, status, reply_to`

func scanMessage(row dbutil.Scannable) (*Message, error) {
	var msg Message
	var serverID, replyTo sql.NullString
	err := row.Scan(&msg.ClientID, &serverID, &msg.ChatID, &msg.SenderID, &msg.Content, &msg.SentAtMS, &msg.Status, &replyTo)
	if err != nil {
		return nil, err
	}
	msg.ServerID = serverID.String
	msg.ReplyTo = replyTo.String
	return &msg, nil
}

// InsertMessage stores a new message. Fails if the client_id already
// exists; idempotent paths must check for the existing row first.
func (s *Store) InsertMessage(ctx context.Context, msg *Message) error {
	ts := nowMS()
	_, err := s.db.Exec(ctx, `
		INSERT INTO message (client_id, server_id, chat_id, sender_id, content, sent_at_ms, status, reply_to, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, msg.ClientID, nullable(msg.ServerID), msg.ChatID, msg.SenderID, msg.Content, msg.SentAtMS, msg.Status, nullable(msg.ReplyTo), ts, ts)
	return err
}

// GetMessageByClientID returns the message with the given client id, or
// (nil, nil) if none exists.
func (s *Store) GetMessageByClientID(ctx context.Context, clientID string) (*Message, error) {
	msg, err := scanMessage(s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM message WHERE client_id=$1`, clientID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return msg, err
}

// GetMessageByServerID returns the message with the given server id, or
// (nil, nil) if none exists.
func (s *Store) GetMessageByServerID(ctx context.Context, serverID string) (*Message, error) {
	msg, err := scanMessage(s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM message WHERE server_id=$1`, serverID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return msg, err
}

// GetMessageByEitherID resolves an id that may be a client id or a server
// id to the single stored record carrying it.
func (s *Store) GetMessageByEitherID(ctx context.Context, id string) (*Message, error) {
	msg, err := scanMessage(s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM message WHERE client_id=$1 OR server_id=$1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return msg, err
}

// LinkServerID attaches a server id to the message with the given client
// id. The server id column is UNIQUE, so a conflicting second link fails
// at the database layer rather than silently forking the identity.
func (s *Store) LinkServerID(ctx context.Context, clientID, serverID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE message SET server_id=$1, updated_ts=$2 WHERE client_id=$3 AND server_id IS NULL`,
		serverID, nowMS(), clientID)
	return err
}

// SetStatus updates the status of the message with the given client id.
func (s *Store) SetStatus(ctx context.Context, clientID string, status Status) error {
	_, err := s.db.Exec(ctx,
		`UPDATE message SET status=$1, updated_ts=$2 WHERE client_id=$3`,
		status, nowMS(), clientID)
	return err
}

// UnlinkedMessagesFrom returns the chat's messages from the given sender
// that have no server id yet, oldest first. Used by the linker's fallback
// matching pass.
func (s *Store) UnlinkedMessagesFrom(ctx context.Context, chatID, senderID string) ([]*Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE chat_id=$1 AND sender_id=$2 AND server_id IS NULL
		ORDER BY sent_at_ms ASC
	`, chatID, senderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// MessagesForChat returns all messages in a chat, oldest first.
func (s *Store) MessagesForChat(ctx context.Context, chatID string) ([]*Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE chat_id=$1 ORDER BY sent_at_ms ASC
	`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// MessagesBefore returns up to limit messages in a chat older than the
// given timestamp, newest first. Used by the interactive surface to page
// backwards through history.
func (s *Store) MessagesBefore(ctx context.Context, chatID string, beforeMS int64, limit int) ([]*Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE chat_id=$1 AND sent_at_ms < $2
		ORDER BY sent_at_ms DESC LIMIT $3
	`, chatID, beforeMS, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// MarkReadByServerID marks a single message read by server id. Returns
// the number of rows affected (0 when the id has no local match).
func (s *Store) MarkReadByServerID(ctx context.Context, serverID string) (int64, error) {
	res, err := s.db.Exec(ctx,
		`UPDATE message SET status=$1, updated_ts=$2 WHERE server_id=$3 AND status != $1`,
		StatusRead, nowMS(), serverID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkChatRead marks every message in the chat not sent by self as read
// and resets the cached unread count. Repeating it is a no-op.
func (s *Store) MarkChatRead(ctx context.Context, chatID, selfID string) error {
	ts := nowMS()
	if _, err := s.db.Exec(ctx,
		`UPDATE message SET status=$1, updated_ts=$2 WHERE chat_id=$3 AND sender_id != $4 AND status != $1`,
		StatusRead, ts, chatID, selfID); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx,
		`UPDATE chat SET unread_count=0, updated_ts=$1 WHERE chat_id=$2`, ts, chatID)
	return err
}

// CountUnread derives the chat's unread count from the message table:
// messages not sent by self whose status is not read.
func (s *Store) CountUnread(ctx context.Context, chatID, selfID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM message WHERE chat_id=$1 AND sender_id != $2 AND status != $3`,
		chatID, selfID, StatusRead).Scan(&count)
	return count, err
}

// DeleteMessage removes a single message by client id.
func (s *Store) DeleteMessage(ctx context.Context, clientID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM message WHERE client_id=$1`, clientID)
	return err
}

// ============================================================================
// Chats
// ============================================================================

// UpsertChat inserts or updates a chat record. The cached unread count is
// preserved on update; it belongs to the unread counter, not to chat
// metadata ingestion.
func (s *Store) UpsertChat(ctx context.Context, chat *Chat) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO chat (chat_id, name, is_group, creator_id, created_at_ms, unread_count, last_message, last_message_ms, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (chat_id) DO UPDATE SET
			name=excluded.name,
			is_group=excluded.is_group,
			creator_id=excluded.creator_id,
			updated_ts=excluded.updated_ts
	`, chat.ChatID, chat.Name, chat.IsGroup, chat.CreatorID, chat.CreatedAtMS,
		chat.UnreadCount, chat.LastMessage, chat.LastMessageMS, nowMS())
	return err
}

// GetChat returns the chat with the given id, or (nil, nil) if unknown.
func (s *Store) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	var chat Chat
	err := s.db.QueryRow(ctx, `
		SELECT chat_id, name, is_group, creator_id, created_at_ms, unread_count, last_message, last_message_ms
		FROM chat WHERE chat_id=$1
	`, chatID).Scan(&chat.ChatID, &chat.Name, &chat.IsGroup, &chat.CreatorID,
		&chat.CreatedAtMS, &chat.UnreadCount, &chat.LastMessage, &chat.LastMessageMS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// Chats returns all chats, most recently active first.
func (s *Store) Chats(ctx context.Context) ([]*Chat, error) {
	rows, err := s.db.Query(ctx, `
		SELECT chat_id, name, is_group, creator_id, created_at_ms, unread_count, last_message, last_message_ms
		FROM chat ORDER BY last_message_ms DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chats []*Chat
	for rows.Next() {
		var chat Chat
		if err := rows.Scan(&chat.ChatID, &chat.Name, &chat.IsGroup, &chat.CreatorID,
			&chat.CreatedAtMS, &chat.UnreadCount, &chat.LastMessage, &chat.LastMessageMS); err != nil {
			return nil, err
		}
		chats = append(chats, &chat)
	}
	return chats, rows.Err()
}

// UpdateChatFields applies only the non-nil fields to an existing chat.
// Used by the materializer's "updated" handling.
func (s *Store) UpdateChatFields(ctx context.Context, chatID string, name *string, isGroup *bool) error {
	if name != nil {
		if _, err := s.db.Exec(ctx,
			`UPDATE chat SET name=$1, updated_ts=$2 WHERE chat_id=$3`,
			*name, nowMS(), chatID); err != nil {
			return err
		}
	}
	if isGroup != nil {
		if _, err := s.db.Exec(ctx,
			`UPDATE chat SET is_group=$1, updated_ts=$2 WHERE chat_id=$3`,
			*isGroup, nowMS(), chatID); err != nil {
			return err
		}
	}
	return nil
}

// SetChatUnread writes the cached unread projection.
func (s *Store) SetChatUnread(ctx context.Context, chatID string, count int) error {
	_, err := s.db.Exec(ctx,
		`UPDATE chat SET unread_count=$1, updated_ts=$2 WHERE chat_id=$3`,
		count, nowMS(), chatID)
	return err
}

// UpdateChatLastMessage refreshes the chat's last-message summary if the
// given timestamp is not older than the stored one.
func (s *Store) UpdateChatLastMessage(ctx context.Context, chatID, content string, tsMS int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE chat SET last_message=$1, last_message_ms=$2, updated_ts=$3
		WHERE chat_id=$4 AND last_message_ms <= $2
	`, content, tsMS, nowMS(), chatID)
	return err
}

// DeleteChat removes the chat and cascades to its messages and
// participants in one transaction.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	tx, err := s.db.RawDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	for _, query := range []string{
		`DELETE FROM message WHERE chat_id=?`,
		`DELETE FROM participant WHERE chat_id=?`,
		`DELETE FROM chat WHERE chat_id=?`,
	} {
		if _, err := tx.ExecContext(ctx, query, chatID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// TwoPartyChatByMembers returns the id of an existing non-group chat
// whose member pair is exactly {a, b}, or "" if none exists. Used for
// duplicate-chat suppression.
func (s *Store) TwoPartyChatByMembers(ctx context.Context, a, b string) (string, error) {
	var chatID string
	err := s.db.QueryRow(ctx, `
		SELECT c.chat_id FROM chat c
		WHERE c.is_group = FALSE
		  AND (SELECT COUNT(*) FROM participant p WHERE p.chat_id = c.chat_id) = 2
		  AND EXISTS (SELECT 1 FROM participant p WHERE p.chat_id = c.chat_id AND p.user_id = $1)
		  AND EXISTS (SELECT 1 FROM participant p WHERE p.chat_id = c.chat_id AND p.user_id = $2)
		ORDER BY c.created_at_ms ASC LIMIT 1
	`, a, b).Scan(&chatID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return chatID, err
}

// ============================================================================
// Participants
// ============================================================================

// UpsertParticipant inserts or updates a membership record.
func (s *Store) UpsertParticipant(ctx context.Context, p *Participant) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO participant (chat_id, user_id, role, updated_ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chat_id, user_id) DO UPDATE SET
			role=excluded.role,
			updated_ts=excluded.updated_ts
	`, p.ChatID, p.UserID, p.Role, nowMS())
	return err
}

// ParticipantsForChat returns the chat's membership records.
func (s *Store) ParticipantsForChat(ctx context.Context, chatID string) ([]*Participant, error) {
	rows, err := s.db.Query(ctx,
		`SELECT chat_id, user_id, role FROM participant WHERE chat_id=$1 ORDER BY user_id`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var parts []*Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ChatID, &p.UserID, &p.Role); err != nil {
			return nil, err
		}
		parts = append(parts, &p)
	}
	return parts, rows.Err()
}

// DeleteParticipant removes a single membership record.
func (s *Store) DeleteParticipant(ctx context.Context, chatID, userID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM participant WHERE chat_id=$1 AND user_id=$2`, chatID, userID)
	return err
}

// ============================================================================
// Friends
// ============================================================================

// UpsertFriend inserts or updates a friend record.
func (s *Store) UpsertFriend(ctx context.Context, f *Friend) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO friend (user_id, username, status, updated_ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			username=excluded.username,
			status=excluded.status,
			updated_ts=excluded.updated_ts
	`, f.UserID, f.Username, f.Status, nowMS())
	return err
}

// Friends returns all friend records sorted by username.
func (s *Store) Friends(ctx context.Context) ([]*Friend, error) {
	rows, err := s.db.Query(ctx,
		`SELECT user_id, username, status FROM friend ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var friends []*Friend
	for rows.Next() {
		var f Friend
		if err := rows.Scan(&f.UserID, &f.Username, &f.Status); err != nil {
			return nil, err
		}
		friends = append(friends, &f)
	}
	return friends, rows.Err()
}

// DeleteFriend removes a friend record.
func (s *Store) DeleteFriend(ctx context.Context, userID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM friend WHERE user_id=$1`, userID)
	return err
}

// ============================================================================
// Sync state and tokens
// ============================================================================

const cursorKey = "delta_cursor"

// GetCursor returns the last successful delta-sync cursor (0 if never
// synced).
func (s *Store) GetCursor(ctx context.Context) (int64, error) {
	var value sql.NullInt64
	err := s.db.QueryRow(ctx,
		`SELECT CAST(value AS BIGINT) FROM sync_state WHERE key=$1`, cursorKey).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return value.Int64, nil
}

// SetCursor persists the delta-sync cursor.
func (s *Store) SetCursor(ctx context.Context, cursor int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sync_state (key, value, updated_ts) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value=excluded.value, updated_ts=excluded.updated_ts
	`, cursorKey, fmt.Sprintf("%d", cursor), nowMS())
	return err
}

// SaveToken stores an opaque credential under the given key.
func (s *Store) SaveToken(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sync_state (key, value, updated_ts) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value=excluded.value, updated_ts=excluded.updated_ts
	`, "token:"+key, value, nowMS())
	return err
}

// LoadToken returns the credential stored under key, or "" if absent.
func (s *Store) LoadToken(ctx context.Context, key string) (string, error) {
	var value sql.NullString
	err := s.db.QueryRow(ctx,
		`SELECT value FROM sync_state WHERE key=$1`, "token:"+key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value.String, err
}

// ClearToken removes the credential stored under key.
func (s *Store) ClearToken(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM sync_state WHERE key=$1`, "token:"+key)
	return err
}

// ============================================================================
// Local delete tombstones
// ============================================================================

// AddLocalDelete records that the chat was deleted on this device, so
// later delta snapshots do not resurrect it.
func (s *Store) AddLocalDelete(ctx context.Context, chatID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO local_delete (chat_id, deleted_ts) VALUES ($1, $2)
		ON CONFLICT (chat_id) DO UPDATE SET deleted_ts=excluded.deleted_ts
	`, chatID, nowMS())
	return err
}

// IsLocallyDeleted reports whether the chat has a local tombstone.
func (s *Store) IsLocallyDeleted(ctx context.Context, chatID string) (bool, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM local_delete WHERE chat_id=$1`, chatID).Scan(&count)
	return count > 0, err
}

// RemoveLocalDelete clears the chat's tombstone (e.g. when the user
// re-joins the chat).
func (s *Store) RemoveLocalDelete(ctx context.Context, chatID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM local_delete WHERE chat_id=$1`, chatID)
	return err
}

// CleanupLocalDeletes removes tombstones for chats the server no longer
// reports: once a chat is gone upstream there is nothing left to guard.
func (s *Store) CleanupLocalDeletes(ctx context.Context, serverChatIDs []string) error {
	live := make(map[string]bool, len(serverChatIDs))
	for _, id := range serverChatIDs {
		live[id] = true
	}
	rows, err := s.db.Query(ctx, `SELECT chat_id FROM local_delete`)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var chatID string
		if err := rows.Scan(&chatID); err != nil {
			rows.Close()
			return err
		}
		if !live[chatID] {
			stale = append(stale, chatID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, chatID := range stale {
		if _, err := s.db.Exec(ctx, `DELETE FROM local_delete WHERE chat_id=$1`, chatID); err != nil {
			return err
		}
	}
	if len(stale) > 0 {
		s.log.Debug().Int("count", len(stale)).Msg("Removed stale chat tombstones")
	}
	return nil
}
