// Package wire defines the JSON envelope and payload types exchanged with
// the remote service over the push stream.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates inbound envelopes.
type EventType string

const (
	EventChat                EventType = "chat"
	EventMessageStatus       EventType = "message-status"
	EventConnectionStatus    EventType = "connection-status"
	EventRequestNotification EventType = "request-notification"
	EventChatNotification    EventType = "chat-notification"
	EventError               EventType = "error"
	EventInfo                EventType = "info"
)

// Envelope is the outer frame of every inbound event. The message body
// stays raw until the dispatcher knows which payload type to decode.
type Envelope struct {
	Type            EventType       `json:"type"`
	Message         json.RawMessage `json:"message,omitempty"`
	ClientMessageID string          `json:"client_message_id,omitempty"`
}

// ParseEnvelope decodes the outer frame of a raw event. An unknown or
// empty type is an error so the caller can drop the event and move on.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	switch env.Type {
	case EventChat, EventMessageStatus, EventConnectionStatus,
		EventRequestNotification, EventChatNotification, EventError, EventInfo:
		return &env, nil
	case "":
		return nil, fmt.Errorf("envelope missing type")
	default:
		return nil, fmt.Errorf("unknown envelope type %q", env.Type)
	}
}

// ChatMessage is the body of an inbound "chat" envelope. Content is
// ciphertext until the engine decrypts it.
type ChatMessage struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	SentAt    string `json:"sent_at"`
	ReplyTo   string `json:"reply_to_message_id,omitempty"`
}

// SentAtMS parses the RFC3339 sent_at timestamp into unix milliseconds.
func (m *ChatMessage) SentAtMS() (int64, error) {
	ts, err := time.Parse(time.RFC3339, m.SentAt)
	if err != nil {
		return 0, fmt.Errorf("bad sent_at %q: %w", m.SentAt, err)
	}
	return ts.UnixMilli(), nil
}

// StatusPayload is the body of a "message-status" envelope. Exactly one
// of MessageID / ClientMessageID / MessageIDs identifies the target.
type StatusPayload struct {
	MessageID       string   `json:"message_id,omitempty"`
	ClientMessageID string   `json:"client_message_id,omitempty"`
	Status          string   `json:"status"`
	MessageIDs      []string `json:"message_ids,omitempty"`
	ChatID          string   `json:"chat_id"`
	SenderID        string   `json:"sender_id"`
	Timestamp       string   `json:"timestamp,omitempty"`
}

// ChatAction discriminates chat-notification payloads.
type ChatAction string

const (
	ChatCreated ChatAction = "created"
	ChatDeleted ChatAction = "deleted"
	ChatLeft    ChatAction = "left"
	ChatUpdated ChatAction = "updated"
)

// ChatNotification is the body of a "chat-notification" envelope.
type ChatNotification struct {
	Action    ChatAction `json:"action"`
	ChatID    string     `json:"chat_id"`
	Members   []string   `json:"members"`
	Name      *string    `json:"name,omitempty"`
	IsGroup   *bool      `json:"is_group,omitempty"`
	CreatorID string     `json:"creator_id,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// RequestNotification is the body of a "request-notification" envelope,
// carrying friend request activity.
type RequestNotification struct {
	Action   string `json:"action"`
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// ConnectionStatus is the body of a "connection-status" envelope.
type ConnectionStatus struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload is the body of an "error" or "info" envelope.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// OutboundMessage is the body of an outbound "chat" frame.
type OutboundMessage struct {
	ChatID   string `json:"chat_id"`
	Content  string `json:"content"`
	SenderID string `json:"sender_id"`
}

// OutboundChat is the full outbound frame for a user send. Content must
// already be ciphertext.
type OutboundChat struct {
	Type            EventType       `json:"type"`
	Message         OutboundMessage `json:"message"`
	ClientMessageID string          `json:"client_message_id"`
}

// NewOutboundChat builds the outbound frame for one send.
func NewOutboundChat(chatID, ciphertext, senderID, clientID string) *OutboundChat {
	return &OutboundChat{
		Type:            EventChat,
		Message:         OutboundMessage{ChatID: chatID, Content: ciphertext, SenderID: senderID},
		ClientMessageID: clientID,
	}
}
