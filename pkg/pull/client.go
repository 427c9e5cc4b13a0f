// Package pull is the HTTP side of the remote service: the periodic
// delta endpoint that heals gaps left by missed push delivery, plus the
// REST operations for chats, members and friends.
package pull

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const requestTimeout = 30 * time.Second

// DeltaChat is a chat record in a delta snapshot.
type DeltaChat struct {
	ChatID    string   `json:"chat_id"`
	Name      string   `json:"name"`
	IsGroup   bool     `json:"is_group"`
	CreatorID string   `json:"creator_id"`
	CreatedAt int64    `json:"created_at"`
	Members   []string `json:"members"`
}

// DeltaMessage is a message record in a delta snapshot. Content is
// ciphertext.
type DeltaMessage struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	SentAt    int64  `json:"sent_at"`
	Status    string `json:"status"`
	ReplyTo   string `json:"reply_to_message_id,omitempty"`
}

// DeltaParticipant is a membership record in a delta snapshot.
type DeltaParticipant struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Delta is the response of one delta-sync pull: everything that changed
// since the cursor, plus the next cursor to persist after a clean pass.
type Delta struct {
	Chats        []DeltaChat        `json:"chats"`
	Messages     []DeltaMessage     `json:"messages"`
	Participants []DeltaParticipant `json:"participants"`
	Friends      []Friend           `json:"friends"`
	Cursor       int64              `json:"cursor"`
}

// Friend is a friend record from the REST API.
type Friend struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

// Client talks to the remote REST API. The access token is fixed at
// construction; build a new client after re-login.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// New creates a client for the API rooted at baseURL (no trailing
// slash).
func New(baseURL, token string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
		log:     log.With().Str("component", "pull").Logger(),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// GetDelta fetches everything that changed since the cursor.
func (c *Client) GetDelta(ctx context.Context, since int64) (*Delta, error) {
	var delta Delta
	path := "/api/v1/sync/delta?since=" + strconv.FormatInt(since, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &delta); err != nil {
		return nil, err
	}
	return &delta, nil
}

// CreateChat creates a chat with the given members and returns its id.
func (c *Client) CreateChat(ctx context.Context, name string, isGroup bool, members []string) (string, error) {
	var resp struct {
		ChatID string `json:"chat_id"`
	}
	body := map[string]any{"name": name, "is_group": isGroup, "members": members}
	if err := c.do(ctx, http.MethodPost, "/api/v1/chats", body, &resp); err != nil {
		return "", err
	}
	return resp.ChatID, nil
}

// LeaveChat removes the current user from the chat.
func (c *Client) LeaveChat(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/chats/"+url.PathEscape(chatID)+"/leave", nil, nil)
}

// AddMember adds a user to the chat.
func (c *Client) AddMember(ctx context.Context, chatID, userID string) error {
	body := map[string]string{"user_id": userID}
	return c.do(ctx, http.MethodPost, "/api/v1/chats/"+url.PathEscape(chatID)+"/members", body, nil)
}

// RemoveMember removes a user from the chat.
func (c *Client) RemoveMember(ctx context.Context, chatID, userID string) error {
	path := "/api/v1/chats/" + url.PathEscape(chatID) + "/members/" + url.PathEscape(userID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Friends lists the current user's friends.
func (c *Client) Friends(ctx context.Context) ([]Friend, error) {
	var friends []Friend
	if err := c.do(ctx, http.MethodGet, "/api/v1/friends", nil, &friends); err != nil {
		return nil, err
	}
	return friends, nil
}

// FriendRequests lists pending incoming friend requests.
func (c *Client) FriendRequests(ctx context.Context) ([]Friend, error) {
	var reqs []Friend
	if err := c.do(ctx, http.MethodGet, "/api/v1/friends/requests", nil, &reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

// SendFriendRequest requests friendship with the given user.
func (c *Client) SendFriendRequest(ctx context.Context, userID string) error {
	body := map[string]string{"user_id": userID}
	return c.do(ctx, http.MethodPost, "/api/v1/friends/request", body, nil)
}

// AcceptFriendRequest accepts a pending request from the given user.
func (c *Client) AcceptFriendRequest(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/friends/requests/"+url.PathEscape(userID)+"/accept", nil, nil)
}

// DeclineFriendRequest declines a pending request from the given user.
func (c *Client) DeclineFriendRequest(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/friends/requests/"+url.PathEscape(userID)+"/decline", nil, nil)
}
