// Package transport maintains the persistent push stream to the remote
// service. Consumers see four operations: Connect, Send, OnMessage and
// OnStatusChange; reconnect and heartbeat mechanics stay internal.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

const (
	heartbeatInterval = 30 * time.Second
	quietBeforePing   = 10 * time.Second
	deadAfter         = 120 * time.Second

	reconnectMin = 2 * time.Second
	reconnectMax = 5 * time.Minute

	// jitterDivisor controls the random jitter added to reconnect
	// backoff: uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	readLimit       = 4 * 1024 * 1024
	inboundChanSize = 64
)

// ErrNotConnected is returned by Send when the stream is down. The
// caller decides whether that makes the operation fail or queue.
var ErrNotConnected = errors.New("transport: not connected")

// Status describes the stream's connection state.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
)

// MessageHandler receives each raw inbound frame.
type MessageHandler func(data []byte)

// StatusHandler receives connection state transitions.
type StatusHandler func(status Status)

// wsConn abstracts the WebSocket connection so the client can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// dialFunc abstracts websocket.Dial for tests.
type dialFunc func(ctx context.Context, url string, token string) (wsConn, error)

type inboundMsg struct {
	data []byte
	err  error
}

// Client is the push-stream connection. A reader goroutine feeds
// inboundCh with raw frames; the run loop dispatches them, sends
// heartbeat pings during quiet windows, and reconnects with capped
// exponential backoff when the connection drops.
type Client struct {
	url  string
	log  zerolog.Logger
	dial dialFunc

	onMessage MessageHandler
	onStatus  StatusHandler

	conn    wsConn
	writeMu sync.Mutex

	inboundCh chan inboundMsg

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	connected   bool
	connectedMu sync.RWMutex

	connCancel context.CancelFunc
}

// New creates a client for the given stream URL. Handlers must be
// registered before Connect.
func New(url string, log zerolog.Logger) *Client {
	return &Client{
		url:  url,
		log:  log.With().Str("component", "transport").Logger(),
		dial: dialWebSocket,
	}
}

func dialWebSocket(ctx context.Context, url, token string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + token},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}
	return conn, nil
}

// OnMessage registers the handler for inbound frames.
func (c *Client) OnMessage(handler MessageHandler) {
	c.onMessage = handler
}

// OnStatusChange registers the handler for connection transitions.
func (c *Client) OnStatusChange(handler StatusHandler) {
	c.onStatus = handler
}

// Connected reports whether the stream is currently live.
func (c *Client) Connected() bool {
	c.connectedMu.RLock()
	defer c.connectedMu.RUnlock()
	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.connectedMu.Lock()
	changed := c.connected != v
	c.connected = v
	c.connectedMu.Unlock()
	if changed && c.onStatus != nil {
		if v {
			c.onStatus(StatusConnected)
		} else {
			c.onStatus(StatusDisconnected)
		}
	}
}

func (c *Client) touchLastMessage() {
	c.lastMsgMu.Lock()
	c.lastMessage = time.Now()
	c.lastMsgMu.Unlock()
}

func (c *Client) sinceLastMessage() time.Duration {
	c.lastMsgMu.Lock()
	defer c.lastMsgMu.Unlock()
	return time.Since(c.lastMessage)
}

// Connect dials the stream and runs it until ctx is cancelled,
// reconnecting on drops. It blocks; run it in its own goroutine.
func (c *Client) Connect(ctx context.Context, token string) error {
	conn, err := c.dial(ctx, c.url, token)
	if err != nil {
		return err
	}
	c.attach(ctx, conn)
	c.log.Info().Str("url", c.url).Msg("Connected to push stream")

	backoff := reconnectMin
	for {
		err := c.runLoop(ctx)
		c.setConnected(false)
		c.cancelConn()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.log.Warn().Err(err).Dur("backoff", backoff).Msg("Connection lost, reconnecting")
		if c.onStatus != nil {
			c.onStatus(StatusReconnecting)
		}

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // math/rand is fine for reconnect jitter
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		conn, err := c.dial(ctx, c.url, token)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn().Err(err).Msg("Reconnect failed")
			backoff = min(backoff*2, reconnectMax)
			continue
		}
		c.attach(ctx, conn)
		backoff = reconnectMin
		c.log.Info().Msg("Reconnected to push stream")
	}
}

// attach installs a fresh connection and starts its reader goroutine.
func (c *Client) attach(ctx context.Context, conn wsConn) {
	conn.SetReadLimit(readLimit)
	connCtx, cancel := context.WithCancel(ctx)

	c.writeMu.Lock()
	c.conn = conn
	c.connCancel = cancel
	c.writeMu.Unlock()

	ch := make(chan inboundMsg, inboundChanSize)
	c.inboundCh = ch
	c.touchLastMessage()
	c.setConnected(true)

	// The goroutine captures conn and ch by value so a stale reader from
	// a previous connection cannot feed the new channel.
	go func() {
		for {
			_, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// runLoop dispatches inbound frames and keeps the heartbeat alive for
// one connection. Returns when the connection dies or ctx is cancelled.
func (c *Client) runLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}
			c.touchLastMessage()
			if c.onMessage != nil {
				c.onMessage(msg.data)
			}

		case <-ticker.C:
			elapsed := c.sinceLastMessage()
			if elapsed > deadAfter {
				c.closeConn(websocket.StatusGoingAway, "timeout")
				return errors.New("heartbeat timeout")
			}
			if elapsed > quietBeforePing {
				if err := c.writeRaw(ctx, []byte(`{"type":"ping"}`)); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			c.closeConn(websocket.StatusNormalClosure, "shutting down")
			return ctx.Err()
		}
	}
}

// Send marshals payload as JSON and writes it as one text frame.
func (c *Client) Send(ctx context.Context, payload any) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	return c.writeRaw(ctx, data)
}

func (c *Client) writeRaw(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) closeConn(code websocket.StatusCode, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(code, reason)
	}
}

// cancelConn stops the current reader goroutine. connCancel shares
// writeMu with conn since both are replaced together in attach.
func (c *Client) cancelConn() {
	c.writeMu.Lock()
	cancel := c.connCancel
	c.writeMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close tears the connection down without waiting for ctx cancellation.
func (c *Client) Close() {
	c.cancelConn()
	c.closeConn(websocket.StatusNormalClosure, "closed")
	c.setConnected(false)
}
