// Package signaling is the node's connection to the signaling server: a
// reconnecting WebSocket client carrying join/offer/answer/ice envelopes,
// with per-message-type subscriptions for the peer manager and catalog
// engine to hang handlers off of.
//
// Every envelope on the wire is a flat JSON object discriminated by its
// `type` field; outgoing messages address a peer with `to`, incoming ones
// carry the sender in `from`. The client also dispatches three synthetic
// local envelopes that never touch the wire: `reconnecting{attempt}` before
// each reconnect attempt, `reconnected` after a successful one, and
// `disconnected` once the backoff schedule is exhausted.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kholbekj/scrap-yard/internal/yardlog"
)

const (
	baseBackoff = 1 * time.Second
	maxBackoff  = 30 * time.Second
	maxAttempts = 10
)

// Handler receives one raw envelope of the type it subscribed to. The
// envelope's `type` field is still present; handlers unmarshal the fields
// they care about and ignore the rest.
type Handler func(msg json.RawMessage)

// State is the client's connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateGivenUp
)

// Client is a reconnecting WebSocket connection to the signaling server.
type Client struct {
	url    string
	peerID string

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	subMu   sync.Mutex
	nextSub int
	subs    map[string][]subscription

	writeMu sync.Mutex

	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type subscription struct {
	id int
	fn Handler
}

// New creates a signaling client for rawURL, which must already carry any
// auth token as a query parameter or path segment the server expects.
// peerID is this node's identifier, sent in the `join` envelope on every
// successful (re)connect.
func New(rawURL, peerID string) (*Client, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("signaling: invalid url: %w", err)
	}
	return &Client{
		url:    rawURL,
		peerID: peerID,
		subs:   make(map[string][]subscription),
		log:    yardlog.Component("signaling"),
	}, nil
}

// Connect dials the signaling server and starts the reconnect-on-drop read
// loop in the background. It returns once the first connection attempt
// succeeds, or with the dial error if it does not.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	if err := c.dial(); err != nil {
		return fmt.Errorf("signaling: initial connect: %w", err)
	}

	go c.readLoop()
	return nil
}

func (c *Client) dial() error {
	c.setState(StateConnecting)

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.setState(StateConnected)

	if err := c.Send("join", map[string]string{"peerId": c.peerID}); err != nil {
		c.log.Warn().Err(err).Msg("send join after connect")
	}
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State reports the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send writes one envelope to the server: payload's fields flattened into a
// JSON object with msgType as its `type` discriminator.
func (c *Client) Send(msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signaling: marshal %s payload: %w", msgType, err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("signaling: %s payload must be a JSON object: %w", msgType, err)
	}
	fields["type"] = msgType
	msg, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("signaling: marshal %s envelope: %w", msgType, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("signaling: not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// On subscribes fn to every envelope received with the given type. It
// returns a token usable with Off.
func (c *Client) On(msgType string, fn Handler) int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.subs[msgType] = append(c.subs[msgType], subscription{id: id, fn: fn})
	return id
}

// Off removes a previously registered subscription.
func (c *Client) Off(msgType string, id int) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	subs := c.subs[msgType]
	for i, s := range subs {
		if s.id == id {
			c.subs[msgType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (c *Client) dispatch(msgType string, msg json.RawMessage) {
	c.subMu.Lock()
	handlers := append([]subscription(nil), c.subs[msgType]...)
	c.subMu.Unlock()

	for _, s := range handlers {
		s.fn(msg)
	}
}

// emitLocal dispatches a client-status envelope to subscribers without it
// ever crossing the wire.
func (c *Client) emitLocal(msgType string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["type"] = msgType
	raw, err := json.Marshal(fields)
	if err != nil {
		return
	}
	c.dispatch(msgType, raw)
}

// readLoop owns the connection for its lifetime: it reads until the socket
// errors, then reconnects with exponential backoff (base 1s, capped at 30s,
// up to 10 attempts) before giving up and leaving the client in StateGivenUp.
func (c *Client) readLoop() {
	defer close(c.done)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var tagged struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(raw, &tagged); err != nil || tagged.Type == "" {
				c.log.Warn().Msg("malformed signaling envelope, dropping")
				continue
			}
			c.dispatch(tagged.Type, raw)
		}

		c.mu.Lock()
		if conn != nil {
			conn.Close()
		}
		c.conn = nil
		c.mu.Unlock()
		c.setState(StateDisconnected)

		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.log.Warn().Msg("signaling connection lost, reconnecting")
		if !c.reconnect() {
			c.log.Error().Msg("signaling reconnect attempts exhausted, giving up")
			c.setState(StateGivenUp)
			c.emitLocal("disconnected", nil)
			return
		}
		c.emitLocal("reconnected", nil)
	}
}

// reconnect retries the dial with exponential backoff, returning false once
// maxAttempts is exhausted without success.
func (c *Client) reconnect() bool {
	backoff := baseBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c.emitLocal("reconnecting", map[string]any{"attempt": attempt})

		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(backoff):
		}

		if err := c.dial(); err == nil {
			return true
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return false
}

// Close stops the reconnect loop and closes the underlying connection.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if c.done != nil {
		<-c.done
	}
	return nil
}
