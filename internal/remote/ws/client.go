// Package ws implements the remote.Store contract over a WebSocket JSON
// envelope protocol: request/response pairs correlated by requestId plus
// server-pushed diff events for subscribed conversations.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/remote"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const callTimeout = 15 * time.Second

// Envelope is the wire format for every frame in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type subscribePayload struct {
	ConversationID string `json:"conversationId"`
}

// Config holds connection settings.
type Config struct {
	URL                string
	Token              string
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
}

// Client is a WebSocket remote.Store client with automatic reconnect.
// Subscriptions survive reconnects: the client re-issues subscribe commands
// after the transport comes back, and the remote store replays from its own
// ordering, so the per-conversation total order is preserved.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	pending map[string]chan Envelope
	subs    map[string]*wsSubscription
	reqSeq  int
	attempt int
}

// Dial connects to the remote store endpoint.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	cfg.defaults()
	c := &Client{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]chan Envelope),
		subs:    make(map[string]*wsSubscription),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	wsURL := strings.Replace(c.cfg.URL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	if c.cfg.Token != "" {
		wsURL += "?token=" + c.cfg.Token
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w: %v", remote.ErrUnavailable, err)
	}
	conn.SetReadLimit(1 << 20)

	c.mu.Lock()
	c.conn = conn
	c.attempt = 0
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Close tears the connection down and ends every subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	subs := make([]*wsSubscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.failPendingLocked("client closed")
	c.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	return nil
}

// WriteMessage implements remote.Store.
func (c *Client) WriteMessage(ctx context.Context, m remote.Message) (remote.Ack, error) {
	raw, err := c.call(ctx, "message.write", m)
	if err != nil {
		return remote.Ack{}, err
	}
	var ack remote.Ack
	if err := json.Unmarshal(raw, &ack); err != nil {
		return remote.Ack{}, fmt.Errorf("decode ack: %w", err)
	}
	return ack, nil
}

// CreateConversation implements remote.Store.
func (c *Client) CreateConversation(ctx context.Context, conv remote.Conversation) (remote.Conversation, error) {
	raw, err := c.call(ctx, "conversation.create", conv)
	if err != nil {
		return remote.Conversation{}, err
	}
	var out remote.Conversation
	if err := json.Unmarshal(raw, &out); err != nil {
		return remote.Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return out, nil
}

// QueryConversation implements remote.Store. A "not found" result maps to a
// nil conversation, not an error.
func (c *Client) QueryConversation(ctx context.Context, id string) (*remote.Conversation, error) {
	raw, err := c.call(ctx, "conversation.query", subscribePayload{ConversationID: id})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out remote.Conversation
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &out, nil
}

// PublishTyping implements remote.Store. Fire and forget: no response frame.
func (c *Client) PublishTyping(ctx context.Context, ev remote.TypingEvent) error {
	return c.send(ctx, Envelope{Type: "typing", Payload: mustMarshal(ev)})
}

// Subscribe implements remote.Store.
func (c *Client) Subscribe(ctx context.Context, conversationID string) (remote.Subscription, error) {
	c.mu.Lock()
	if existing, ok := c.subs[conversationID]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.mu.Unlock()

	if _, err := c.call(ctx, "subscribe", subscribePayload{ConversationID: conversationID}); err != nil {
		return nil, err
	}

	sub := &wsSubscription{
		client:         c,
		conversationID: conversationID,
		ch:             make(chan remote.Diff, 256),
	}
	c.mu.Lock()
	c.subs[conversationID] = sub
	c.mu.Unlock()
	return sub, nil
}

func (c *Client) call(ctx context.Context, kind string, payload any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w: client closed", kind, remote.ErrUnavailable)
	}
	c.reqSeq++
	reqID := fmt.Sprintf("r-%d", c.reqSeq)
	ch := make(chan Envelope, 1)
	c.pending[reqID] = ch
	c.mu.Unlock()

	env := Envelope{Type: kind, RequestID: reqID, Payload: mustMarshal(payload)}
	if err := c.send(ctx, env); err != nil {
		c.dropPending(reqID)
		return nil, err
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: %w: connection lost", kind, remote.ErrUnavailable)
		}
		if resp.Type == "error" {
			var ep errorPayload
			_ = json.Unmarshal(resp.Payload, &ep)
			return nil, fmt.Errorf("%s: remote error: %s", kind, ep.Message)
		}
		return resp.Payload, nil
	case <-timer.C:
		c.dropPending(reqID)
		return nil, fmt.Errorf("%s: %w: timeout", kind, remote.ErrUnavailable)
	case <-ctx.Done():
		c.dropPending(reqID)
		return nil, ctx.Err()
	}
}

func (c *Client) send(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", remote.ErrUnavailable)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w: %v", remote.ErrUnavailable, err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			if c.conn == conn {
				c.conn = nil
			}
			c.failPendingLocked(err.Error())
			c.mu.Unlock()
			if !closed {
				c.reconnect()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.RequestID != "" {
			c.mu.Lock()
			ch, ok := c.pending[env.RequestID]
			if ok {
				delete(c.pending, env.RequestID)
			}
			c.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}

		if env.Type == "diff" {
			var d remote.Diff
			if json.Unmarshal(env.Payload, &d) != nil {
				continue
			}
			c.mu.Lock()
			sub := c.subs[d.ConversationID]
			c.mu.Unlock()
			if sub != nil {
				select {
				case sub.ch <- d:
				default:
					c.logger.Warn("diff dropped, subscriber stalled",
						zap.String("conversation_id", d.ConversationID))
				}
			}
		}
	}
}

// reconnect dials with capped exponential backoff and jitter, then
// re-issues subscribe commands for every registered conversation.
func (c *Client) reconnect() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		attempt := c.attempt
		c.attempt++
		c.mu.Unlock()

		jitter := time.Duration(rand.Float64() * float64(c.cfg.ReconnectBaseDelay) * 0.5)
		delay := time.Duration(math.Min(
			float64(c.cfg.ReconnectBaseDelay)*math.Pow(2, float64(attempt))+float64(jitter),
			float64(c.cfg.ReconnectMaxDelay),
		))
		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		err := c.connect(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("reconnect failed", zap.Error(err), zap.Int("attempt", attempt+1))
			continue
		}

		c.mu.Lock()
		convs := make([]string, 0, len(c.subs))
		for id := range c.subs {
			convs = append(convs, id)
		}
		c.mu.Unlock()

		for _, id := range convs {
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			_, err := c.call(ctx, "subscribe", subscribePayload{ConversationID: id})
			cancel()
			if err != nil {
				c.logger.Warn("resubscribe failed", zap.String("conversation_id", id), zap.Error(err))
			}
		}
		c.logger.Info("remote connection restored", zap.Int("subscriptions", len(convs)))
		return
	}
}

// failPendingLocked must be called with c.mu held.
func (c *Client) failPendingLocked(string) {
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) dropPending(reqID string) {
	c.mu.Lock()
	delete(c.pending, reqID)
	c.mu.Unlock()
}

type wsSubscription struct {
	client         *Client
	conversationID string
	ch             chan remote.Diff
	closeOnce      sync.Once
}

func (s *wsSubscription) Diffs() <-chan remote.Diff { return s.ch }

func (s *wsSubscription) Close() {
	s.closeOnce.Do(func() {
		c := s.client
		c.mu.Lock()
		delete(c.subs, s.conversationID)
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			_, _ = c.call(ctx, "unsubscribe", subscribePayload{ConversationID: s.conversationID})
			cancel()
		}
		close(s.ch)
	})
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
