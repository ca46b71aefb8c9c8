// Package gateway implements the realtime.Broker boundary over a
// websocket connection to the chat gateway. One connection multiplexes
// every subscribed channel; reconnection policy lives in the supervisor,
// not here.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/telex-im/telex/internal/realtime"
)

// Client is a websocket-backed realtime.Broker.
type Client struct {
	url    string
	token  string
	logger *zap.Logger

	mu     sync.Mutex
	conn   *wsConn
	subs   map[string]*channelSub
	onDrop func()
	closed bool
}

// New creates a gateway client for the given websocket URL. The client
// starts disconnected; Connect establishes the transport.
func New(url, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:    url,
		token:  token,
		logger: logger,
		subs:   make(map[string]*channelSub),
	}
}

// OnDrop registers the callback invoked whenever the transport is lost.
// The supervisor uses it to begin its backoff schedule.
func (c *Client) OnDrop(fn func()) {
	c.mu.Lock()
	c.onDrop = fn
	c.mu.Unlock()
}

// Connect dials the gateway and re-issues subscribe frames for every
// channel registered before or across reconnects. Safe to call again
// after a drop; an existing connection is torn down first.
func (c *Client) Connect(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	raw, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	conn := newWSConn(raw)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.close()
		return fmt.Errorf("client closed")
	}
	if c.conn != nil {
		c.conn.close()
	}
	c.conn = conn
	channels := make([]string, 0, len(c.subs))
	for name := range c.subs {
		channels = append(channels, name)
	}
	c.mu.Unlock()

	for _, name := range channels {
		if err := c.send(Frame{Op: OpSubscribe, Channel: name}); err != nil {
			conn.close()
			return fmt.Errorf("resubscribe %s: %w", name, err)
		}
	}

	go c.readLoop(conn)
	c.logger.Info("gateway connected", zap.String("url", c.url))
	return nil
}

// Subscribe registers handlers for a channel and, when connected, issues
// the subscribe frame. Registration survives reconnects: Connect replays
// it. Cancelling ctx releases the subscription as if Close were called.
func (c *Client) Subscribe(ctx context.Context, channel string, h realtime.Handlers) (realtime.Subscription, error) {
	sub := &channelSub{client: c, channel: channel, handlers: h}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client closed")
	}
	if _, exists := c.subs[channel]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("already subscribed to %s", channel)
	}
	c.subs[channel] = sub
	connected := c.conn != nil
	c.mu.Unlock()

	if connected {
		if err := c.send(Frame{Op: OpSubscribe, Channel: channel}); err != nil {
			c.mu.Lock()
			delete(c.subs, channel)
			c.mu.Unlock()
			return nil, err
		}
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = sub.Close()
		}()
	}
	return sub, nil
}

// Close tears down the transport and every subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.subs = make(map[string]*channelSub)
	c.mu.Unlock()

	if conn != nil {
		conn.close()
	}
	return nil
}

func (c *Client) readLoop(conn *wsConn) {
	for {
		data, err := conn.read()
		if err != nil {
			conn.close()
			c.mu.Lock()
			stale := c.conn != conn // a newer connection already replaced us
			closed := c.closed
			if !stale {
				c.conn = nil
			}
			onDrop := c.onDrop
			c.mu.Unlock()

			if !stale && !closed {
				c.logger.Warn("gateway connection lost", zap.Error(err))
				if onDrop != nil {
					onDrop()
				}
			}
			return
		}

		frame, err := Decode(data)
		if err != nil {
			c.logger.Warn("malformed gateway frame", zap.Error(err))
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(f Frame) {
	c.mu.Lock()
	sub, ok := c.subs[f.Channel]
	c.mu.Unlock()
	if !ok {
		return
	}
	h := sub.handlers

	switch f.Op {
	case OpEvent:
		switch f.Event {
		case EventInsert:
			if h.OnInsert != nil {
				h.OnInsert(f.Payload)
			}
		case EventUpdate:
			if h.OnUpdate != nil {
				h.OnUpdate(f.Payload)
			}
		}
	case OpBroadcast:
		if h.OnBroadcast != nil {
			h.OnBroadcast(f.Event, f.Payload)
		}
	case OpPresenceState:
		if h.OnPresenceSync != nil {
			var state realtime.PresenceSet
			if err := json.Unmarshal(f.Payload, &state); err != nil {
				c.logger.Warn("malformed presence snapshot", zap.Error(err))
				return
			}
			h.OnPresenceSync(state)
		}
	}
}

func (c *Client) send(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := Encode(f)
	if err != nil {
		return err
	}
	return conn.write(data)
}

// channelSub is the realtime.Subscription handle for one channel.
type channelSub struct {
	client   *Client
	channel  string
	handlers realtime.Handlers
}

func (s *channelSub) Broadcast(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast payload: %w", err)
	}
	return s.client.send(Frame{Op: OpBroadcast, Channel: s.channel, Event: event, Payload: data})
}

func (s *channelSub) Track(state any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal tracked state: %w", err)
	}
	return s.client.send(Frame{Op: OpTrack, Channel: s.channel, Payload: data})
}

func (s *channelSub) Untrack() error {
	return s.client.send(Frame{Op: OpUntrack, Channel: s.channel})
}

// Close is idempotent. The identity check keeps a late ctx watcher from
// tearing down a newer subscription that reused the channel name.
func (s *channelSub) Close() error {
	c := s.client
	c.mu.Lock()
	if c.subs[s.channel] != s {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, s.channel)
	connected := c.conn != nil
	c.mu.Unlock()

	if connected {
		return c.send(Frame{Op: OpUnsubscribe, Channel: s.channel})
	}
	return nil
}
