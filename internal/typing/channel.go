// Package typing implements the per-conversation ephemeral typing
// indicator: fire-and-forget broadcasts, a local auto-stop timer and a
// sweeper that evicts peers who vanished without saying stop.
package typing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/telex-im/telex/internal/chat"
	"github.com/telex-im/telex/internal/realtime"
)

const (
	defaultTimeout       = 3 * time.Second
	defaultSweepInterval = time.Second
)

// ChannelConfig tunes the expiry timers. Zero values take the defaults.
type ChannelConfig struct {
	// Timeout is how long a peer's indicator lives without a refresh, and
	// how long after the last local keystroke the stop broadcast fires.
	Timeout time.Duration
	// SweepInterval is how often stale peers are evicted.
	SweepInterval time.Duration
}

func (c ChannelConfig) withDefaults() ChannelConfig {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	return c
}

type peerState struct {
	displayName string
	lastSeen    time.Time
}

// Channel is the typing indicator state for one conversation. Broadcasts
// carry no acknowledgment and no retry; duplicate or out-of-order stop
// events are harmless.
type Channel struct {
	conversationID string
	selfID         string
	displayName    string
	broker         realtime.Broker
	logger         *zap.Logger
	cfg            ChannelConfig

	mu        sync.Mutex
	peers     map[string]peerState
	sub       realtime.Subscription
	stopTimer *time.Timer
	typing    bool
	disposed  bool
	done      chan struct{}
}

// NewChannel creates the typing channel for one conversation.
func NewChannel(conversationID, selfID, displayName string, broker realtime.Broker, cfg ChannelConfig, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		conversationID: conversationID,
		selfID:         selfID,
		displayName:    displayName,
		broker:         broker,
		logger:         logger,
		cfg:            cfg.withDefaults(),
		peers:          make(map[string]peerState),
		done:           make(chan struct{}),
	}
}

// Open subscribes to the conversation's typing channel and starts the
// sweeper.
func (t *Channel) Open(ctx context.Context) error {
	sub, err := t.broker.Subscribe(ctx, realtime.TypingChannel(t.conversationID), realtime.Handlers{
		OnBroadcast: t.handleBroadcast,
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		_ = sub.Close()
		return fmt.Errorf("channel closed")
	}
	t.sub = sub
	t.mu.Unlock()

	go t.sweep()
	return nil
}

// StartTyping broadcasts the local user's typing state and (re)arms the
// auto-stop timer. Call it on every keystroke; only the timer decides
// when the stop broadcast goes out.
func (t *Channel) StartTyping() {
	t.mu.Lock()
	if t.disposed || t.sub == nil {
		t.mu.Unlock()
		return
	}
	sub := t.sub
	t.typing = true
	if t.stopTimer != nil {
		t.stopTimer.Stop()
	}
	t.stopTimer = time.AfterFunc(t.cfg.Timeout, t.StopTyping)
	t.mu.Unlock()

	t.broadcast(sub, true)
}

// StopTyping broadcasts the stop event. Safe to call redundantly.
func (t *Channel) StopTyping() {
	t.mu.Lock()
	if t.disposed || t.sub == nil || !t.typing {
		t.mu.Unlock()
		return
	}
	sub := t.sub
	t.typing = false
	if t.stopTimer != nil {
		t.stopTimer.Stop()
		t.stopTimer = nil
	}
	t.mu.Unlock()

	t.broadcast(sub, false)
}

// Typists returns the display names of peers currently typing, sorted
// for stable rendering. The local user is never listed.
func (t *Channel) Typists() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.displayName)
	}
	sort.Strings(out)
	return out
}

// Close stops the timers, broadcasts a final stop if one is owed, and
// releases the subscription.
func (t *Channel) Close() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	sub := t.sub
	wasTyping := t.typing
	if t.stopTimer != nil {
		t.stopTimer.Stop()
		t.stopTimer = nil
	}
	close(t.done)
	t.mu.Unlock()

	if sub != nil {
		if wasTyping {
			t.broadcast(sub, false)
		}
		_ = sub.Close()
	}
}

func (t *Channel) broadcast(sub realtime.Subscription, isTyping bool) {
	err := sub.Broadcast("typing", chat.TypingEvent{
		UserID:      t.selfID,
		DisplayName: t.displayName,
		IsTyping:    isTyping,
	})
	if err != nil {
		// Fire and forget; a lost typing event costs nothing.
		t.logger.Debug("typing broadcast dropped", zap.Error(err))
	}
}

func (t *Channel) handleBroadcast(event string, payload json.RawMessage) {
	if event != "typing" {
		return
	}
	ev, err := chat.DecodeTypingEvent(payload)
	if err != nil {
		t.logger.Warn("bad typing payload", zap.Error(err))
		return
	}
	if ev.UserID == t.selfID {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return
	}
	if ev.IsTyping {
		t.peers[ev.UserID] = peerState{displayName: ev.DisplayName, lastSeen: time.Now()}
	} else {
		delete(t.peers, ev.UserID)
	}
}

// sweep evicts peers whose last refresh is older than the timeout. This
// covers a peer that disconnected without broadcasting a stop.
func (t *Channel) sweep() {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-t.cfg.Timeout)
			t.mu.Lock()
			for id, p := range t.peers {
				if p.lastSeen.Before(cutoff) {
					delete(t.peers, id)
				}
			}
			t.mu.Unlock()
		case <-t.done:
			return
		}
	}
}
