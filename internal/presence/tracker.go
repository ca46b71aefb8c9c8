// Package presence derives online/offline state for the whole session
// from one shared channel's track/untrack snapshots.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/telex-im/telex/internal/bus"
	"github.com/telex-im/telex/internal/chat"
	"github.com/telex-im/telex/internal/realtime"
)

// Tracker owns the presence map. Snapshots replace it wholesale; there
// is no incremental delta handling, which makes missed events
// self-healing.
type Tracker struct {
	selfID string
	broker realtime.Broker
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	entries  map[string]chat.PresenceEntry
	sub      realtime.Subscription
	disposed bool
	busUnsub func()
	cancel   context.CancelFunc
}

// NewTracker creates the session presence tracker.
func NewTracker(selfID string, broker realtime.Broker, b *bus.Bus, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		selfID:  selfID,
		broker:  broker,
		bus:     b,
		logger:  logger,
		entries: make(map[string]chat.PresenceEntry),
	}
}

// Open subscribes to the shared presence channel and announces the local
// user. Peers learn about us through the snapshots the gateway fans out.
func (p *Tracker) Open(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	sub, err := p.broker.Subscribe(runCtx, realtime.PresenceChannel, realtime.Handlers{
		OnPresenceSync: p.handleSync,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe: %w", err)
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		cancel()
		_ = sub.Close()
		return fmt.Errorf("tracker closed")
	}
	p.sub = sub
	p.cancel = cancel
	p.mu.Unlock()

	if err := p.track(); err != nil {
		return err
	}

	if p.bus != nil {
		ch, unsub := p.bus.Subscribe("connection.resync", 16)
		p.mu.Lock()
		p.busUnsub = unsub
		p.mu.Unlock()
		go func() {
			for {
				select {
				case _, ok := <-ch:
					if !ok {
						return
					}
					// A fresh subscription carries no tracked state; announce
					// again or peers see us offline until the next reload.
					if err := p.track(); err != nil {
						p.logger.Warn("presence re-track failed", zap.Error(err))
					}
				case <-runCtx.Done():
					return
				}
			}
		}()
	}
	return nil
}

// IsOnline is a pure lookup; unknown users are offline.
func (p *Tracker) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries[userID].IsOnline
}

// LastSeenAt returns the unix-millisecond timestamp a user last
// announced, zero when unknown.
func (p *Tracker) LastSeenAt(userID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries[userID].LastSeenAt
}

// Online returns the ids of everyone currently online.
func (p *Tracker) Online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.entries))
	for id, e := range p.entries {
		if e.IsOnline {
			out = append(out, id)
		}
	}
	return out
}

// Close withdraws the local user's tracked state before releasing the
// subscription, so peers see the departure promptly instead of waiting
// for a timeout.
func (p *Tracker) Close() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	sub := p.sub
	busUnsub := p.busUnsub
	cancel := p.cancel
	p.mu.Unlock()

	if busUnsub != nil {
		busUnsub()
	}
	if cancel != nil {
		cancel()
	}
	if sub != nil {
		if err := sub.Untrack(); err != nil {
			p.logger.Debug("presence untrack failed", zap.Error(err))
		}
		_ = sub.Close()
	}
}

func (p *Tracker) track() error {
	p.mu.Lock()
	sub := p.sub
	disposed := p.disposed
	p.mu.Unlock()
	if disposed || sub == nil {
		return nil
	}
	err := sub.Track(chat.PresenceEntry{
		UserID:     p.selfID,
		IsOnline:   true,
		LastSeenAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("track: %w", err)
	}
	return nil
}

// handleSync replaces the map from the full snapshot. Users absent from
// the snapshot are offline by omission.
func (p *Tracker) handleSync(state realtime.PresenceSet) {
	next := make(map[string]chat.PresenceEntry, len(state))
	for key, raws := range state {
		for _, raw := range raws {
			entry, err := chat.DecodePresenceEntry(raw)
			if err != nil {
				p.logger.Warn("bad presence payload", zap.String("key", key), zap.Error(err))
				continue
			}
			entry.IsOnline = true
			next[entry.UserID] = entry
		}
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.entries = next
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(bus.Event{
			Kind:      "presence.updated",
			Timestamp: time.Now(),
			Payload:   len(next),
		})
	}
}
