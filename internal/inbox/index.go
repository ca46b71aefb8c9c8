// Package inbox maintains the ordered, unread-counted conversation list
// for the session user from a single cross-conversation insert stream.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/telex-im/telex/internal/bus"
	"github.com/telex-im/telex/internal/chat"
	"github.com/telex-im/telex/internal/datastore"
	"github.com/telex-im/telex/internal/realtime"
)

// Index owns the ConversationSummary list. It shares nothing mutable
// with the per-conversation engines; both react to the same events
// independently.
type Index struct {
	userID string
	store  datastore.Store
	broker realtime.Broker
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	convs    []*chat.ConversationSummary // most recently active first
	loaded   bool
	disposed bool
	sub      realtime.Subscription
	busUnsub func()
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewIndex creates the conversation index for one user.
func NewIndex(userID string, store datastore.Store, broker realtime.Broker, b *bus.Bus, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		userID: userID,
		store:  store,
		broker: broker,
		bus:    b,
		logger: logger,
		ctx:    context.Background(),
	}
}

// Open loads the initial list and subscribes to the user's inbox stream.
// There is exactly one subscription regardless of how many conversations
// exist.
func (ix *Index) Open(ctx context.Context) error {
	ix.mu.Lock()
	if ix.disposed {
		ix.mu.Unlock()
		return fmt.Errorf("index closed")
	}
	ix.ctx, ix.cancel = context.WithCancel(ctx)
	runCtx := ix.ctx
	ix.mu.Unlock()

	if err := ix.Refresh(ctx); err != nil {
		return err
	}

	sub, err := ix.broker.Subscribe(runCtx, realtime.InboxChannel(ix.userID), realtime.Handlers{
		OnInsert: ix.handleInsert,
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ix.mu.Lock()
	ix.sub = sub
	ix.mu.Unlock()

	if ix.bus != nil {
		ch, unsub := ix.bus.Subscribe("connection.resync", 16)
		ix.mu.Lock()
		ix.busUnsub = unsub
		ix.mu.Unlock()
		go func() {
			for {
				select {
				case _, ok := <-ch:
					if !ok {
						return
					}
					if err := ix.Refresh(runCtx); err != nil {
						ix.logger.Warn("inbox refresh failed", zap.Error(err))
					}
				case <-runCtx.Done():
					return
				}
			}
		}()
	}
	return nil
}

// Refresh replaces the list wholesale from the store. Authoritative: any
// locally accumulated counts are superseded by the server's.
func (ix *Index) Refresh(ctx context.Context) error {
	summaries, err := ix.store.FetchConversationSummaries(ctx, ix.userID)
	if err != nil {
		return fmt.Errorf("fetch summaries: %w", err)
	}

	ix.mu.Lock()
	if ix.disposed {
		ix.mu.Unlock()
		return nil
	}
	ix.convs = ix.convs[:0]
	for i := range summaries {
		c := summaries[i]
		ix.convs = append(ix.convs, &c)
	}
	sort.SliceStable(ix.convs, func(a, b int) bool {
		return ix.convs[a].UpdatedAt > ix.convs[b].UpdatedAt
	})
	ix.loaded = true
	ix.mu.Unlock()

	ix.publishUpdated()
	return nil
}

// Add inserts a newly created conversation at the head of the list.
// Membership changes arrive only through explicit actions like this one,
// never through the event stream; adding an id already present is a
// no-op so a creation action racing a refresh cannot duplicate it.
func (ix *Index) Add(summary chat.ConversationSummary) {
	ix.mu.Lock()
	if ix.disposed || ix.findLocked(summary.ConversationID) >= 0 {
		ix.mu.Unlock()
		return
	}
	c := summary
	ix.convs = append([]*chat.ConversationSummary{&c}, ix.convs...)
	ix.mu.Unlock()
	ix.publishUpdated()
}

// Remove drops a conversation from the list. Unknown ids are a no-op.
func (ix *Index) Remove(conversationID string) {
	ix.mu.Lock()
	idx := ix.findLocked(conversationID)
	if ix.disposed || idx < 0 {
		ix.mu.Unlock()
		return
	}
	ix.convs = append(ix.convs[:idx], ix.convs[idx+1:]...)
	ix.mu.Unlock()
	ix.publishUpdated()
}

// MarkRead zeroes the unread count synchronously; the durable read
// cursor write is fired off best-effort and its outcome never touches
// the local count again.
func (ix *Index) MarkRead(conversationID, messageID string) {
	ix.mu.Lock()
	if ix.disposed {
		ix.mu.Unlock()
		return
	}
	idx := ix.findLocked(conversationID)
	if idx >= 0 {
		ix.convs[idx].UnreadCount = 0
	}
	runCtx := ix.ctx
	ix.mu.Unlock()

	if idx >= 0 {
		ix.publishUpdated()
	}
	go func() {
		if err := ix.store.MarkRead(runCtx, conversationID, messageID); err != nil {
			ix.logger.Warn("read cursor write failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}()
}

// Summaries returns the display projection: pinned conversations first,
// then the rest, each group most recently active first. The stored order
// is untouched; pinning is read-time only.
func (ix *Index) Summaries() []chat.ConversationSummary {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]chat.ConversationSummary, 0, len(ix.convs))
	for _, c := range ix.convs {
		if c.IsPinned {
			out = append(out, *c)
		}
	}
	for _, c := range ix.convs {
		if !c.IsPinned {
			out = append(out, *c)
		}
	}
	return out
}

// UnreadTotal sums unread counts across unmuted conversations.
func (ix *Index) UnreadTotal() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	total := 0
	for _, c := range ix.convs {
		if !c.IsMuted {
			total += c.UnreadCount
		}
	}
	return total
}

// Loaded reports whether the initial fetch has resolved.
func (ix *Index) Loaded() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.loaded
}

// Close releases the subscription. Late events are no-ops.
func (ix *Index) Close() {
	ix.mu.Lock()
	if ix.disposed {
		ix.mu.Unlock()
		return
	}
	ix.disposed = true
	sub := ix.sub
	busUnsub := ix.busUnsub
	cancel := ix.cancel
	ix.mu.Unlock()

	if busUnsub != nil {
		busUnsub()
	}
	if cancel != nil {
		cancel()
	}
	if sub != nil {
		_ = sub.Close()
	}
}

func (ix *Index) handleInsert(raw json.RawMessage) {
	m, err := chat.DecodeMessage(raw)
	if err != nil {
		ix.logger.Warn("bad inbox payload", zap.Error(err))
		return
	}

	ix.mu.Lock()
	if ix.disposed {
		ix.mu.Unlock()
		return
	}
	idx := ix.findLocked(m.ConversationID)
	if idx < 0 {
		// Summary creation is out of band; an insert for a conversation we
		// do not know about is not ours to invent.
		ix.mu.Unlock()
		return
	}
	c := ix.convs[idx]
	c.LastMessage = chat.LastMessage{
		ID:        m.ID,
		Content:   m.Content,
		SenderID:  m.SenderID,
		Type:      m.Type,
		CreatedAt: m.CreatedAt,
	}
	c.UpdatedAt = m.CreatedAt
	if m.SenderID != ix.userID {
		c.UnreadCount++
	}
	// Move to head; the display projection regroups pinned on read.
	copy(ix.convs[1:idx+1], ix.convs[:idx])
	ix.convs[0] = c
	ix.mu.Unlock()

	ix.publishUpdated()
}

func (ix *Index) findLocked(conversationID string) int {
	for i, c := range ix.convs {
		if c.ConversationID == conversationID {
			return i
		}
	}
	return -1
}

func (ix *Index) publishUpdated() {
	if ix.bus == nil {
		return
	}
	ix.bus.Publish(bus.Event{
		Kind:      "conversation.updated",
		Timestamp: time.Now(),
		Payload:   ix.userID,
	})
}
