// Package thread implements the per-conversation message synchronization
// engine: optimistic sends, reconciliation of write-through confirmations
// with realtime echoes, and gap-fill after reconnects.
package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/telex-im/telex/internal/bus"
	"github.com/telex-im/telex/internal/chat"
	"github.com/telex-im/telex/internal/datastore"
	"github.com/telex-im/telex/internal/realtime"
)

// defaultWindow is how many recent messages the initial fetch loads.
const defaultWindow = 100

// Engine owns the message list of exactly one conversation. All state
// lives behind the mutex; every callback (gateway read loop, timers,
// write-through completions) serializes through it, and engines for
// different conversations never share anything mutable.
type Engine struct {
	conversationID string
	selfID         string
	store          datastore.Store
	broker         realtime.Broker
	bus            *bus.Bus
	logger         *zap.Logger
	window         int

	mu        sync.Mutex
	msgs      []*chat.Message
	fetched   bool
	disposed  bool
	lastKnown int64
	sub       realtime.Subscription
	busUnsub  func()
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewEngine creates an engine for one conversation. selfID is the local
// user; it decides which realtime echoes are fold candidates.
func NewEngine(conversationID, selfID string, store datastore.Store, broker realtime.Broker, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		conversationID: conversationID,
		selfID:         selfID,
		store:          store,
		broker:         broker,
		bus:            b,
		logger:         logger,
		window:         defaultWindow,
		ctx:            context.Background(),
	}
}

// Open fetches the most recent window of messages ascending by created_at,
// then establishes the live subscription for the conversation. Until Open
// returns, Fetched reports false so callers can distinguish "loading" from
// "empty conversation".
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return fmt.Errorf("engine closed")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	runCtx := e.ctx
	e.mu.Unlock()

	initial, err := e.store.FetchMessages(ctx, e.conversationID, 0, e.window)
	if err != nil {
		return fmt.Errorf("initial fetch: %w", err)
	}

	e.mu.Lock()
	e.msgs = e.msgs[:0]
	for i := range initial {
		m := initial[i]
		if m.Status == "" {
			m.Status = chat.StatusSent
		}
		e.msgs = append(e.msgs, &m)
		if m.CreatedAt > e.lastKnown {
			e.lastKnown = m.CreatedAt
		}
	}
	e.resolveRepliesLocked()
	e.fetched = true
	e.mu.Unlock()

	sub, err := e.broker.Subscribe(runCtx, realtime.ThreadChannel(e.conversationID), realtime.Handlers{
		OnInsert: e.handleInsert,
		OnUpdate: e.handleUpdate,
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()

	if e.bus != nil {
		ch, unsub := e.bus.Subscribe("connection.resync", 16)
		e.mu.Lock()
		e.busUnsub = unsub
		e.mu.Unlock()
		go func() {
			for {
				select {
				case _, ok := <-ch:
					if !ok {
						return
					}
					if err := e.Resync(runCtx); err != nil {
						e.logger.Warn("gap-fill failed",
							zap.String("conversation_id", e.conversationID), zap.Error(err))
					}
				case <-runCtx.Done():
					return
				}
			}
		}()
	}

	e.publishUpdated()
	return nil
}

// Send appends an optimistic message synchronously and starts the
// write-through in the background. Returns the optimistic id, or "" when
// the engine is closed.
func (e *Engine) Send(content, msgType string, replyTo *chat.ReplyRef) string {
	if msgType == "" {
		msgType = "text"
	}

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ""
	}
	m := &chat.Message{
		OptimisticID:   uuid.NewString(),
		ConversationID: e.conversationID,
		SenderID:       e.selfID,
		Content:        content,
		Type:           msgType,
		CreatedAt:      time.Now().UnixMilli(),
		ReplyTo:        replyTo,
		Status:         chat.StatusSending,
	}
	if replyTo != nil {
		m.ReplyToID = replyTo.ID
	}
	e.msgs = append(e.msgs, m)
	optID := m.OptimisticID
	runCtx := e.ctx
	e.mu.Unlock()

	e.publishUpdated()
	go e.writeThrough(runCtx, optID, content, msgType, replyTo)
	return optID
}

// Retry re-sends a message the user saw fail. Only failed messages are
// eligible; everything else is a no-op.
func (e *Engine) Retry(optimisticID string) {
	e.mu.Lock()
	idx := e.findByOptimisticLocked(optimisticID)
	if e.disposed || idx < 0 || e.msgs[idx].Status != chat.StatusFailed {
		e.mu.Unlock()
		return
	}
	m := e.msgs[idx]
	m.Status = chat.StatusSending
	content, msgType, replyTo := m.Content, m.Type, m.ReplyTo
	runCtx := e.ctx
	e.mu.Unlock()

	e.publishUpdated()
	go e.writeThrough(runCtx, optimisticID, content, msgType, replyTo)
}

func (e *Engine) writeThrough(ctx context.Context, optimisticID, content, msgType string, replyTo *chat.ReplyRef) {
	req := datastore.InsertMessageRequest{
		ConversationID: e.conversationID,
		SenderID:       e.selfID,
		Content:        content,
		Type:           msgType,
		ReplyTo:        replyTo,
	}
	if replyTo != nil {
		req.ReplyToID = replyTo.ID
	}

	res, err := e.store.InsertMessage(ctx, req)
	if err != nil {
		e.logger.Warn("write-through rejected",
			zap.String("conversation_id", e.conversationID),
			zap.String("optimistic_id", optimisticID),
			zap.Error(err))
		e.FailOptimistic(optimisticID)
		return
	}
	e.Reconcile(optimisticID, res.ID, res.CreatedAt)
}

// Reconcile relabels the optimistic entry with its durable identity. If
// the realtime echo already folded the entry (and cleared the optimistic
// id), Reconcile is a no-op — the two paths are commutative.
func (e *Engine) Reconcile(optimisticID, confirmedID string, createdAt int64) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	idx := e.findByOptimisticLocked(optimisticID)
	if idx < 0 {
		e.mu.Unlock()
		return
	}
	// If the echo arrived but the fold heuristic missed, the confirmed id
	// may already exist as a separate entry; collapse onto it rather than
	// ever holding two entries with one id.
	if dup := e.findByIDLocked(confirmedID); dup >= 0 && dup != idx {
		e.msgs = append(e.msgs[:idx], e.msgs[idx+1:]...)
		e.mu.Unlock()
		e.publishUpdated()
		return
	}
	m := e.msgs[idx]
	m.ID = confirmedID
	m.OptimisticID = ""
	m.Status = chat.StatusSent
	if createdAt > 0 {
		m.CreatedAt = createdAt
		if createdAt > e.lastKnown {
			e.lastKnown = createdAt
		}
	}
	e.repositionLocked(idx)
	e.mu.Unlock()
	e.publishUpdated()
}

// FailOptimistic marks the entry failed but never removes it: the user
// must see it to retry, or it would silently drop out of history.
func (e *Engine) FailOptimistic(optimisticID string) {
	e.mu.Lock()
	idx := e.findByOptimisticLocked(optimisticID)
	if e.disposed || idx < 0 {
		e.mu.Unlock()
		return
	}
	e.msgs[idx].Status = chat.StatusFailed
	e.mu.Unlock()
	e.publishUpdated()
}

// Resync gap-fills everything created after the last known timestamp,
// folding rows through the same insert path as live events so the dedup
// logic applies unchanged.
func (e *Engine) Resync(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed || !e.fetched {
		e.mu.Unlock()
		return nil
	}
	after := e.lastKnown
	e.mu.Unlock()

	missed, err := e.store.FetchMessages(ctx, e.conversationID, after, e.window)
	if err != nil {
		return fmt.Errorf("gap-fill fetch: %w", err)
	}
	for _, m := range missed {
		e.applyInsert(m)
	}
	return nil
}

// Messages returns a snapshot copy of the current list, render-ordered.
func (e *Engine) Messages() []chat.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]chat.Message, len(e.msgs))
	for i, m := range e.msgs {
		out[i] = *m
	}
	return out
}

// Fetched reports whether the initial fetch has resolved.
func (e *Engine) Fetched() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fetched
}

// Close releases the subscription and cancels pending work. Late
// callbacks against a closed engine are silent no-ops.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	sub := e.sub
	busUnsub := e.busUnsub
	cancel := e.cancel
	e.mu.Unlock()

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

func (e *Engine) handleInsert(raw json.RawMessage) {
	m, err := chat.DecodeMessage(raw)
	if err != nil {
		e.logger.Warn("bad insert payload", zap.Error(err))
		return
	}
	if m.ConversationID != e.conversationID {
		return
	}
	e.applyInsert(m)
}

// applyInsert merges one server row into the list. Three paths, checked
// in order: already present by id (idempotent merge), realtime echo of an
// optimistic entry (fold, no duplicate), genuinely new (sorted insert).
func (e *Engine) applyInsert(m chat.Message) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}

	if idx := e.findByIDLocked(m.ID); idx >= 0 {
		existing := e.msgs[idx]
		existing.Content = m.Content
		existing.IsEdited = m.IsEdited
		existing.IsDeleted = m.IsDeleted
		if m.SenderName != "" {
			existing.SenderName = m.SenderName
		}
		existing.Status = chat.StatusSent
	} else if idx := e.matchEchoLocked(m); idx >= 0 {
		// The echo of our own optimistic send, arriving before (or instead
		// of) the write-through response. Adopt the durable identity, keep
		// the locally known extras.
		existing := e.msgs[idx]
		existing.ID = m.ID
		existing.OptimisticID = ""
		existing.CreatedAt = m.CreatedAt
		existing.IsEdited = m.IsEdited
		existing.IsDeleted = m.IsDeleted
		existing.Status = chat.StatusSent
		e.repositionLocked(idx)
	} else {
		m.Status = chat.StatusSent
		nm := m
		e.insertSortedLocked(&nm)
	}

	if m.CreatedAt > e.lastKnown {
		e.lastKnown = m.CreatedAt
	}
	e.mu.Unlock()
	e.publishUpdated()
}

func (e *Engine) handleUpdate(raw json.RawMessage) {
	m, err := chat.DecodeMessage(raw)
	if err != nil {
		e.logger.Warn("bad update payload", zap.Error(err))
		return
	}
	if m.ConversationID != e.conversationID {
		return
	}

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	idx := e.findByIDLocked(m.ID)
	if idx < 0 {
		e.mu.Unlock()
		return
	}
	existing := e.msgs[idx]
	existing.IsEdited = m.IsEdited
	if m.Reactions != nil {
		existing.Reactions = m.Reactions
	}
	if m.IsDeleted {
		// Soft delete keeps id and timestamp, clears the content.
		existing.IsDeleted = true
		existing.Content = ""
	} else {
		existing.Content = m.Content
	}
	e.mu.Unlock()
	e.publishUpdated()
}

// matchEchoLocked finds a pending optimistic entry the given server row
// is the echo of: same sender, same content, still carrying an optimistic
// id with status sending or sent. Two identical sends in quick succession
// can fold onto the same entry; the stricter client idempotency key this
// would need is not part of the protocol.
func (e *Engine) matchEchoLocked(m chat.Message) int {
	if m.SenderID != e.selfID {
		return -1
	}
	for i, existing := range e.msgs {
		if existing.OptimisticID != "" &&
			existing.SenderID == m.SenderID &&
			existing.Content == m.Content &&
			(existing.Status == chat.StatusSending || existing.Status == chat.StatusSent) {
			return i
		}
	}
	return -1
}

func (e *Engine) findByIDLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, m := range e.msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) findByOptimisticLocked(optimisticID string) int {
	if optimisticID == "" {
		return -1
	}
	for i, m := range e.msgs {
		if m.OptimisticID == optimisticID {
			return i
		}
	}
	return -1
}

// insertSortedLocked places m after every entry with created_at <= its
// own, so ascending order holds and same-millisecond ties keep arrival
// order.
func (e *Engine) insertSortedLocked(m *chat.Message) {
	pos := len(e.msgs)
	for pos > 0 && e.msgs[pos-1].CreatedAt > m.CreatedAt {
		pos--
	}
	e.msgs = append(e.msgs, nil)
	copy(e.msgs[pos+1:], e.msgs[pos:])
	e.msgs[pos] = m
}

// repositionLocked restores sort order for one entry whose created_at
// changed, without disturbing the relative order of the others.
func (e *Engine) repositionLocked(idx int) {
	m := e.msgs[idx]
	e.msgs = append(e.msgs[:idx], e.msgs[idx+1:]...)
	e.insertSortedLocked(m)
}

// resolveRepliesLocked upgrades reply snapshots to the live parent when
// the parent sits inside the loaded window; replies pointing outside the
// window keep the snapshot captured at creation time.
func (e *Engine) resolveRepliesLocked() {
	byID := make(map[string]*chat.Message, len(e.msgs))
	for _, m := range e.msgs {
		if m.ID != "" {
			byID[m.ID] = m
		}
	}
	for _, m := range e.msgs {
		if m.ReplyToID == "" {
			continue
		}
		parent, ok := byID[m.ReplyToID]
		if !ok {
			continue
		}
		m.ReplyTo = &chat.ReplyRef{
			ID:         parent.ID,
			Content:    parent.Content,
			Type:       parent.Type,
			SenderID:   parent.SenderID,
			SenderName: parent.SenderName,
		}
	}
}

func (e *Engine) publishUpdated() {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{
		Kind:      "message.updated",
		Timestamp: time.Now(),
		Payload:   e.conversationID,
	})
}
