package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/telex-im/telex/internal/chat"
	"github.com/telex-im/telex/internal/datastore"
	"github.com/telex-im/telex/internal/realtime"
)

type fakeStore struct {
	mu        sync.Mutex
	summaries []chat.ConversationSummary
	markReads [][2]string
	markErr   error
}

func (s *fakeStore) FetchMessages(context.Context, string, int64, int) ([]chat.Message, error) {
	return nil, nil
}

func (s *fakeStore) InsertMessage(context.Context, datastore.InsertMessageRequest) (datastore.InsertedMessage, error) {
	return datastore.InsertedMessage{}, errors.New("not implemented")
}

func (s *fakeStore) FetchConversationSummaries(context.Context, string) ([]chat.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.ConversationSummary, len(s.summaries))
	copy(out, s.summaries)
	return out, nil
}

func (s *fakeStore) MarkRead(_ context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markReads = append(s.markReads, [2]string{conversationID, messageID})
	return s.markErr
}

func (s *fakeStore) markReadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.markReads)
}

type fakeSub struct{ closed bool }

func (s *fakeSub) Broadcast(string, any) error { return nil }
func (s *fakeSub) Track(any) error             { return nil }
func (s *fakeSub) Untrack() error              { return nil }
func (s *fakeSub) Close() error                { s.closed = true; return nil }

type fakeBroker struct {
	mu       sync.Mutex
	handlers map[string]realtime.Handlers
	subs     map[string]*fakeSub
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		handlers: make(map[string]realtime.Handlers),
		subs:     make(map[string]*fakeSub),
	}
}

func (b *fakeBroker) Subscribe(_ context.Context, channel string, h realtime.Handlers) (realtime.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &fakeSub{}
	b.handlers[channel] = h
	b.subs[channel] = sub
	return sub, nil
}

func (b *fakeBroker) insert(t *testing.T, channel string, m chat.Message) {
	t.Helper()
	b.mu.Lock()
	h, ok := b.handlers[channel]
	b.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription on channel %q", channel)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	h.OnInsert(raw)
}

func summary(id string, unread int, updatedAt int64) chat.ConversationSummary {
	return chat.ConversationSummary{
		ConversationID: id,
		Name:           "conv " + id,
		Type:           chat.ConversationDirect,
		UnreadCount:    unread,
		UpdatedAt:      updatedAt,
	}
}

func openIndex(t *testing.T, store *fakeStore, broker *fakeBroker) *Index {
	t.Helper()
	ix := NewIndex("me", store, broker, nil, nil)
	if err := ix.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(ix.Close)
	return ix
}

func TestOpenOrdersByActivity(t *testing.T) {
	store := &fakeStore{summaries: []chat.ConversationSummary{
		summary("a", 0, 1000),
		summary("b", 0, 3000),
		summary("c", 0, 2000),
	}}
	ix := openIndex(t, store, newFakeBroker())

	if !ix.Loaded() {
		t.Fatal("expected loaded after open")
	}
	got := ix.Summaries()
	if got[0].ConversationID != "b" || got[1].ConversationID != "c" || got[2].ConversationID != "a" {
		t.Fatalf("unexpected order: %q %q %q",
			got[0].ConversationID, got[1].ConversationID, got[2].ConversationID)
	}
}

func TestInsertMovesConversationToHead(t *testing.T) {
	store := &fakeStore{summaries: []chat.ConversationSummary{
		summary("a", 3, 2000),
		summary("b", 0, 1000),
	}}
	broker := newFakeBroker()
	ix := openIndex(t, store, broker)

	broker.insert(t, "inbox:me", chat.Message{
		ID: "m-1", ConversationID: "b", SenderID: "alice",
		Content: "new in b", Type: "text", CreatedAt: 5000,
	})

	got := ix.Summaries()
	if got[0].ConversationID != "b" {
		t.Fatalf("expected b at head, got %q", got[0].ConversationID)
	}
	if got[0].UnreadCount != 1 {
		t.Fatalf("expected unread 1 on b, got %d", got[0].UnreadCount)
	}
	if got[0].LastMessage.ID != "m-1" || got[0].UpdatedAt != 5000 {
		t.Fatalf("expected last-message snapshot updated, got %+v", got[0])
	}
	if got[1].ConversationID != "a" || got[1].UnreadCount != 3 {
		t.Fatalf("expected a unchanged below b, got %+v", got[1])
	}
}

func TestOwnMessageDoesNotBumpUnread(t *testing.T) {
	store := &fakeStore{summaries: []chat.ConversationSummary{summary("a", 0, 1000)}}
	broker := newFakeBroker()
	ix := openIndex(t, store, broker)

	broker.insert(t, "inbox:me", chat.Message{
		ID: "m-1", ConversationID: "a", SenderID: "me",
		Content: "from myself", Type: "text", CreatedAt: 2000,
	})

	got := ix.Summaries()
	if got[0].UnreadCount != 0 {
		t.Fatalf("own message must not count as unread, got %d", got[0].UnreadCount)
	}
	if got[0].LastMessage.ID != "m-1" {
		t.Fatal("expected last-message snapshot updated even for own message")
	}
}

func TestInsertForUnknownConversationIgnored(t *testing.T) {
	store := &fakeStore{summaries: []chat.ConversationSummary{summary("a", 0, 1000)}}
	broker := newFakeBroker()
	ix := openIndex(t, store, broker)

	broker.insert(t, "inbox:me", chat.Message{
		ID: "m-1", ConversationID: "ghost", SenderID: "alice",
		Content: "hello?", Type: "text", CreatedAt: 2000,
	})

	got := ix.Summaries()
	if len(got) != 1 || got[0].ConversationID != "a" {
		t.Fatalf("expected unknown conversation ignored, got %+v", got)
	}
}

func TestAddInsertsAtHeadAndGuardsDuplicates(t *testing.T) {
	store := &fakeStore{summaries: []chat.ConversationSummary{summary("a", 5, 1000)}}
	broker := newFakeBroker()
	ix := openIndex(t, store, broker)

	ix.Add(summary("b", 0, 2000))

	got := ix.Summaries()
	if len(got) != 2 || got[0].ConversationID != "b" {
		t.Fatalf("expected b added at head, got %+v", got)
	}

	// A creation action racing a refresh must not duplicate or reset an
	// existing conversation.
	ix.Add(summary("a", 0, 9000))

	got = ix.Summaries()
	if len(got) != 2 {
		t.Fatalf("expected duplicate add ignored, got %d conversations", len(got))
	}
	if got[1].ConversationID != "a" || got[1].UnreadCount != 5 {
		t.Fatalf("expected existing a untouched, got %+v", got[1])
	}

	// The new conversation participates in the event stream like any
	// other.
	broker.insert(t, "inbox:me", chat.Message{
		ID: "m-1", ConversationID: "b", SenderID: "alice",
		Content: "first", Type: "text", CreatedAt: 3000,
	})
	if got := ix.Summaries(); got[0].UnreadCount != 1 {
		t.Fatalf("expected added conversation counting unread, got %+v", got[0])
	}
}

func TestRemoveDropsConversation(t *testing.T) {
	store := &fakeStore{summaries: []chat.ConversationSummary{
		summary("a", 0, 2000),
		summary("b", 0, 1000),
	}}
	broker := newFakeBroker()
	ix := openIndex(t, store, broker)

	ix.Remove("a")

	got := ix.Summaries()
	if len(got) != 1 || got[0].ConversationID != "b" {
		t.Fatalf("expected only b after removal, got %+v", got)
	}

	// Unknown ids are a no-op.
	ix.Remove("ghost")
	if got := ix.Summaries(); len(got) != 1 {
		t.Fatalf("expected list unchanged, got %d conversations", len(got))
	}

	// Events for the removed conversation are ignored, same as any
	// unknown one.
	broker.insert(t, "inbox:me", chat.Message{
		ID: "m-1", ConversationID: "a", SenderID: "alice",
		Content: "late", Type: "text", CreatedAt: 3000,
	})
	if got := ix.Summaries(); len(got) != 1 || got[0].ConversationID != "b" {
		t.Fatalf("expected removed conversation to stay gone, got %+v", got)
	}
}

func TestMarkReadZeroesLocallyRegardlessOfStore(t *testing.T) {
	store := &fakeStore{
		summaries: []chat.ConversationSummary{summary("a", 7, 1000)},
		markErr:   errors.New("store down"),
	}
	ix := openIndex(t, store, newFakeBroker())

	ix.MarkRead("a", "m-9")

	if got := ix.Summaries(); got[0].UnreadCount != 0 {
		t.Fatalf("expected unread zeroed before the write-through, got %d", got[0].UnreadCount)
	}

	deadline := time.Now().Add(time.Second)
	for store.markReadCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if store.markReadCount() != 1 {
		t.Fatalf("expected one read-cursor write, got %d", store.markReadCount())
	}
	// The failed write never resurrects the local count.
	if got := ix.Summaries(); got[0].UnreadCount != 0 {
		t.Fatalf("expected unread to stay 0 after store failure, got %d", got[0].UnreadCount)
	}
}

func TestSummariesProjectPinnedFirst(t *testing.T) {
	pinned := summary("p", 0, 1000)
	pinned.IsPinned = true
	store := &fakeStore{summaries: []chat.ConversationSummary{
		summary("a", 0, 3000),
		pinned,
		summary("b", 0, 2000),
	}}
	ix := openIndex(t, store, newFakeBroker())

	got := ix.Summaries()
	if got[0].ConversationID != "p" {
		t.Fatalf("expected pinned conversation first, got %q", got[0].ConversationID)
	}
	if got[1].ConversationID != "a" || got[2].ConversationID != "b" {
		t.Fatalf("expected unpinned by activity after pinned, got %q %q",
			got[1].ConversationID, got[2].ConversationID)
	}
}

func TestUnreadTotalSkipsMuted(t *testing.T) {
	muted := summary("m", 4, 1000)
	muted.IsMuted = true
	store := &fakeStore{summaries: []chat.ConversationSummary{
		summary("a", 2, 3000),
		muted,
	}}
	ix := openIndex(t, store, newFakeBroker())

	if total := ix.UnreadTotal(); total != 2 {
		t.Fatalf("expected muted conversations excluded, got %d", total)
	}
}

func TestCloseStopsUpdates(t *testing.T) {
	store := &fakeStore{summaries: []chat.ConversationSummary{summary("a", 0, 1000)}}
	broker := newFakeBroker()
	ix := openIndex(t, store, broker)

	ix.Close()
	broker.insert(t, "inbox:me", chat.Message{
		ID: "m-1", ConversationID: "a", SenderID: "alice",
		Content: "late", Type: "text", CreatedAt: 2000,
	})
	if got := ix.Summaries(); got[0].UnreadCount != 0 {
		t.Fatalf("expected no mutation after close, got %d", got[0].UnreadCount)
	}

	broker.mu.Lock()
	closed := broker.subs["inbox:me"].closed
	broker.mu.Unlock()
	if !closed {
		t.Fatal("expected subscription released on close")
	}
}
