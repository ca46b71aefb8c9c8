package typing

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/telex-im/telex/internal/chat"
	"github.com/telex-im/telex/internal/realtime"
)

type sentBroadcast struct {
	event   string
	payload chat.TypingEvent
}

type fakeSub struct {
	mu     sync.Mutex
	h      realtime.Handlers
	sent   []sentBroadcast
	closed bool
}

func (s *fakeSub) Broadcast(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentBroadcast{event: event, payload: payload.(chat.TypingEvent)})
	return nil
}

func (s *fakeSub) Track(any) error { return nil }
func (s *fakeSub) Untrack() error  { return nil }
func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSub) broadcasts() []sentBroadcast {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentBroadcast, len(s.sent))
	copy(out, s.sent)
	return out
}

type fakeBroker struct {
	mu  sync.Mutex
	sub *fakeSub
}

func (b *fakeBroker) Subscribe(_ context.Context, _ string, h realtime.Handlers) (realtime.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sub = &fakeSub{h: h}
	return b.sub, nil
}

func (b *fakeBroker) deliver(t *testing.T, ev chat.TypingEvent) {
	t.Helper()
	b.mu.Lock()
	sub := b.sub
	b.mu.Unlock()
	if sub == nil {
		t.Fatal("no subscription")
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	sub.h.OnBroadcast("typing", raw)
}

func fastConfig() ChannelConfig {
	return ChannelConfig{Timeout: 60 * time.Millisecond, SweepInterval: 15 * time.Millisecond}
}

func openChannel(t *testing.T, cfg ChannelConfig) (*Channel, *fakeBroker) {
	t.Helper()
	broker := &fakeBroker{}
	ch := NewChannel("c-1", "me", "Me", broker, cfg, nil)
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(ch.Close)
	return ch, broker
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartTypingBroadcastsAndAutoStops(t *testing.T) {
	ch, broker := openChannel(t, fastConfig())

	ch.StartTyping()

	sent := broker.sub.broadcasts()
	if len(sent) != 1 || !sent[0].payload.IsTyping || sent[0].payload.UserID != "me" {
		t.Fatalf("expected one typing=true broadcast, got %+v", sent)
	}

	// No further keystroke: the stop fires on its own.
	waitUntil(t, "auto stop broadcast", func() bool {
		sent := broker.sub.broadcasts()
		return len(sent) == 2 && !sent[1].payload.IsTyping
	})
}

func TestKeystrokesExtendTheTimer(t *testing.T) {
	ch, broker := openChannel(t, fastConfig())

	ch.StartTyping()
	time.Sleep(30 * time.Millisecond)
	ch.StartTyping()
	time.Sleep(30 * time.Millisecond)

	for _, b := range broker.sub.broadcasts() {
		if !b.payload.IsTyping {
			t.Fatal("stop broadcast fired while keystrokes kept arriving")
		}
	}

	waitUntil(t, "stop after the last keystroke", func() bool {
		sent := broker.sub.broadcasts()
		return len(sent) > 0 && !sent[len(sent)-1].payload.IsTyping
	})
}

func TestPeerEventsTracked(t *testing.T) {
	ch, broker := openChannel(t, ChannelConfig{Timeout: time.Hour, SweepInterval: time.Hour})

	broker.deliver(t, chat.TypingEvent{UserID: "u-1", DisplayName: "Alice", IsTyping: true})
	broker.deliver(t, chat.TypingEvent{UserID: "u-2", DisplayName: "Bob", IsTyping: true})

	got := ch.Typists()
	if len(got) != 2 || got[0] != "Alice" || got[1] != "Bob" {
		t.Fatalf("unexpected typists: %v", got)
	}

	broker.deliver(t, chat.TypingEvent{UserID: "u-1", DisplayName: "Alice", IsTyping: false})
	// A duplicate stop is harmless.
	broker.deliver(t, chat.TypingEvent{UserID: "u-1", DisplayName: "Alice", IsTyping: false})

	got = ch.Typists()
	if len(got) != 1 || got[0] != "Bob" {
		t.Fatalf("expected only Bob typing, got %v", got)
	}
}

func TestOwnBroadcastIgnored(t *testing.T) {
	ch, broker := openChannel(t, ChannelConfig{Timeout: time.Hour, SweepInterval: time.Hour})

	broker.deliver(t, chat.TypingEvent{UserID: "me", DisplayName: "Me", IsTyping: true})
	if got := ch.Typists(); len(got) != 0 {
		t.Fatalf("expected own events ignored, got %v", got)
	}
}

func TestStaleEntriesSweptWithoutStopEvent(t *testing.T) {
	ch, broker := openChannel(t, fastConfig())

	broker.deliver(t, chat.TypingEvent{UserID: "u-1", DisplayName: "Alice", IsTyping: true})
	if got := ch.Typists(); len(got) != 1 {
		t.Fatalf("expected Alice typing, got %v", got)
	}

	// Alice disconnects without broadcasting a stop; the sweeper evicts
	// her within timeout + sweep interval.
	waitUntil(t, "sweeper eviction", func() bool {
		return len(ch.Typists()) == 0
	})
}

func TestCloseBroadcastsFinalStop(t *testing.T) {
	broker := &fakeBroker{}
	ch := NewChannel("c-1", "me", "Me", broker, ChannelConfig{Timeout: time.Hour, SweepInterval: time.Hour}, nil)
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	ch.StartTyping()
	ch.Close()

	sent := broker.sub.broadcasts()
	if len(sent) != 2 || !sent[0].payload.IsTyping || sent[1].payload.IsTyping {
		t.Fatalf("expected typing then stop around close, got %+v", sent)
	}
	if !broker.sub.closed {
		t.Fatal("expected subscription released on close")
	}

	ch.StartTyping()
	if got := broker.sub.broadcasts(); len(got) != 2 {
		t.Fatal("expected no broadcasts after close")
	}
}
