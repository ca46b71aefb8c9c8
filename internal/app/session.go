package app

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/telex-im/telex/internal/bus"
	"github.com/telex-im/telex/internal/config"
	"github.com/telex-im/telex/internal/datastore"
	"github.com/telex-im/telex/internal/gateway"
	"github.com/telex-im/telex/internal/thread"
	"github.com/telex-im/telex/internal/typing"
)

// Conversation bundles the live handles for one open conversation view.
type Conversation struct {
	Thread *thread.Engine
	Typing *typing.Channel
}

// Session opens and closes conversation views on demand. Each open
// conversation gets its own engine and typing channel; closing the view
// releases both.
type Session struct {
	cfg    *config.Config
	store  datastore.Store
	gw     *gateway.Client
	bus    *bus.Bus
	logger *zap.Logger

	mu   sync.Mutex
	open map[string]*Conversation
}

// NewSession creates the conversation-view registry.
func NewSession(cfg *config.Config, store *datastore.RestStore, gw *gateway.Client, b *bus.Bus, logger *zap.Logger) *Session {
	return &Session{
		cfg:    cfg,
		store:  store,
		gw:     gw,
		bus:    b,
		logger: logger,
		open:   make(map[string]*Conversation),
	}
}

// OpenConversation opens the thread engine and typing channel for a
// conversation. Opening an already-open conversation returns the
// existing handles.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	s.mu.Lock()
	if c, ok := s.open[conversationID]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	eng := thread.NewEngine(conversationID, s.cfg.UserID, s.store, s.gw, s.bus, s.logger)
	if err := eng.Open(ctx); err != nil {
		return nil, fmt.Errorf("open thread: %w", err)
	}

	ty := typing.NewChannel(conversationID, s.cfg.UserID, s.cfg.DisplayName, s.gw, typing.ChannelConfig{}, s.logger)
	if err := ty.Open(ctx); err != nil {
		eng.Close()
		return nil, fmt.Errorf("open typing: %w", err)
	}

	c := &Conversation{Thread: eng, Typing: ty}
	s.mu.Lock()
	if existing, ok := s.open[conversationID]; ok {
		// Lost the race to another opener; keep theirs.
		s.mu.Unlock()
		ty.Close()
		eng.Close()
		return existing, nil
	}
	s.open[conversationID] = c
	s.mu.Unlock()

	s.logger.Info("conversation opened", zap.String("conversation_id", conversationID))
	return c, nil
}

// CloseConversation releases the handles for one conversation.
func (s *Session) CloseConversation(conversationID string) {
	s.mu.Lock()
	c, ok := s.open[conversationID]
	delete(s.open, conversationID)
	s.mu.Unlock()
	if !ok {
		return
	}
	c.Typing.Close()
	c.Thread.Close()
	s.logger.Info("conversation closed", zap.String("conversation_id", conversationID))
}

// CloseAll releases every open conversation. Called on shutdown.
func (s *Session) CloseAll() {
	s.mu.Lock()
	open := s.open
	s.open = make(map[string]*Conversation)
	s.mu.Unlock()
	for _, c := range open {
		c.Typing.Close()
		c.Thread.Close()
	}
}
