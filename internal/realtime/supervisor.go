package realtime

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/telex-im/telex/internal/bus"
	"go.uber.org/zap"
)

// SupervisorConfig tunes the reconnection behavior. The zero value gets
// production defaults; tests shrink the delays.
type SupervisorConfig struct {
	// ReconnectDelays is the backoff schedule between attempts. An attempt
	// past the end of the slice reuses the last delay.
	ReconnectDelays []time.Duration
	// MaxAttempts caps consecutive failed attempts before FAILED.
	MaxAttempts int
	// BannerDelay is how long a drop must persist before the state shows
	// RECONNECTING, so a one-off blip never flashes a banner.
	BannerDelay time.Duration
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if len(c.ReconnectDelays) == 0 {
		c.ReconnectDelays = []time.Duration{
			1 * time.Second, 2 * time.Second, 4 * time.Second,
			8 * time.Second, 16 * time.Second,
		}
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.BannerDelay == 0 {
		c.BannerDelay = 3 * time.Second
	}
	return c
}

// Supervisor owns the lifecycle of one logical subscription: it performs
// the initial handshake, watches for drops, reconnects on an exponential
// backoff schedule, and publishes a resync signal after every successful
// (re)subscription so engines can gap-fill.
type Supervisor struct {
	channel   string
	subscribe func(ctx context.Context) error
	cfg       SupervisorConfig
	bus       *bus.Bus
	logger    *zap.Logger

	mu          sync.Mutex
	state       ConnState
	attempts    int
	retrying    bool
	bannerTimer *time.Timer
	retryTimer  *time.Timer
	disposed    bool
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewSupervisor creates a supervisor for the named logical channel.
// subscribe performs the (re)subscription handshake; it is never called
// concurrently with itself.
func NewSupervisor(channel string, subscribe func(ctx context.Context) error, cfg SupervisorConfig, b *bus.Bus, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		channel:   channel,
		subscribe: subscribe,
		cfg:       cfg.withDefaults(),
		bus:       b,
		logger:    logger,
		state:     StateDisconnected,
	}
}

// Start performs the initial subscription. A failed handshake is treated
// like a drop: the backoff schedule begins immediately and Start returns
// nil so the caller keeps running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	if err := s.subscribe(runCtx); err != nil {
		s.logger.Warn("initial subscribe failed",
			zap.String("channel", s.channel), zap.Error(err))
		s.mu.Lock()
		s.scheduleBannerLocked()
		s.scheduleRetryLocked()
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	s.transitionLocked(StateConnected)
	s.mu.Unlock()
	s.publishResync()
	return nil
}

// OnDrop is invoked by the transport when the subscription is lost
// (explicit close or transport timeout). Safe to call repeatedly.
func (s *Supervisor) OnDrop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || s.state == StateFailed {
		return
	}
	if s.state == StateConnected {
		s.transitionLocked(StateDisconnected)
	}
	s.scheduleBannerLocked()
	s.scheduleRetryLocked()
}

// State returns the current connection state.
func (s *Supervisor) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close cancels pending timers and stops all reconnection activity.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	s.stopTimersLocked()
	if s.cancel != nil {
		s.cancel()
	}
}

// scheduleBannerLocked arms the delayed DISCONNECTED → RECONNECTING
// transition unless one is already pending.
func (s *Supervisor) scheduleBannerLocked() {
	if s.bannerTimer != nil {
		return
	}
	s.bannerTimer = time.AfterFunc(s.cfg.BannerDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.bannerTimer = nil
		if s.disposed || s.state != StateDisconnected {
			return
		}
		s.transitionLocked(StateReconnecting)
	})
}

// scheduleRetryLocked arms the next reconnection attempt. The retrying
// guard serializes attempts: a second drop while one is pending is a
// no-op.
func (s *Supervisor) scheduleRetryLocked() {
	if s.retrying {
		return
	}
	if s.attempts >= s.cfg.MaxAttempts {
		s.transitionLocked(StateFailed)
		s.stopTimersLocked()
		s.logger.Error("reconnect attempts exhausted",
			zap.String("channel", s.channel), zap.Int("attempts", s.attempts))
		return
	}
	delay := s.cfg.ReconnectDelays[min(s.attempts, len(s.cfg.ReconnectDelays)-1)]
	s.attempts++
	s.retrying = true
	s.retryTimer = time.AfterFunc(delay, s.attempt)
}

func (s *Supervisor) attempt() {
	s.mu.Lock()
	if s.disposed || s.state == StateFailed {
		s.retrying = false
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	attempt := s.attempts
	s.mu.Unlock()

	err := s.subscribe(ctx)

	s.mu.Lock()
	s.retrying = false
	if s.disposed {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.logger.Warn("reconnect attempt failed",
			zap.String("channel", s.channel), zap.Int("attempt", attempt), zap.Error(err))
		s.scheduleRetryLocked()
		s.mu.Unlock()
		return
	}

	s.attempts = 0
	if s.bannerTimer != nil {
		s.bannerTimer.Stop()
		s.bannerTimer = nil
	}
	s.transitionLocked(StateConnected)
	s.mu.Unlock()

	s.logger.Info("resubscribed", zap.String("channel", s.channel))
	s.publishResync()
}

func (s *Supervisor) stopTimersLocked() {
	if s.bannerTimer != nil {
		s.bannerTimer.Stop()
		s.bannerTimer = nil
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

// transitionLocked moves to a new state if the transition table allows it
// and publishes the change. Invalid transitions are ignored.
func (s *Supervisor) transitionLocked(to ConnState) {
	if !slices.Contains(validTransitions[s.state], to) {
		return
	}
	from := s.state
	s.state = to
	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Kind:      "connection.state_changed",
			Timestamp: time.Now(),
			Payload:   StateChange{Channel: s.channel, From: from, To: to},
		})
	}
}

func (s *Supervisor) publishResync() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      "connection.resync",
		Timestamp: time.Now(),
		Payload:   s.channel,
	})
}
