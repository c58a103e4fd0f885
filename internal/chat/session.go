package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultPublishDestination = "/app/message"

// Phase is the lifecycle position of a room session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoadingHistory
	PhaseConnecting
	PhaseSubscribed
	PhaseReady
	PhaseClosing
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoadingHistory:
		return "loading history"
	case PhaseConnecting:
		return "connecting"
	case PhaseSubscribed:
		return "subscribed"
	case PhaseReady:
		return "ready"
	case PhaseClosing:
		return "closing"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

type EventKind int

const (
	// EventPhase reports a phase change. Err is set when the phase is Failed.
	EventPhase EventKind = iota + 1
	// EventMessages reports that the visible message log changed.
	EventMessages
)

type Event struct {
	RoomID int64
	Kind   EventKind
	Phase  Phase
	Err    error
}

// Observer receives the events of the controller's current session. It is
// called from session goroutines and must not call back into the Controller.
type Observer func(Event)

type ControllerConfig struct {
	Endpoint           string
	TopicPrefix        string
	PublishDestination string
	InlineLimit        int64
	Dialer             Dialer
	History            HistorySource
	Uploader           Uploader
	Credentials        CredentialProvider
	Observer           Observer
	Logger             *zap.Logger
	Now                func() time.Time
}

// Controller runs at most one room session at a time. Open and Close are the
// hooks a host view binds to its mount and unmount.
type Controller struct {
	cfg    ControllerConfig
	logger *zap.Logger

	// openMu serializes Open so closing the previous session and installing
	// the next one happen as one step.
	openMu sync.Mutex

	mu      sync.Mutex
	current *Session
	seq     uint64
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	switch {
	case cfg.Endpoint == "":
		return nil, errors.New("chat: endpoint is required")
	case cfg.Dialer == nil:
		return nil, errors.New("chat: dialer is required")
	case cfg.History == nil:
		return nil, errors.New("chat: history source is required")
	case cfg.Credentials == nil:
		return nil, errors.New("chat: credential provider is required")
	}
	if cfg.PublishDestination == "" {
		cfg.PublishDestination = DefaultPublishDestination
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Controller{cfg: cfg, logger: cfg.Logger}, nil
}

// Open starts a session for roomID, closing the current one first. It returns
// immediately; progress is reported through the session phase and the
// observer.
func (c *Controller) Open(ctx context.Context, roomID int64) (*Session, error) {
	if roomID <= 0 {
		return nil, errors.New("chat: room id must be positive")
	}

	c.openMu.Lock()
	defer c.openMu.Unlock()

	c.mu.Lock()
	previous := c.current
	c.current = nil
	c.seq++
	id := c.seq
	c.mu.Unlock()
	if previous != nil {
		_ = previous.close()
	}

	s := c.newSession(ctx, id, roomID)
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()

	go s.run()
	return s, nil
}

// Close tears the session down: unsubscribe, then disconnect. It may be called
// in any phase and more than once.
func (c *Controller) Close(s *Session) error {
	if s == nil {
		return nil
	}
	err := s.close()
	c.mu.Lock()
	if c.current == s {
		c.current = nil
	}
	c.mu.Unlock()
	return err
}

// Current returns the live session, or nil.
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Retry reopens the room of the current session.
func (c *Controller) Retry(ctx context.Context) (*Session, error) {
	current := c.Current()
	if current == nil {
		return nil, errors.New("chat: no room to retry")
	}
	return c.Open(ctx, current.roomID)
}

func (c *Controller) Shutdown() error {
	return c.Close(c.Current())
}

func (c *Controller) isCurrent(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == s
}

func (c *Controller) newSession(ctx context.Context, id uint64, roomID int64) *Session {
	logger := c.logger.With(zap.Int64("room_id", roomID), zap.Uint64("session", id))
	transport := NewTransport(c.cfg.Endpoint, c.cfg.Dialer, c.cfg.Credentials, logger)
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		id:          id,
		roomID:      roomID,
		ctrl:        c,
		ctx:         sessionCtx,
		cancel:      cancel,
		transport:   transport,
		subs:        NewSubscriptionManager(transport, c.cfg.TopicPrefix, logger),
		history:     c.cfg.History,
		store:       NewStore(roomID),
		publishDest: c.cfg.PublishDestination,
		observer:    c.cfg.Observer,
		logger:      logger,
		settled:     make(chan struct{}),
	}
	s.composer = NewComposer(ComposerConfig{
		RoomID:      roomID,
		Credentials: c.cfg.Credentials,
		Uploader:    c.cfg.Uploader,
		InlineLimit: c.cfg.InlineLimit,
		Now:         c.cfg.Now,
		Logger:      logger,
	})
	return s
}

// Session is the state of one mounted room.
type Session struct {
	id          uint64
	roomID      int64
	ctrl        *Controller
	ctx         context.Context
	cancel      context.CancelFunc
	transport   *Transport
	subs        *SubscriptionManager
	history     HistorySource
	store       *Store
	composer    *Composer
	publishDest string
	observer    Observer
	logger      *zap.Logger

	mu        sync.Mutex
	phase     Phase
	err       error
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	settled   chan struct{}
}

func (s *Session) run() {
	defer close(s.settled)
	s.advance(PhaseLoadingHistory)

	g, ctx := errgroup.WithContext(s.ctx)
	var (
		stateMu    sync.Mutex
		seeded     bool
		subscribed bool
	)
	g.Go(func() error {
		history, err := s.history.LoadHistory(ctx, s.roomID)
		if err != nil {
			if KindOf(err) != KindFetch {
				err = newError(KindFetch, "load history", s.roomID, err)
			}
			return err
		}
		if !s.live() {
			return nil
		}
		s.store.Seed(history)
		s.emit(Event{Kind: EventMessages})

		stateMu.Lock()
		seeded = true
		waiting := !subscribed
		stateMu.Unlock()
		if waiting {
			s.advance(PhaseConnecting)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.transport.Connect(ctx, s.connectionLost); err != nil {
			return err
		}
		if !s.live() {
			_ = s.transport.Disconnect()
			return nil
		}
		// attach right away so frames that beat the history are buffered
		if _, err := s.subs.Subscribe(s.roomID, s.deliver); err != nil {
			return err
		}
		stateMu.Lock()
		subscribed = true
		stateMu.Unlock()
		return nil
	})

	if err := g.Wait(); err != nil {
		if s.live() {
			s.fail(err)
		}
		return
	}
	if !s.live() {
		return
	}
	stateMu.Lock()
	both := seeded && subscribed
	stateMu.Unlock()
	if !both {
		return
	}
	s.advance(PhaseSubscribed)
	// a completed subscribe is the acknowledgment: sending is enabled now
	s.advance(PhaseReady)
}

func (s *Session) deliver(msg ChatMessage) {
	// a failed session never seeds, so nothing is buffered for it
	if !s.live() || s.Phase() == PhaseFailed {
		return
	}
	visible, err := s.store.Append(msg)
	if err != nil {
		s.logger.Warn("dropping message", zap.Error(err))
		return
	}
	if visible {
		s.emit(Event{Kind: EventMessages})
	}
}

func (s *Session) connectionLost(err error) {
	if !s.live() {
		return
	}
	s.fail(newError(KindConnect, "connection lost", s.roomID, err))
}

// live reports whether results may still be applied to this session.
func (s *Session) live() bool {
	return !s.closed.Load() && s.ctx.Err() == nil && s.ctrl.isCurrent(s)
}

// advance moves the phase forward. It never leaves Failed or Closing and does
// nothing once the session is closed.
func (s *Session) advance(next Phase) {
	s.mu.Lock()
	if s.closed.Load() || s.phase == PhaseFailed || s.phase == PhaseClosing || next <= s.phase {
		s.mu.Unlock()
		return
	}
	s.phase = next
	s.mu.Unlock()

	s.logger.Debug("session phase", zap.Stringer("phase", next))
	s.emit(Event{Kind: EventPhase, Phase: next})
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.phase == PhaseFailed || s.phase == PhaseClosing || s.closed.Load() {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseFailed
	s.err = err
	s.mu.Unlock()

	s.logger.Warn("session failed", zap.Error(err))
	s.emit(Event{Kind: EventPhase, Phase: PhaseFailed, Err: err})
}

func (s *Session) setPhase(phase Phase) {
	s.mu.Lock()
	s.phase = phase
	s.mu.Unlock()
	s.logger.Debug("session phase", zap.Stringer("phase", phase))
	s.emit(Event{Kind: EventPhase, Phase: phase})
}

func (s *Session) emit(ev Event) {
	if s.observer == nil || !s.ctrl.isCurrent(s) {
		return
	}
	ev.RoomID = s.roomID
	if ev.Kind == EventMessages {
		ev.Phase = s.Phase()
	}
	s.observer(ev)
}

func (s *Session) close() error {
	s.closeOnce.Do(func() {
		s.setPhase(PhaseClosing)
		s.closed.Store(true)
		s.cancel()
		s.closeErr = errors.Join(s.subs.Unsubscribe(), s.transport.Disconnect())
		if s.closeErr != nil {
			s.logger.Debug("session teardown", zap.Error(s.closeErr))
		}
		s.setPhase(PhaseIdle)
	})
	return s.closeErr
}

// Send publishes msg to the broker. It is rejected without touching the
// connection unless the session is Ready.
func (s *Session) Send(ctx context.Context, msg ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return newError(KindSend, "send", s.roomID, err)
	}
	if !s.Ready() {
		return newError(KindSend, "send", s.roomID, ErrNotReady)
	}
	if msg.RoomID != s.roomID {
		return newError(KindSend, "send", s.roomID, ErrRoomMismatch)
	}
	payload, err := EncodeMessage(msg)
	if err != nil {
		return newError(KindCompose, "encode", s.roomID, err)
	}
	if err := s.transport.Send(s.publishDest, payload); err != nil {
		var chatErr *Error
		if errors.As(err, &chatErr) {
			chatErr.RoomID = s.roomID
		}
		return err
	}
	return nil
}

// Submit sends the composer draft of this session.
func (s *Session) Submit(ctx context.Context) (ChatMessage, error) {
	return s.composer.Submit(ctx, s)
}

// Wait blocks until the session reached Ready or Failed, or was closed.
func (s *Session) Wait(ctx context.Context) (Phase, error) {
	select {
	case <-s.settled:
	case <-ctx.Done():
		return s.Phase(), ctx.Err()
	}
	return s.Phase(), s.Err()
}

func (s *Session) Ready() bool {
	return s.Phase() == PhaseReady && !s.closed.Load()
}

func (s *Session) RoomID() int64 { return s.roomID }

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Err returns the fatal error that moved the session to Failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Messages() []ChatMessage { return s.store.Messages() }
func (s *Session) Store() *Store           { return s.store }
func (s *Session) Composer() *Composer     { return s.composer }
