package chat

import (
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const DefaultTopicPrefix = "/topic/chat/"

// SubscriptionManager binds a Transport to the topic of one room at a time.
type SubscriptionManager struct {
	transport   *Transport
	topicPrefix string
	logger      *zap.Logger

	mu      sync.Mutex
	current *Subscription
}

func NewSubscriptionManager(transport *Transport, topicPrefix string, logger *zap.Logger) *SubscriptionManager {
	if topicPrefix == "" {
		topicPrefix = DefaultTopicPrefix
	}
	if !strings.HasSuffix(topicPrefix, "/") {
		topicPrefix += "/"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriptionManager{transport: transport, topicPrefix: topicPrefix, logger: logger}
}

// TopicForRoom returns the destination carrying the messages of roomID.
func (m *SubscriptionManager) TopicForRoom(roomID int64) string {
	return m.topicPrefix + strconv.FormatInt(roomID, 10)
}

// Subscribe attaches to the room topic. Every well-formed message of the room
// is handed to onMessage in arrival order, from a single goroutine. Any
// previous subscription of this manager is torn down first.
func (m *SubscriptionManager) Subscribe(roomID int64, onMessage func(ChatMessage)) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		if err := m.current.Unsubscribe(); err != nil {
			m.logger.Debug("unsubscribe previous topic", zap.Int64("room_id", m.current.roomID), zap.Error(err))
		}
		m.current = nil
	}

	destination := m.TopicForRoom(roomID)
	feed, err := m.transport.subscribe(destination)
	if err != nil {
		return nil, newError(KindSubscribe, "subscribe "+destination, roomID, err)
	}
	sub := &Subscription{
		roomID:      roomID,
		destination: destination,
		feed:        feed,
		onMessage:   onMessage,
		transport:   m.transport,
		logger:      m.logger.With(zap.Int64("room_id", roomID), zap.String("destination", destination)),
		stopped:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	m.current = sub
	go sub.pump()
	m.logger.Debug("subscribed", zap.Int64("room_id", roomID), zap.String("destination", destination))
	return sub, nil
}

// Unsubscribe tears down the active subscription, if any.
func (m *SubscriptionManager) Unsubscribe() error {
	m.mu.Lock()
	sub := m.current
	m.current = nil
	m.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// Subscription is one live topic binding.
type Subscription struct {
	roomID      int64
	destination string
	feed        Feed
	onMessage   func(ChatMessage)
	transport   *Transport
	logger      *zap.Logger

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
	err      error
}

func (s *Subscription) RoomID() int64       { return s.roomID }
func (s *Subscription) Destination() string { return s.destination }

// Done is closed once the underlying feed has ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) pump() {
	defer close(s.done)
	// The feed must be drained to its end even after Unsubscribe, otherwise
	// the connection's reader can block on a full channel.
	for frame := range s.feed.Frames() {
		if frame.Err != nil {
			if !s.isStopped() {
				s.transport.fail(frame.Err)
			}
			continue
		}
		if s.isStopped() {
			continue
		}
		msg, err := s.decode(frame.Body)
		if err != nil {
			s.logger.Warn("dropping frame", zap.Error(newError(KindDecode, "decode frame", s.roomID, err)))
			continue
		}
		if s.onMessage != nil {
			s.onMessage(msg)
		}
	}
}

func (s *Subscription) decode(body []byte) (ChatMessage, error) {
	msg, err := DecodeMessage(body)
	if err != nil {
		return msg, err
	}
	if msg.RoomID == 0 {
		msg.RoomID = s.roomID
	}
	if msg.RoomID != s.roomID {
		return msg, ErrRoomMismatch
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

func (s *Subscription) isStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

// Unsubscribe stops delivery and releases the topic binding. Repeated calls
// return the result of the first.
func (s *Subscription) Unsubscribe() error {
	s.stopOnce.Do(func() {
		close(s.stopped)
		if err := s.feed.Unsubscribe(); err != nil {
			s.err = newError(KindSubscribe, "unsubscribe "+s.destination, s.roomID, err)
		}
	})
	return s.err
}
