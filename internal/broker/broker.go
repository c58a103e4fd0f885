package broker

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"meetchat/internal/auth"
	"meetchat/internal/chat"
	"meetchat/internal/storage"
)

const (
	defaultRateLimitBurst  = 5
	defaultRateLimitWindow = 3 * time.Second
	defaultMaxFrameSize    = 1 << 20
	rateLimitNotice        = "You're sending messages too quickly. Please wait a moment and try again."
)

// MessageStore persists published messages and resolves sender profiles.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg chat.ChatMessage) (chat.ChatMessage, error)
	GetProfile(ctx context.Context, userID int64) (*storage.Profile, error)
}

// Authenticator verifies the bearer token a client presents.
type Authenticator interface {
	Verify(token string) (*auth.Claims, error)
}

type Config struct {
	TopicPrefix        string
	PublishDestination string
	RateLimitBurst     int
	RateLimitWindow    time.Duration
	MaxFrameSize       int64
}

// Broker is a small STOMP 1.2 broker over websockets: clients subscribe to
// room topics and publish to one application destination; every accepted
// message is stored and fanned out to the room topic.
type Broker struct {
	cfg      Config
	store    MessageStore
	auth     Authenticator
	relay    Relay
	logger   *zap.Logger
	metrics  *Metrics
	limiter  *RateLimiter
	hub      *Hub
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*conn]struct{}
	presence *presence
	closed   bool
}

// New builds a broker. store and relay may be nil.
func New(cfg Config, store MessageStore, authenticator Authenticator, relay Relay, logger *zap.Logger) (*Broker, error) {
	if authenticator == nil {
		return nil, errors.New("broker: authenticator is required")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = chat.DefaultTopicPrefix
	}
	if !strings.HasSuffix(cfg.TopicPrefix, "/") {
		cfg.TopicPrefix += "/"
	}
	if cfg.PublishDestination == "" {
		cfg.PublishDestination = chat.DefaultPublishDestination
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = defaultRateLimitWindow
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = defaultMaxFrameSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		cfg:     cfg,
		store:   store,
		auth:    authenticator,
		relay:   relay,
		logger:  logger,
		metrics: NewMetrics(),
		limiter: NewRateLimiter(cfg.RateLimitBurst, cfg.RateLimitWindow),
		hub:     NewHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{"v12.stomp", "v11.stomp", "v10.stomp"},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns:    make(map[*conn]struct{}),
		presence: newPresence(),
	}, nil
}

func (b *Broker) Metrics() *Metrics { return b.metrics }
func (b *Broker) Hub() *Hub         { return b.hub }

// TopicForRoom is the destination subscribers of roomID listen on.
func (b *Broker) TopicForRoom(roomID int64) string {
	return b.cfg.TopicPrefix + strconv.FormatInt(roomID, 10)
}

func (b *Broker) roomForTopic(destination string) (int64, bool) {
	raw, ok := strings.CutPrefix(destination, b.cfg.TopicPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	return id, err == nil && id > 0
}

// ServeHTTP upgrades the request and speaks STOMP on the socket. A bearer
// token on the upgrade request is checked up front; otherwise the CONNECT
// frame must carry one.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var claims *auth.Claims
	if header := r.Header.Get("Authorization"); header != "" {
		verified, err := b.auth.Verify(header)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		claims = verified
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := newConn(b, ws, claims)
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	b.metrics.IncConn()

	go c.writePump()
	go c.readPump()
}

func (b *Broker) forget(c *conn) {
	b.hub.drop(c)
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
	if c.connected && b.presence.leave(c.claims.UserIdx) {
		b.limiter.Forget(c.claims.UserIdx)
		b.metrics.SetOnlineUsers(b.presence.users())
	}
	b.metrics.DecConn()
}

// trackUser counts the connected sessions of one user.
func (b *Broker) trackUser(userID int64) {
	if b.presence.join(userID) {
		b.metrics.SetOnlineUsers(b.presence.users())
	}
}

// Online reports whether userID has at least one connected session.
func (b *Broker) Online(userID int64) bool {
	return b.presence.online(userID)
}

// Run drives the relay listener until ctx is done. Without a relay it just
// waits.
func (b *Broker) Run(ctx context.Context) error {
	if b.relay == nil {
		<-ctx.Done()
		return nil
	}
	return b.relay.Run(ctx, func(roomID int64, payload []byte) {
		b.metrics.AddDelivered(b.hub.deliver(b.TopicForRoom(roomID), payload))
	})
}

// Close disconnects every client.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.shutdown()
	}
	return nil
}

// publish stamps, stores and fans out one SEND body from c.
func (b *Broker) publish(ctx context.Context, c *conn, body []byte) error {
	msg, err := chat.DecodeMessage(body)
	if err != nil {
		return err
	}
	if !b.limiter.Allow(c.claims.UserIdx) {
		b.metrics.IncRateLimited()
		b.notifyRateLimit(c, msg.RoomID)
		return nil
	}

	// the server, not the client, decides who sent a message
	msg.MessageID = 0
	msg.SenderID = c.claims.UserIdx
	msg.SenderName = c.claims.Name
	msg.SenderAvatarURL = c.claims.AvatarURL
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	if b.store != nil {
		if profile, err := b.store.GetProfile(ctx, msg.SenderID); err != nil {
			b.logger.Warn("profile lookup failed", zap.Int64("user_id", msg.SenderID), zap.Error(err))
		} else if profile != nil {
			msg.SenderName = firstNonEmpty(profile.Name, msg.SenderName)
			msg.SenderAvatarURL = firstNonEmpty(profile.AvatarURL, msg.SenderAvatarURL)
		}
		stored, err := b.store.AppendMessage(ctx, msg)
		if err != nil {
			return err
		}
		msg = stored
	}

	payload, err := chat.EncodeMessage(msg)
	if err != nil {
		return err
	}
	b.metrics.IncPublished()
	if b.relay != nil {
		err := b.relay.Publish(ctx, msg.RoomID, payload)
		if err == nil {
			return nil
		}
		b.logger.Warn("relay publish failed, delivering locally", zap.Int64("room_id", msg.RoomID), zap.Error(err))
	}
	b.metrics.AddDelivered(b.hub.deliver(b.TopicForRoom(msg.RoomID), payload))
	return nil
}

// notifyRateLimit tells only the offending connection, on its own room topic.
func (b *Broker) notifyRateLimit(c *conn, roomID int64) {
	if roomID <= 0 {
		return
	}
	notice := chat.ChatMessage{
		RoomID:     roomID,
		SenderName: "system",
		Content:    rateLimitNotice,
		Type:       chat.MessageText,
		CreatedAt:  time.Now().UTC(),
	}
	payload, err := chat.EncodeMessage(notice)
	if err != nil {
		return
	}
	c.deliverOwn(b.TopicForRoom(roomID), payload)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
