package broker

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"meetchat/internal/auth"
	"meetchat/internal/chat"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	sendBuffer  = 256
	publishWait = 5 * time.Second
)

// conn is one STOMP client connection.
type conn struct {
	id     string
	broker *Broker
	ws     *websocket.Conn
	stream io.ReadWriteCloser
	logger *zap.Logger

	claims    *auth.Claims
	connected bool

	mu     sync.Mutex
	send   chan *frame.Frame
	closed bool
	subs   map[string]string // subscription id -> destination

	done     chan struct{}
	doneOnce sync.Once
}

func newConn(b *Broker, ws *websocket.Conn, claims *auth.Claims) *conn {
	id := uuid.NewString()
	return &conn{
		id:     id,
		broker: b,
		ws:     ws,
		stream: chat.NewWebsocketStream(ws),
		logger: b.logger.With(zap.String("session", id)),
		claims: claims,
		send:   make(chan *frame.Frame, sendBuffer),
		subs:   make(map[string]string),
		done:   make(chan struct{}),
	}
}

func (c *conn) readPump() {
	defer func() {
		c.closeSend()
		c.broker.forget(c)
	}()
	c.ws.SetReadLimit(c.broker.cfg.MaxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	reader := frame.NewReader(c.stream)
	for {
		f, err := reader.Read()
		if err != nil {
			// read error ends the loop so the deferred cleanup can fire
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if f == nil {
			continue
		}
		if !c.dispatch(f) {
			return
		}
	}
}

// dispatch handles one client frame and reports whether to keep reading.
func (c *conn) dispatch(f *frame.Frame) bool {
	if !c.connected {
		switch f.Command {
		case frame.CONNECT, frame.STOMP:
			return c.handleConnect(f)
		default:
			c.fail(f, "not connected")
			return false
		}
	}

	switch f.Command {
	case frame.SUBSCRIBE:
		return c.handleSubscribe(f)
	case frame.UNSUBSCRIBE:
		return c.handleUnsubscribe(f)
	case frame.SEND:
		return c.handleSend(f)
	case frame.DISCONNECT:
		c.receipt(f)
		return false
	case frame.ACK, frame.NACK, frame.BEGIN, frame.COMMIT, frame.ABORT:
		// auto-ack topics without transactions: accept and ignore
		c.receipt(f)
		return true
	default:
		c.fail(f, "unsupported command "+f.Command)
		return false
	}
}

func (c *conn) handleConnect(f *frame.Frame) bool {
	if c.claims == nil {
		token := f.Header.Get("Authorization")
		if token == "" {
			token = f.Header.Get("passcode")
		}
		claims, err := c.broker.auth.Verify(token)
		if err != nil {
			c.logger.Info("stomp connect rejected", zap.Error(err))
			c.fail(f, "unauthorized")
			return false
		}
		c.claims = claims
	}
	c.connected = true
	c.broker.trackUser(c.claims.UserIdx)
	c.mu.Lock()
	c.logger = c.logger.With(zap.Int64("user_id", c.claims.UserIdx))
	c.mu.Unlock()
	c.enqueue(frame.New(frame.CONNECTED,
		"version", negotiateVersion(f.Header.Get("accept-version")),
		"heart-beat", "0,0",
		"session", c.id,
		"server", "meetchat",
	))
	c.logger.Debug("stomp connected")
	return true
}

func (c *conn) handleSubscribe(f *frame.Frame) bool {
	id := f.Header.Get("id")
	destination := f.Header.Get("destination")
	if id == "" {
		c.fail(f, "missing subscription id")
		return false
	}
	if _, ok := c.broker.roomForTopic(destination); !ok {
		c.fail(f, "unknown destination "+destination)
		return false
	}
	c.mu.Lock()
	c.subs[id] = destination
	c.mu.Unlock()
	c.broker.hub.subscribe(destination, c, id)
	c.logger.Debug("subscribed", zap.String("destination", destination), zap.String("id", id))
	c.receipt(f)
	return true
}

func (c *conn) handleUnsubscribe(f *frame.Frame) bool {
	id := f.Header.Get("id")
	c.mu.Lock()
	destination, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		c.broker.hub.unsubscribe(destination, c, id)
	}
	c.receipt(f)
	return true
}

func (c *conn) handleSend(f *frame.Frame) bool {
	destination := f.Header.Get("destination")
	if destination != c.broker.cfg.PublishDestination {
		c.fail(f, "cannot send to "+destination)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishWait)
	defer cancel()
	if err := c.broker.publish(ctx, c, f.Body); err != nil {
		// a bad message is dropped; the connection stays usable
		c.broker.metrics.IncRejected()
		c.logger.Warn("message rejected", zap.Error(err))
	}
	c.receipt(f)
	return true
}

func (c *conn) receipt(f *frame.Frame) {
	if id := f.Header.Get("receipt"); id != "" {
		c.enqueue(frame.New(frame.RECEIPT, "receipt-id", id))
	}
}

// fail sends an ERROR frame; the connection is closed after it is written.
func (c *conn) fail(f *frame.Frame, reason string) {
	headers := []string{"message", reason, "content-type", "text/plain"}
	if id := f.Header.Get("receipt"); id != "" {
		headers = append(headers, "receipt-id", id)
	}
	errFrame := frame.New(frame.ERROR, headers...)
	errFrame.Body = []byte(reason)
	c.enqueue(errFrame)
}

// message queues a MESSAGE frame for subscription id. It reports false when
// the connection is gone or too slow.
func (c *conn) message(destination, id string, payload []byte) bool {
	f := frame.New(frame.MESSAGE,
		"destination", destination,
		"subscription", id,
		"message-id", uuid.NewString(),
		"content-type", "application/json",
	)
	f.Body = payload
	return c.enqueue(f)
}

// deliverOwn sends payload to this connection's subscriptions on destination only.
func (c *conn) deliverOwn(destination string, payload []byte) {
	c.mu.Lock()
	ids := make([]string, 0, 1)
	for id, dest := range c.subs {
		if dest == destination {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.message(destination, id, payload)
	}
}

func (c *conn) enqueue(f *frame.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		// a client that cannot keep up is disconnected
		c.logger.Warn("send buffer full, dropping connection")
		c.closed = true
		close(c.send)
		return false
	}
}

func (c *conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// shutdown closes the socket from outside the pumps.
func (c *conn) shutdown() {
	c.closeSend()
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.stream.Close()
	}()
	var buf bytes.Buffer
	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				return
			}
			buf.Reset()
			if len(f.Body) > 0 && f.Header.Get("content-length") == "" {
				f.Header.Set("content-length", strconv.Itoa(len(f.Body)))
			}
			if err := frame.NewWriter(&buf).Write(f); err != nil {
				c.logger.Warn("encode frame", zap.Error(err))
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			// one frame per websocket message
			if _, err := c.stream.Write(buf.Bytes()); err != nil {
				return
			}
			if f.Command == frame.ERROR {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func negotiateVersion(accept string) string {
	if accept == "" {
		return "1.0"
	}
	versions := strings.Split(accept, ",")
	for _, want := range []string{"1.2", "1.1", "1.0"} {
		for _, v := range versions {
			if strings.TrimSpace(v) == want {
				return want
			}
		}
	}
	return "1.2"
}
