package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultDisconnectTimeout = 3 * time.Second
	feedBuffer               = 64
	contentTypeJSON          = "application/json"
)

// StompDialer speaks STOMP 1.2 over a websocket, which is what a SockJS
// endpoint exposes under its /websocket transport path.
type StompDialer struct {
	Websocket         *websocket.Dialer
	HeartBeat         time.Duration
	DisconnectTimeout time.Duration
	Logger            *zap.Logger
}

func (d StompDialer) Dial(ctx context.Context, endpoint string, creds Credentials) (Link, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
	}
	wsDialer := d.Websocket
	if wsDialer == nil {
		wsDialer = websocket.DefaultDialer
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	header := http.Header{}
	auth := creds.BearerHeader()
	if auth != "" {
		header.Set("Authorization", auth)
	}
	ws, resp, err := wsDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Host(parsed.Hostname()),
		stomp.ConnOpt.HeartBeat(d.HeartBeat, d.HeartBeat),
	}
	if auth != "" {
		opts = append(opts, stomp.ConnOpt.Header("Authorization", auth))
	}

	stream := NewWebsocketStream(ws)
	// stomp.Connect has no context of its own, so a cancelled dial closes the socket under it.
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	conn, err := stomp.Connect(stream, opts...)
	if !stop() {
		if conn != nil {
			_ = conn.MustDisconnect()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		_ = stream.Close()
		return nil, err
	}

	timeout := d.DisconnectTimeout
	if timeout <= 0 {
		timeout = defaultDisconnectTimeout
	}
	return &stompLink{conn: conn, stream: stream, timeout: timeout, logger: logger}, nil
}

type stompLink struct {
	conn    *stomp.Conn
	stream  interface{ Close() error }
	timeout time.Duration
	logger  *zap.Logger
}

func (l *stompLink) Send(destination string, body []byte) error {
	return l.conn.Send(destination, contentTypeJSON, body)
}

func (l *stompLink) Subscribe(destination string) (Feed, error) {
	sub, err := l.conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, err
	}
	feed := &stompFeed{
		sub:     sub,
		frames:  make(chan Frame, feedBuffer),
		timeout: l.timeout,
	}
	go feed.pump()
	return feed, nil
}

func (l *stompLink) Close() error {
	done := make(chan error, 1)
	go func() {
		done <- l.conn.Disconnect()
	}()
	var err error
	select {
	case err = <-done:
	case <-time.After(l.timeout):
		err = errors.New("disconnect receipt timed out")
	}
	_ = l.stream.Close()
	return err
}

type stompFeed struct {
	sub     *stomp.Subscription
	frames  chan Frame
	timeout time.Duration
	once    sync.Once
	err     error
}

func (f *stompFeed) pump() {
	defer close(f.frames)
	for msg := range f.sub.C {
		if msg.Err != nil {
			f.frames <- Frame{Err: msg.Err}
			continue
		}
		f.frames <- Frame{Destination: msg.Destination, Body: msg.Body}
	}
}

func (f *stompFeed) Frames() <-chan Frame {
	return f.frames
}

func (f *stompFeed) Unsubscribe() error {
	f.once.Do(func() {
		if !f.sub.Active() {
			return
		}
		done := make(chan error, 1)
		go func() {
			done <- f.sub.Unsubscribe()
		}()
		select {
		case f.err = <-done:
		case <-time.After(f.timeout):
			f.err = errors.New("unsubscribe receipt timed out")
		}
	})
	return f.err
}
