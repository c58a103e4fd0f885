package chat

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Frame is one inbound unit delivered on a subscription. A non-nil Err means
// the connection failed and the feed is about to close.
type Frame struct {
	Destination string
	Body        []byte
	Err         error
}

// Feed is a live binding to one destination on a Link.
type Feed interface {
	// Frames is closed once the binding ends. Consumers must drain it.
	Frames() <-chan Frame
	Unsubscribe() error
}

// Link is an open, authenticated broker connection.
type Link interface {
	Send(destination string, body []byte) error
	Subscribe(destination string) (Feed, error)
	Close() error
}

// Dialer opens Links. StompDialer is the production implementation.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, creds Credentials) (Link, error)
}

type transportState int

const (
	transportIdle transportState = iota
	transportConnecting
	transportOpen
	transportClosed
)

// Transport owns one physical connection to the broker for one room mount.
// A Transport is single use: once disconnected it stays closed.
type Transport struct {
	endpoint    string
	dialer      Dialer
	credentials CredentialProvider
	logger      *zap.Logger

	mu        sync.Mutex
	state     transportState
	link      Link
	onFailure func(error)
	failOnce  sync.Once
}

func NewTransport(endpoint string, dialer Dialer, credentials CredentialProvider, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		endpoint:    endpoint,
		dialer:      dialer,
		credentials: credentials,
		logger:      logger,
	}
}

// Connect dials the broker. Failures after Connect returns are reported once
// through onFailure; nothing is retried here.
func (t *Transport) Connect(ctx context.Context, onFailure func(error)) error {
	t.mu.Lock()
	if t.state != transportIdle {
		t.mu.Unlock()
		return newError(KindConnect, "connect", 0, errors.New("transport already used"))
	}
	t.state = transportConnecting
	t.onFailure = onFailure
	t.mu.Unlock()

	creds, err := t.credentials.Credentials(ctx)
	if err != nil {
		t.abandon()
		return newError(KindConnect, "credentials", 0, err)
	}
	link, err := t.dialer.Dial(ctx, t.endpoint, creds)
	if err != nil {
		t.abandon()
		return newError(KindConnect, "dial "+t.endpoint, 0, err)
	}

	t.mu.Lock()
	if t.state != transportConnecting {
		// disconnected while dialing
		t.mu.Unlock()
		_ = link.Close()
		return newError(KindConnect, "connect", 0, ErrSessionClosed)
	}
	t.link = link
	t.state = transportOpen
	t.mu.Unlock()

	t.logger.Debug("broker connected", zap.String("endpoint", t.endpoint))
	return nil
}

func (t *Transport) abandon() {
	t.mu.Lock()
	t.state = transportClosed
	t.mu.Unlock()
}

// Connected reports whether frames can be sent right now.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == transportOpen
}

// Send publishes payload to destination. It never queues: a closed or never
// opened connection is an immediate send error.
func (t *Transport) Send(destination string, payload []byte) error {
	t.mu.Lock()
	link := t.link
	open := t.state == transportOpen
	t.mu.Unlock()
	if !open || link == nil {
		return newError(KindSend, "send "+destination, 0, ErrNotConnected)
	}
	if err := link.Send(destination, payload); err != nil {
		return newError(KindSend, "send "+destination, 0, err)
	}
	return nil
}

func (t *Transport) subscribe(destination string) (Feed, error) {
	t.mu.Lock()
	link := t.link
	open := t.state == transportOpen
	t.mu.Unlock()
	if !open || link == nil {
		return nil, ErrNotConnected
	}
	return link.Subscribe(destination)
}

// fail reports an asynchronous connection failure to the owner, once.
func (t *Transport) fail(err error) {
	t.mu.Lock()
	open := t.state == transportOpen
	onFailure := t.onFailure
	t.mu.Unlock()
	if !open {
		return
	}
	t.failOnce.Do(func() {
		t.logger.Warn("broker connection lost", zap.String("endpoint", t.endpoint), zap.Error(err))
		if onFailure != nil {
			onFailure(err)
		}
	})
}

// Disconnect closes the connection. It is safe to call any number of times,
// including on a transport that never connected.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.state == transportClosed {
		t.mu.Unlock()
		return nil
	}
	t.state = transportClosed
	link := t.link
	t.link = nil
	t.mu.Unlock()

	if link == nil {
		return nil
	}
	if err := link.Close(); err != nil {
		t.logger.Debug("broker disconnect", zap.Error(err))
		return err
	}
	t.logger.Debug("broker disconnected", zap.String("endpoint", t.endpoint))
	return nil
}
