package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeFeed struct {
	destination string
	frames      chan Frame

	mu           sync.Mutex
	closed       bool
	unsubscribes int
}

func newFakeFeed(destination string) *fakeFeed {
	return &fakeFeed{destination: destination, frames: make(chan Frame, 32)}
}

func (f *fakeFeed) Frames() <-chan Frame { return f.frames }

func (f *fakeFeed) Unsubscribe() error {
	f.mu.Lock()
	f.unsubscribes++
	f.mu.Unlock()
	f.shut()
	return nil
}

func (f *fakeFeed) shut() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.frames)
	}
}

// push delivers a frame unless the feed has ended.
func (f *fakeFeed) push(frame Frame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.frames <- frame
	return true
}

func (f *fakeFeed) unsubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribes
}

type sentFrame struct {
	destination string
	body        []byte
}

type fakeLink struct {
	mu           sync.Mutex
	sent         []sentFrame
	feeds        map[string]*fakeFeed
	subscribeErr error
	sendErr      error
	closes       int
}

func newFakeLink() *fakeLink {
	return &fakeLink{feeds: make(map[string]*fakeFeed)}
}

func (l *fakeLink) Send(destination string, body []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, sentFrame{destination: destination, body: append([]byte(nil), body...)})
	return nil
}

func (l *fakeLink) Subscribe(destination string) (Feed, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subscribeErr != nil {
		return nil, l.subscribeErr
	}
	feed := newFakeFeed(destination)
	l.feeds[destination] = feed
	return feed, nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closes++
	feeds := make([]*fakeFeed, 0, len(l.feeds))
	for _, feed := range l.feeds {
		feeds = append(feeds, feed)
	}
	l.mu.Unlock()
	for _, feed := range feeds {
		feed.shut()
	}
	return nil
}

func (l *fakeLink) feed(destination string) *fakeFeed {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.feeds[destination]
}

func (l *fakeLink) sentFrames() []sentFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sentFrame(nil), l.sent...)
}

func (l *fakeLink) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

type fakeDialer struct {
	mu           sync.Mutex
	err          error
	block        chan struct{}
	subscribeErr error
	links        []*fakeLink
	creds        []Credentials
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string, creds Credentials) (Link, error) {
	d.mu.Lock()
	block := d.block
	d.creds = append(d.creds, creds)
	d.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	link := newFakeLink()
	link.subscribeErr = d.subscribeErr
	d.links = append(d.links, link)
	return link, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.creds)
}

func (d *fakeDialer) lastCredentials() Credentials {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.creds) == 0 {
		return Credentials{}
	}
	return d.creds[len(d.creds)-1]
}

func (d *fakeDialer) link(i int) *fakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.links) {
		return nil
	}
	return d.links[i]
}

func (d *fakeDialer) allLinks() []*fakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeLink(nil), d.links...)
}

// fakeHistory serves canned history per room. A room with a gate blocks until
// the gate is closed.
type fakeHistory struct {
	mu       sync.Mutex
	messages map[int64][]ChatMessage
	gates    map[int64]chan struct{}
	err      error
	calls    int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{messages: make(map[int64][]ChatMessage), gates: make(map[int64]chan struct{})}
}

func (h *fakeHistory) gate(roomID int64) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	gate := make(chan struct{})
	h.gates[roomID] = gate
	return gate
}

func (h *fakeHistory) LoadHistory(ctx context.Context, roomID int64) ([]ChatMessage, error) {
	h.mu.Lock()
	h.calls++
	gate := h.gates[roomID]
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	return append([]ChatMessage(nil), h.messages[roomID]...), nil
}

type fakeUploader struct {
	mu    sync.Mutex
	url   string
	err   error
	files []Attachment
}

func (u *fakeUploader) Upload(_ context.Context, file Attachment) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.files = append(u.files, file)
	if u.err != nil {
		return "", u.err
	}
	return u.url, nil
}

func (u *fakeUploader) uploads() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.files)
}

type fakeSender struct {
	roomID int64
	ready  bool
	err    error
	sent   []ChatMessage
}

func (s *fakeSender) RoomID() int64 { return s.roomID }
func (s *fakeSender) Ready() bool   { return s.ready }

func (s *fakeSender) Send(_ context.Context, msg ChatMessage) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

var errNetwork = errors.New("dial tcp: connection refused")

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
