package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const testEndpoint = "ws://chat.test/api/ws/chat/websocket"

func newTestController(t *testing.T, dialer *fakeDialer, history *fakeHistory, uploader Uploader, events *eventLog) *Controller {
	t.Helper()
	cfg := ControllerConfig{
		Endpoint:    testEndpoint,
		Dialer:      dialer,
		History:     history,
		Credentials: StaticCredentials{Token: "tok", UserID: 7},
		Now:         func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) },
	}
	if uploader != nil {
		cfg.Uploader = uploader
	}
	if events != nil {
		cfg.Observer = events.observe
	}
	ctrl, err := NewController(cfg)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Shutdown() })
	return ctrl
}

func waitSettled(t *testing.T, s *Session) Phase {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	phase, _ := s.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatalf("session for room %d did not settle, phase %s", s.RoomID(), s.Phase())
	}
	return phase
}

func TestSessionEchoAppearsOnce(t *testing.T) {
	dialer := &fakeDialer{}
	ctrl := newTestController(t, dialer, newFakeHistory(), nil, nil)

	s, err := ctrl.Open(context.Background(), 42)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if phase := waitSettled(t, s); phase != PhaseReady {
		t.Fatalf("expected ready, got %s (%v)", phase, s.Err())
	}
	if got := dialer.lastCredentials().Token; got != "tok" {
		t.Fatalf("expected credentials to reach the dialer, got %q", got)
	}

	s.Composer().SetText("hi")
	if _, err := s.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	link := dialer.link(0)
	sent := link.sentFrames()
	if len(sent) != 1 || sent[0].destination != DefaultPublishDestination {
		t.Fatalf("expected one publish to %s, got %+v", DefaultPublishDestination, sent)
	}
	if s.Composer().Text() != "" {
		t.Fatal("expected draft to be cleared after a successful send")
	}
	if s.Store().Len() != 0 {
		t.Fatal("own message must not be appended before the echo")
	}

	feed := link.feed("/topic/chat/42")
	if feed == nil {
		t.Fatal("expected a subscription on /topic/chat/42")
	}
	feed.push(Frame{Destination: "/topic/chat/42", Body: []byte(`{"room_idx":42,"sender_idx":7,"content":"hi","message_type":"text"}`)})
	waitFor(t, "echo", func() bool { return s.Store().Len() == 1 })

	got := s.Messages()[0]
	want := ChatMessage{RoomID: 42, SenderID: 7, Content: "hi", Type: MessageText}
	if got.RoomID != want.RoomID || got.SenderID != want.SenderID || got.Content != want.Content || got.Type != want.Type || got.FileRef != nil {
		t.Fatalf("unexpected message %+v", got)
	}

	// the same echo delivered twice stays a single entry
	feed.push(Frame{Destination: "/topic/chat/42", Body: []byte(`{"room_idx":42,"sender_idx":7,"content":"hi","message_type":"text"}`)})
	feed.push(Frame{Destination: "/topic/chat/42", Body: []byte(`{"room_idx":42,"sender_idx":8,"content":"marker","message_type":"text"}`)})
	waitFor(t, "marker", func() bool { return s.Store().Len() == 2 })
	if msgs := s.Messages(); msgs[1].Content != "marker" {
		t.Fatalf("expected duplicate echo to be skipped, got %+v", msgs)
	}
}

func TestSessionConnectFailure(t *testing.T) {
	dialer := &fakeDialer{err: errNetwork}
	uploader := &fakeUploader{url: "https://cdn/x"}
	events := &eventLog{}
	ctrl := newTestController(t, dialer, newFakeHistory(), uploader, events)

	s, err := ctrl.Open(context.Background(), 5)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if phase := waitSettled(t, s); phase != PhaseFailed {
		t.Fatalf("expected failed, got %s", phase)
	}
	if !IsKind(s.Err(), KindConnect) || !errors.Is(s.Err(), errNetwork) {
		t.Fatalf("expected connect error wrapping the network error, got %v", s.Err())
	}

	err = s.Send(context.Background(), ChatMessage{RoomID: 5, SenderID: 7, Content: "x", Type: MessageText})
	if !IsKind(err, KindSend) || !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected send error, got %v", err)
	}

	s.Composer().SetText("hello")
	s.Composer().Stage(Attachment{Name: "big.bin", Data: make([]byte, DefaultInlineLimit+1)})
	if _, err := s.Submit(context.Background()); !IsKind(err, KindSend) {
		t.Fatalf("expected send error from submit, got %v", err)
	}
	if uploader.uploads() != 0 {
		t.Fatal("submit on a failed session must not upload")
	}
	if s.Composer().Text() != "hello" {
		t.Fatal("draft must survive a rejected send")
	}

	var failed bool
	for _, ev := range events.all() {
		if ev.Kind == EventPhase && ev.Phase == PhaseFailed {
			failed = ev.Err != nil && ev.RoomID == 5
		}
	}
	if !failed {
		t.Fatalf("expected a failed event for room 5, got %+v", events.all())
	}

	if err := ctrl.Close(s); err != nil {
		t.Fatalf("Close after failure: %v", err)
	}
	if s.Phase() != PhaseIdle {
		t.Fatalf("expected idle after close, got %s", s.Phase())
	}
}

func TestSessionHistoryFailure(t *testing.T) {
	dialer := &fakeDialer{}
	history := newFakeHistory()
	history.err = errors.New("boom")
	ctrl := newTestController(t, dialer, history, nil, nil)

	s, _ := ctrl.Open(context.Background(), 3)
	if phase := waitSettled(t, s); phase != PhaseFailed {
		t.Fatalf("expected failed, got %s", phase)
	}
	if !IsKind(s.Err(), KindFetch) {
		t.Fatalf("expected fetch error, got %v", s.Err())
	}
	if s.Store().Len() != 0 {
		t.Fatal("no partial history after a failed fetch")
	}
}

func TestSessionDropsFramesAfterHistoryFailure(t *testing.T) {
	dialer := &fakeDialer{}
	history := newFakeHistory()
	gate := history.gate(6)
	ctrl := newTestController(t, dialer, history, nil, nil)

	s, _ := ctrl.Open(context.Background(), 6)
	waitFor(t, "subscription", func() bool {
		link := dialer.link(0)
		return link != nil && link.feed("/topic/chat/6") != nil
	})
	dialer.link(0).feed("/topic/chat/6").push(Frame{Body: []byte(`{"room_idx":6,"sender_idx":3,"content":"early","message_type":"text","created_at":"2024-05-01T10:00:03"}`)})
	waitFor(t, "buffered frame", func() bool { return s.Store().Pending() == 1 })

	history.mu.Lock()
	history.err = errors.New("boom")
	history.mu.Unlock()
	close(gate)
	if phase := waitSettled(t, s); phase != PhaseFailed {
		t.Fatalf("expected failed, got %s", phase)
	}

	for i := 0; i < 3; i++ {
		s.deliver(ChatMessage{RoomID: 6, SenderID: 3, Content: "late", Type: MessageText, CreatedAt: time.UnixMilli(int64(i))})
	}
	if got := s.Store().Pending(); got != 1 {
		t.Fatalf("expected no buffering after failure, pending=%d", got)
	}
}

func TestSessionSubscribeFailure(t *testing.T) {
	dialer := &fakeDialer{subscribeErr: errors.New("denied")}
	ctrl := newTestController(t, dialer, newFakeHistory(), nil, nil)

	s, _ := ctrl.Open(context.Background(), 3)
	if phase := waitSettled(t, s); phase != PhaseFailed {
		t.Fatalf("expected failed, got %s", phase)
	}
	if !IsKind(s.Err(), KindSubscribe) {
		t.Fatalf("expected subscribe error, got %v", s.Err())
	}
}

func TestSessionBuffersFramesDuringHistoryLoad(t *testing.T) {
	dialer := &fakeDialer{}
	history := newFakeHistory()
	history.messages[9] = []ChatMessage{
		{RoomID: 9, SenderID: 1, Content: "first", Type: MessageText, CreatedAt: time.UnixMilli(1000)},
		{RoomID: 9, SenderID: 2, Content: "second", Type: MessageText, CreatedAt: time.UnixMilli(2000)},
	}
	gate := history.gate(9)
	ctrl := newTestController(t, dialer, history, nil, nil)

	s, _ := ctrl.Open(context.Background(), 9)
	waitFor(t, "subscription", func() bool {
		link := dialer.link(0)
		return link != nil && link.feed("/topic/chat/9") != nil
	})
	feed := dialer.link(0).feed("/topic/chat/9")
	feed.push(Frame{Body: []byte(`{"room_idx":9,"sender_idx":3,"content":"live","message_type":"text","created_at":"2024-05-01T10:00:03"}`)})
	waitFor(t, "buffered frame", func() bool { return s.Store().Pending() == 1 })

	if s.Phase() == PhaseSubscribed || s.Phase() == PhaseReady {
		t.Fatalf("must not be subscribed before history is seeded, got %s", s.Phase())
	}
	if s.Ready() {
		t.Fatal("must not be ready before history is seeded")
	}

	close(gate)
	if phase := waitSettled(t, s); phase != PhaseReady {
		t.Fatalf("expected ready, got %s", phase)
	}
	var contents []string
	for _, msg := range s.Messages() {
		contents = append(contents, msg.Content)
	}
	if len(contents) != 3 || contents[0] != "first" || contents[1] != "second" || contents[2] != "live" {
		t.Fatalf("expected history then live, got %v", contents)
	}
}

func TestSessionRoomSwitchIgnoresStaleResults(t *testing.T) {
	dialer := &fakeDialer{}
	history := newFakeHistory()
	history.messages[1] = []ChatMessage{{RoomID: 1, SenderID: 1, Content: "from A", Type: MessageText}}
	history.messages[2] = []ChatMessage{{RoomID: 2, SenderID: 1, Content: "from B", Type: MessageText}}
	gateA := history.gate(1)
	events := &eventLog{}
	ctrl := newTestController(t, dialer, history, nil, events)

	a, _ := ctrl.Open(context.Background(), 1)
	waitFor(t, "room A subscription", func() bool {
		link := dialer.link(0)
		return link != nil && link.feed("/topic/chat/1") != nil
	})
	feedA := dialer.link(0).feed("/topic/chat/1")

	b, _ := ctrl.Open(context.Background(), 2)
	if ctrl.Current() != b {
		t.Fatal("expected room B to be current")
	}
	if phase := waitSettled(t, b); phase != PhaseReady {
		t.Fatalf("expected room B ready, got %s", phase)
	}
	eventsBeforeRelease := len(events.all())

	// room A resolves late and its feed keeps talking
	close(gateA)
	feedA.push(Frame{Body: []byte(`{"room_idx":1,"sender_idx":1,"content":"late A","message_type":"text"}`)})
	feedB := dialer.link(1).feed("/topic/chat/2")
	feedB.push(Frame{Body: []byte(`{"room_idx":1,"sender_idx":1,"content":"misrouted A","message_type":"text"}`)})
	feedB.push(Frame{Body: []byte(`{"room_idx":2,"sender_idx":1,"content":"live B","message_type":"text"}`)})
	waitFor(t, "room B live frame", func() bool { return b.Store().Len() == 2 })
	waitSettled(t, a)

	for _, msg := range b.Messages() {
		if msg.RoomID != 2 {
			t.Fatalf("room A message leaked into room B: %+v", msg)
		}
	}
	if a.Store().Seeded() {
		t.Fatal("stale history must not be applied")
	}
	if a.Phase() != PhaseIdle {
		t.Fatalf("expected room A closed, got %s", a.Phase())
	}
	if dialer.link(0).closeCount() != 1 || feedA.unsubscribeCount() != 1 {
		t.Fatal("expected room A to unsubscribe and disconnect once")
	}
	for _, ev := range events.all()[eventsBeforeRelease:] {
		if ev.RoomID != 2 {
			t.Fatalf("unexpected event for stale room: %+v", ev)
		}
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	ctrl := newTestController(t, dialer, newFakeHistory(), nil, nil)

	s, _ := ctrl.Open(context.Background(), 11)
	waitSettled(t, s)
	link := dialer.link(0)
	feed := link.feed("/topic/chat/11")

	for i := 0; i < 2; i++ {
		if err := ctrl.Close(s); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
	if link.closeCount() != 1 || feed.unsubscribeCount() != 1 {
		t.Fatalf("expected single teardown, got %d disconnects and %d unsubscribes", link.closeCount(), feed.unsubscribeCount())
	}
	if ctrl.Current() != nil {
		t.Fatal("expected no current session")
	}
	if err := s.Send(context.Background(), ChatMessage{RoomID: 11, Content: "x", Type: MessageText}); !IsKind(err, KindSend) {
		t.Fatalf("expected send error after close, got %v", err)
	}
}

func TestSessionCloseWhileConnecting(t *testing.T) {
	dialer := &fakeDialer{block: make(chan struct{})}
	ctrl := newTestController(t, dialer, newFakeHistory(), nil, nil)

	s, _ := ctrl.Open(context.Background(), 4)
	waitFor(t, "dial", func() bool { return dialer.dials() == 1 })
	if err := ctrl.Close(s); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitSettled(t, s)
	if s.Phase() != PhaseIdle || s.Err() != nil {
		t.Fatalf("expected quiet idle session, got %s %v", s.Phase(), s.Err())
	}
}

func TestSessionConnectionLost(t *testing.T) {
	dialer := &fakeDialer{}
	ctrl := newTestController(t, dialer, newFakeHistory(), nil, nil)

	s, _ := ctrl.Open(context.Background(), 8)
	waitSettled(t, s)
	dialer.link(0).feed("/topic/chat/8").push(Frame{Err: errors.New("connection reset")})
	waitFor(t, "failure", func() bool { return s.Phase() == PhaseFailed })
	if !IsKind(s.Err(), KindConnect) {
		t.Fatalf("expected connect error, got %v", s.Err())
	}

	retried, err := ctrl.Retry(context.Background())
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.RoomID() != 8 || waitSettled(t, retried) != PhaseReady {
		t.Fatalf("expected room 8 ready after retry, got %s", retried.Phase())
	}
	if dialer.dials() != 2 {
		t.Fatalf("expected a second dial, got %d", dialer.dials())
	}
}

func TestControllerRejectsInvalidRoom(t *testing.T) {
	ctrl := newTestController(t, &fakeDialer{}, newFakeHistory(), nil, nil)
	if _, err := ctrl.Open(context.Background(), 0); err == nil {
		t.Fatal("expected error for room 0")
	}
	if _, err := ctrl.Retry(context.Background()); err == nil {
		t.Fatal("expected error when there is nothing to retry")
	}
}

func TestControllerConcurrentOpenKeepsOneSession(t *testing.T) {
	for round := 0; round < 200; round++ {
		dialer := &fakeDialer{}
		ctrl := newTestController(t, dialer, newFakeHistory(), nil, nil)

		var (
			wg       sync.WaitGroup
			start    = make(chan struct{})
			sessions [2]*Session
		)
		for i := range sessions {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				s, err := ctrl.Open(context.Background(), int64(i+1))
				if err != nil {
					t.Errorf("Open: %v", err)
					return
				}
				sessions[i] = s
			}(i)
		}
		close(start)
		wg.Wait()
		if t.Failed() {
			return
		}

		current := ctrl.Current()
		if current != sessions[0] && current != sessions[1] {
			t.Fatalf("round %d: current session is neither opened session", round)
		}
		for _, s := range sessions {
			if s != current && !s.closed.Load() {
				t.Fatalf("round %d: replaced session for room %d was never closed", round, s.RoomID())
			}
		}

		if err := ctrl.Shutdown(); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
		for _, s := range sessions {
			waitSettled(t, s)
		}
		for i, link := range dialer.allLinks() {
			if link.closeCount() == 0 {
				t.Fatalf("round %d: link %d left connected after shutdown", round, i)
			}
		}
	}
}
