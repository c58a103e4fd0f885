package chat

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeWait = time.Second

// websocketStream presents a websocket as a byte stream so STOMP frames can be
// read and written across message boundaries. Each Write becomes one text
// message.
type websocketStream struct {
	conn      *websocket.Conn
	reader    io.Reader
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewWebsocketStream adapts conn to io.ReadWriteCloser. Reads must come from a
// single goroutine; writes may be concurrent.
func NewWebsocketStream(conn *websocket.Conn) io.ReadWriteCloser {
	return &websocketStream{conn: conn}
}

func (s *websocketStream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			messageType, reader, err := s.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
				continue
			}
			s.reader = reader
		}
		n, err := s.reader.Read(p)
		if err == io.EOF {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *websocketStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *websocketStream) Close() error {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(closeWait)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
