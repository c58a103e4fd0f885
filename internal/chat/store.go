package chat

import (
	"sync"
)

// Store is the ordered message log of one room: the seeded history followed
// by live messages in arrival order. Live messages offered before the history
// is seeded are held back and flushed behind it.
type Store struct {
	roomID int64

	mu       sync.RWMutex
	seeded   bool
	messages []ChatMessage
	pending  []ChatMessage
	// seen maps a dedupe key to the server ids recorded under it; 0 stands
	// for a message without one.
	seen     map[messageKey][]int64
}

func NewStore(roomID int64) *Store {
	return &Store{roomID: roomID, seen: make(map[messageKey][]int64)}
}

func (s *Store) RoomID() int64 {
	return s.roomID
}

// Seed replaces the content with history and then flushes buffered live
// messages. Messages of other rooms in history are skipped.
func (s *Store) Seed(history []ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = make([]ChatMessage, 0, len(history)+len(s.pending))
	s.seen = make(map[messageKey][]int64, len(history)+len(s.pending))
	for _, msg := range history {
		if msg.RoomID != s.roomID {
			continue
		}
		// history is trusted as-is, duplicates included
		s.remember(msg)
		s.messages = append(s.messages, msg)
	}
	s.seeded = true
	pending := s.pending
	s.pending = nil
	for _, msg := range pending {
		s.appendLocked(msg)
	}
}

// Append adds a live message. It reports whether the message became visible:
// false for duplicates and for messages buffered ahead of seeding.
func (s *Store) Append(msg ChatMessage) (bool, error) {
	if msg.RoomID != s.roomID {
		return false, ErrRoomMismatch
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seeded {
		s.pending = append(s.pending, msg)
		return false, nil
	}
	return s.appendLocked(msg), nil
}

func (s *Store) appendLocked(msg ChatMessage) bool {
	if s.duplicate(msg) {
		return false
	}
	s.remember(msg)
	s.messages = append(s.messages, msg)
	return true
}

// duplicate reports whether msg is already visible. Two messages with the same
// key are still distinct when both carry different server ids.
func (s *Store) duplicate(msg ChatMessage) bool {
	ids, ok := s.seen[msg.key()]
	if !ok {
		return false
	}
	if msg.MessageID == 0 {
		return true
	}
	for _, id := range ids {
		if id == 0 || id == msg.MessageID {
			return true
		}
	}
	return false
}

func (s *Store) remember(msg ChatMessage) {
	key := msg.key()
	s.seen[key] = append(s.seen[key], msg.MessageID)
}

// Messages returns a copy of the visible sequence.
func (s *Store) Messages() []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *Store) Seeded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seeded
}

// Pending reports how many live messages wait for the history.
func (s *Store) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}
