package broker

import "sync"

// presence counts the STOMP sessions each user has open.
type presence struct {
	mu       sync.Mutex
	sessions map[int64]int
}

func newPresence() *presence {
	return &presence{sessions: make(map[int64]int)}
}

// join records one more session for userID and reports whether it is the first.
func (p *presence) join(userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[userID]++
	return p.sessions[userID] == 1
}

// leave drops one session and reports whether it was the user's last.
func (p *presence) leave(userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	count, ok := p.sessions[userID]
	if !ok {
		return false
	}
	if count <= 1 {
		delete(p.sessions, userID)
		return true
	}
	p.sessions[userID] = count - 1
	return false
}

func (p *presence) online(userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[userID] > 0
}

func (p *presence) users() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
