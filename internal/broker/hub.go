package broker

import "sync"

// subscriber is one SUBSCRIBE of one connection.
type subscriber struct {
	conn *conn
	id   string
}

// Hub tracks which connections listen on which destination.
type Hub struct {
	mutex  sync.RWMutex
	topics map[string]map[subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[subscriber]struct{})}
}

func (hub *Hub) subscribe(destination string, c *conn, id string) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	subs, ok := hub.topics[destination]
	if !ok {
		subs = make(map[subscriber]struct{})
		hub.topics[destination] = subs
	}
	subs[subscriber{conn: c, id: id}] = struct{}{}
}

func (hub *Hub) unsubscribe(destination string, c *conn, id string) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	subs, ok := hub.topics[destination]
	if !ok {
		return
	}
	delete(subs, subscriber{conn: c, id: id})
	if len(subs) == 0 {
		delete(hub.topics, destination)
	}
}

// drop removes every subscription of c.
func (hub *Hub) drop(c *conn) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	for destination, subs := range hub.topics {
		for sub := range subs {
			if sub.conn == c {
				delete(subs, sub)
			}
		}
		if len(subs) == 0 {
			delete(hub.topics, destination)
		}
	}
}

// Subscribers counts the live subscriptions on destination.
func (hub *Hub) Subscribers(destination string) int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.topics[destination])
}

// deliver fans payload out to every subscriber of destination and returns
// how many received it.
func (hub *Hub) deliver(destination string, payload []byte) int {
	hub.mutex.RLock()
	targets := make([]subscriber, 0, len(hub.topics[destination]))
	for sub := range hub.topics[destination] {
		targets = append(targets, sub)
	}
	hub.mutex.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if sub.conn.message(destination, sub.id, payload) {
			delivered++
		}
	}
	return delivered
}
