package broker

import "sync/atomic"

type Metrics struct {
	activeConns atomic.Int64
	onlineUsers atomic.Int64
	published   atomic.Uint64
	delivered   atomic.Uint64
	rejected    atomic.Uint64
	rateLimited atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncConn() { m.activeConns.Add(1) }
func (m *Metrics) DecConn() { m.activeConns.Add(-1) }

func (m *Metrics) SetOnlineUsers(n int) { m.onlineUsers.Store(int64(n)) }

func (m *Metrics) IncPublished()      { m.published.Add(1) }
func (m *Metrics) AddDelivered(n int) { m.delivered.Add(uint64(n)) }
func (m *Metrics) IncRejected()       { m.rejected.Add(1) }
func (m *Metrics) IncRateLimited()    { m.rateLimited.Add(1) }

// Snapshot renders the counters for the metrics endpoint.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"active_connections":    m.activeConns.Load(),
		"online_users":          m.onlineUsers.Load(),
		"messages_published":    m.published.Load(),
		"messages_delivered":    m.delivered.Load(),
		"messages_rejected":     m.rejected.Load(),
		"messages_rate_limited": m.rateLimited.Load(),
	}
}
