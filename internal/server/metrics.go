package server

import (
	"net/http"
	"sync/atomic"

	"github.com/goccy/go-json"

	"meetchat/internal/broker"
)

type Metrics struct {
	broker      *broker.Metrics
	uploads     atomic.Uint64
	uploadBytes atomic.Uint64
	downloads   atomic.Uint64
	history     atomic.Uint64
}

func NewMetrics(brokerMetrics *broker.Metrics) *Metrics {
	return &Metrics{broker: brokerMetrics}
}

func (m *Metrics) IncUpload(size int64) {
	m.uploads.Add(1)
	m.uploadBytes.Add(uint64(size))
}

func (m *Metrics) IncDownload() {
	m.downloads.Add(1)
}

func (m *Metrics) IncHistory() {
	m.history.Add(1)
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"uploads_total":      m.uploads.Load(),
		"upload_bytes_total": m.uploadBytes.Load(),
		"downloads_total":    m.downloads.Load(),
		"history_requests":   m.history.Load(),
	}
	if m.broker != nil {
		for k, v := range m.broker.Snapshot() {
			payload[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
