package internal

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"relaychat/internal/relay"
)

type Metrics struct {
	activeConns    atomic.Int64
	admitted       atomic.Uint64
	authFailures   atomic.Uint64
	delivered      atomic.Uint64
	offline        atomic.Uint64
	presenceOn     atomic.Uint64
	presenceOff    atomic.Uint64
	slowConsumers  atomic.Uint64
	framesRejected atomic.Uint64

	gaugesMu sync.RWMutex
	gauges   map[string]func() int64
}

func NewMetrics() *Metrics {
	return &Metrics{gauges: make(map[string]func() int64)}
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

func (m *Metrics) IncAdmitted() {
	m.admitted.Add(1)
}

func (m *Metrics) IncAuthFailure() {
	m.authFailures.Add(1)
}

func (m *Metrics) IncSlowConsumer() {
	m.slowConsumers.Add(1)
}

func (m *Metrics) IncFrameRejected() {
	m.framesRejected.Add(1)
}

// ObserveRelay records the outcome of one dispatched event.
func (m *Metrics) ObserveRelay(res relay.Result) {
	if res.Offline {
		m.offline.Add(1)
		return
	}
	m.delivered.Add(uint64(res.Delivered))
}

// Observe counts presence transitions; it satisfies relay.Observer.
func (m *Metrics) Observe(event relay.PresenceEvent) {
	if event.Status == relay.StatusOnline {
		m.presenceOn.Add(1)
		return
	}
	m.presenceOff.Add(1)
}

// AddGauge exposes a value computed at scrape time.
func (m *Metrics) AddGauge(name string, fn func() int64) {
	m.gaugesMu.Lock()
	defer m.gaugesMu.Unlock()
	m.gauges[name] = fn
}

func (m *Metrics) Snapshot() map[string]any {
	payload := map[string]any{
		"active_connections":     m.activeConns.Load(),
		"admitted_total":         m.admitted.Load(),
		"auth_failures_total":    m.authFailures.Load(),
		"relays_delivered_total": m.delivered.Load(),
		"relays_offline_total":   m.offline.Load(),
		"presence_online_total":  m.presenceOn.Load(),
		"presence_offline_total": m.presenceOff.Load(),
		"slow_consumers_total":   m.slowConsumers.Load(),
		"frames_rejected_total":  m.framesRejected.Load(),
	}
	m.gaugesMu.RLock()
	for name, fn := range m.gauges {
		payload[name] = fn()
	}
	m.gaugesMu.RUnlock()
	return payload
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Snapshot())
}
