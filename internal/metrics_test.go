package internal

import (
	"testing"

	"relaychat/internal/relay"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.IncConn()
	m.IncConn()
	m.DecConn()
	m.ObserveRelay(relay.Result{Delivered: 2})
	m.ObserveRelay(relay.Result{Offline: true})
	m.Observe(relay.PresenceEvent{UserID: "alice", Status: relay.StatusOnline})
	m.Observe(relay.PresenceEvent{UserID: "alice", Status: relay.StatusOffline})
	m.AddGauge("online_users", func() int64 { return 7 })

	snap := m.Snapshot()
	checks := map[string]any{
		"active_connections":     int64(1),
		"relays_delivered_total": uint64(2),
		"relays_offline_total":   uint64(1),
		"presence_online_total":  uint64(1),
		"presence_offline_total": uint64(1),
		"online_users":           int64(7),
	}
	for key, want := range checks {
		if snap[key] != want {
			t.Fatalf("%s = %v, want %v", key, snap[key], want)
		}
	}
}
