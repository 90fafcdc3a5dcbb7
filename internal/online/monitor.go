// Package online tracks whether the session API is reachable.
package online

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Monitor reports connectivity to the API origin.
type Monitor struct {
	url    string
	client *http.Client
	clock  clockwork.Clock

	online       atomic.Bool
	forceOffline atomic.Bool
}

// NewMonitor returns a Monitor that probes url. It starts out online.
func NewMonitor(url string, client *http.Client, clock clockwork.Clock) *Monitor {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := &Monitor{url: url, client: client, clock: clock}
	m.online.Store(true)
	return m
}

// IsOnline reports the last observed connectivity, unless forced offline.
func (m *Monitor) IsOnline() bool {
	return m.online.Load() && !m.forceOffline.Load()
}

// Set records connectivity observed elsewhere.
func (m *Monitor) Set(online bool) {
	if m.online.Swap(online) != online {
		slog.Info("Connectivity changed", "online", online)
	}
}

// ForceOffline pins the monitor offline regardless of probes.
func (m *Monitor) ForceOffline(force bool) {
	m.forceOffline.Store(force)
}

// Probe sends a HEAD request to the API origin. Any response counts as
// online; only transport failures count as offline.
func (m *Monitor) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.url, nil)
	if err != nil {
		slog.Error("Failed to build probe request", "error", err)
		return m.IsOnline()
	}
	resp, err := m.client.Do(req)
	if err != nil {
		slog.Debug("Connectivity probe failed", "url", m.url, "error", err)
		m.Set(false)
		return m.IsOnline()
	}
	resp.Body.Close()
	m.Set(true)
	return m.IsOnline()
}

// Run probes once and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ticker.Chan():
			m.Probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}
