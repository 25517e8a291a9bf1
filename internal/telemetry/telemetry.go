// Package telemetry holds the rolling latency windows, counters, and
// connection gauges exposed through the query surface's /api/status
// endpoint.
package telemetry

import (
	"sync"
	"time"

	"github.com/lighterfeed/lighterfeed/internal/ringbuf"
)

const windowSize = 30

// Window is a bounded rolling window of latency samples in milliseconds.
type Window struct {
	samples *ringbuf.Ring[float64]
}

func newWindow() *Window {
	return &Window{samples: ringbuf.New[float64](windowSize)}
}

func (w *Window) add(ms float64) {
	w.samples.Push(ms)
}

// Stats is the {min, avg, max, count, samples} rollup for one Window.
type Stats struct {
	Min     float64   `json:"min"`
	Avg     float64   `json:"avg"`
	Max     float64   `json:"max"`
	Count   int       `json:"count"`
	Samples []float64 `json:"samples"`
}

func (w *Window) stats() Stats {
	samples := w.samples.Items()
	if len(samples) == 0 {
		return Stats{Samples: []float64{}}
	}
	min, max, sum := samples[0], samples[0], 0.0
	for _, s := range samples {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
		sum += s
	}
	return Stats{
		Min:     min,
		Avg:     sum / float64(len(samples)),
		Max:     max,
		Count:   len(samples),
		Samples: samples,
	}
}

// Telemetry aggregates latency windows, counters, and connection gauges.
// Intended usage is single-writer-per-field, many concurrent readers; all
// fields are guarded by one mutex since the metrics() rollup must be
// internally consistent.
type Telemetry struct {
	mu sync.Mutex

	restPolling *Window
	wsMessages  *Window
	statsFetch  *Window

	restRequestCount int64
	wsMessageCount   int64

	wsConnected      bool
	wsConnectionTime time.Time
	wsLastMessage    time.Time

	lastRestUpdate  time.Time
	lastWsUpdate    time.Time
	lastStatsUpdate time.Time

	activeAccounts    int
	totalAccounts     int
	connectedClients  int

	now func() time.Time
}

// New constructs an empty Telemetry.
func New() *Telemetry {
	return &Telemetry{
		restPolling: newWindow(),
		wsMessages:  newWindow(),
		statsFetch:  newWindow(),
		now:         time.Now,
	}
}

// RecordRestPoll records a completed REST poll's latency in milliseconds.
func (t *Telemetry) RecordRestPoll(ms float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restPolling.add(ms)
	t.restRequestCount++
	t.lastRestUpdate = t.now()
}

// RecordWsMessage records a WS message arrival, with the inter-message
// interval in milliseconds (0 if not measured).
func (t *Telemetry) RecordWsMessage(intervalMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if intervalMs > 0 {
		t.wsMessages.add(intervalMs)
	}
	t.wsMessageCount++
	now := t.now()
	t.wsLastMessage = now
	t.lastWsUpdate = now
}

// RecordStatsFetch records a stats-fetch latency in milliseconds.
func (t *Telemetry) RecordStatsFetch(ms float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statsFetch.add(ms)
	t.lastStatsUpdate = t.now()
}

// SetWsConnected updates the aggregate WS-connected gauge, stamping the
// connection start time on a false→true transition.
func (t *Telemetry) SetWsConnected(connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if connected && !t.wsConnected {
		t.wsConnectionTime = t.now()
	}
	t.wsConnected = connected
}

// SetAccountStats updates the active/total account and connected-client
// gauges reported through metrics().
func (t *Telemetry) SetAccountStats(active, total, clients int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activeAccounts = active
	t.totalAccounts = total
	t.connectedClients = clients
}

// Metrics is the rollup returned by Telemetry.Metrics().
type Metrics struct {
	RestPolling      Stats   `json:"rest_polling"`
	WsMessages       Stats   `json:"ws_messages"`
	StatsFetch       Stats   `json:"stats_fetch"`
	RestRequestCount int64   `json:"rest_request_count"`
	WsMessageCount   int64   `json:"ws_message_count"`
	WsConnected      bool    `json:"ws_connected"`
	ActiveAccounts   int     `json:"active_accounts"`
	TotalAccounts    int     `json:"total_accounts"`
	ConnectedClients int     `json:"connected_clients"`
	LastRestAgeMs    *float64 `json:"last_rest_age_ms"`
	LastWsAgeMs      *float64 `json:"last_ws_age_ms"`
	LastStatsAgeMs   *float64 `json:"last_stats_age_ms"`
	WsUptimeSeconds  *float64 `json:"ws_uptime_seconds"`
}

func ageMs(now, t time.Time) *float64 {
	if t.IsZero() {
		return nil
	}
	ms := now.Sub(t).Seconds() * 1000
	return &ms
}

// Metrics returns the full rollup consumed by the query layer.
func (t *Telemetry) Metrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	m := Metrics{
		RestPolling:      t.restPolling.stats(),
		WsMessages:       t.wsMessages.stats(),
		StatsFetch:       t.statsFetch.stats(),
		RestRequestCount: t.restRequestCount,
		WsMessageCount:   t.wsMessageCount,
		WsConnected:      t.wsConnected,
		ActiveAccounts:   t.activeAccounts,
		TotalAccounts:    t.totalAccounts,
		ConnectedClients: t.connectedClients,
		LastRestAgeMs:    ageMs(now, t.lastRestUpdate),
		LastWsAgeMs:      ageMs(now, t.lastWsUpdate),
		LastStatsAgeMs:   ageMs(now, t.lastStatsUpdate),
	}
	if t.wsConnected && !t.wsConnectionTime.IsZero() {
		uptime := now.Sub(t.wsConnectionTime).Seconds()
		m.WsUptimeSeconds = &uptime
	}
	return m
}
