// Package metrics provides Prometheus instrumentation and a JSON stats endpoint
// for the wsintercept WebSocket interception core.
package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxTopEntries = 100

// Metrics collects Prometheus counters and histograms for the WebSocket
// interception core.
type Metrics struct {
	registry *prometheus.Registry

	sessionsTotal        *prometheus.CounterVec
	sessionDuration      prometheus.Histogram
	framesTotal          *prometheus.CounterVec
	bytesTotal           *prometheus.CounterVec
	activeSessions       prometheus.Gauge
	invalidCloseCodes    prometheus.Counter
	upstreamDialDuration prometheus.Histogram

	mu             sync.Mutex
	startTime      time.Time
	topTargetHosts map[string]int64
	openedCount    int64
	rejectedCount  int64
	erroredCount   int64
}

// New creates a Metrics instance with its own Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	sessionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wsintercept",
		Name:      "sessions_total",
		Help:      "Total number of WebSocket interception sessions by result.",
	}, []string{"result"})

	sessionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wsintercept",
		Name:      "session_duration_seconds",
		Help:      "WebSocket session lifetime in seconds, from handshake to close.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
	})

	framesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wsintercept",
		Name:      "frames_total",
		Help:      "Total WebSocket frames relayed, by direction and opcode.",
	}, []string{"direction", "opcode"})

	bytesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wsintercept",
		Name:      "bytes_total",
		Help:      "Total payload bytes relayed through the Frame Pipe, by direction.",
	}, []string{"direction"})

	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wsintercept",
		Name:      "active_sessions",
		Help:      "Current number of live WebSocket sessions with an installed Frame Pipe.",
	})

	invalidCloseCodes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wsintercept",
		Name:      "invalid_close_codes_total",
		Help:      "Total close frames observed carrying a status code outside every wire-valid range.",
	})

	upstreamDialDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wsintercept",
		Name:      "upstream_dial_duration_seconds",
		Help:      "Time spent dialing and handshaking with the upstream WebSocket endpoint.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	reg.MustRegister(sessionsTotal, sessionDuration, framesTotal, bytesTotal,
		activeSessions, invalidCloseCodes, upstreamDialDuration)

	return &Metrics{
		registry:             reg,
		sessionsTotal:        sessionsTotal,
		sessionDuration:      sessionDuration,
		framesTotal:          framesTotal,
		bytesTotal:           bytesTotal,
		activeSessions:       activeSessions,
		invalidCloseCodes:    invalidCloseCodes,
		upstreamDialDuration: upstreamDialDuration,
		startTime:            time.Now(),
		topTargetHosts:       make(map[string]int64),
	}
}

// RecordOpened records a session whose Frame Pipe was successfully installed.
func (m *Metrics) RecordOpened(targetHost string, duration time.Duration) {
	m.sessionsTotal.WithLabelValues("opened").Inc()
	m.sessionDuration.Observe(duration.Seconds())

	m.mu.Lock()
	m.openedCount++
	if len(m.topTargetHosts) < maxTopEntries {
		m.topTargetHosts[targetHost]++
	} else if _, exists := m.topTargetHosts[targetHost]; exists {
		m.topTargetHosts[targetHost]++
	}
	m.mu.Unlock()
}

// RecordRejected records a session that ended without a WebSocket being
// opened and without an error: a non-101 response written back to the
// downstream client (mirrored from upstream or from a reject handler), or a
// close/reset transport fault.
func (m *Metrics) RecordRejected() {
	m.sessionsTotal.WithLabelValues("rejected").Inc()

	m.mu.Lock()
	m.rejectedCount++
	m.mu.Unlock()
}

// RecordErrored records a session that failed for reasons other than an
// upstream rejection (dial failure, failed handshake).
func (m *Metrics) RecordErrored() {
	m.sessionsTotal.WithLabelValues("errored").Inc()

	m.mu.Lock()
	m.erroredCount++
	m.mu.Unlock()
}

// RecordFrame records a single relayed WebSocket frame.
func (m *Metrics) RecordFrame(direction, opcode string, payloadBytes int64) {
	m.framesTotal.WithLabelValues(direction, opcode).Inc()
	m.bytesTotal.WithLabelValues(direction).Add(float64(payloadBytes))
}

// RecordInvalidCloseCode records a close frame carrying a status code
// outside every wire-valid range.
func (m *Metrics) RecordInvalidCloseCode() {
	m.invalidCloseCodes.Inc()
}

// RecordUpstreamDial records the duration of an upstream dial-and-handshake
// attempt, successful or not.
func (m *Metrics) RecordUpstreamDial(duration time.Duration) {
	m.upstreamDialDuration.Observe(duration.Seconds())
}

// IncrActiveSessions increments the active session gauge.
func (m *Metrics) IncrActiveSessions() {
	m.activeSessions.Inc()
}

// DecrActiveSessions decrements the active session gauge.
func (m *Metrics) DecrActiveSessions() {
	m.activeSessions.Dec()
}

// PrometheusHandler returns an HTTP handler that serves /metrics in Prometheus text format.
func (m *Metrics) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StatsHandler returns an HTTP handler that serves a JSON stats summary.
func (m *Metrics) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		m.mu.Lock()
		total := m.openedCount + m.rejectedCount + m.erroredCount
		stats := statsResponse{
			UptimeSeconds: time.Since(m.startTime).Seconds(),
			Sessions: sessionStats{
				Total:    total,
				Opened:   m.openedCount,
				Rejected: m.rejectedCount,
				Errored:  m.erroredCount,
			},
			TopTargetHosts: topN(m.topTargetHosts),
		}
		if total > 0 {
			stats.Sessions.RejectRate = float64(m.rejectedCount) / float64(total)
		}
		m.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	}
}

type statsResponse struct {
	UptimeSeconds  float64       `json:"uptime_seconds"`
	Sessions       sessionStats  `json:"sessions"`
	TopTargetHosts []rankedEntry `json:"top_target_hosts"`
}

type sessionStats struct {
	Total      int64   `json:"total"`
	Opened     int64   `json:"opened"`
	Rejected   int64   `json:"rejected"`
	Errored    int64   `json:"errored"`
	RejectRate float64 `json:"reject_rate"`
}

type rankedEntry struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

func topN(m map[string]int64) []rankedEntry {
	entries := make([]rankedEntry, 0, len(m))
	for name, count := range m {
		entries = append(entries, rankedEntry{Name: name, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Count > entries[j].Count
	})
	return entries
}
