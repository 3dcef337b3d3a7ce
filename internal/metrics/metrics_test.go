package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRecordOpened(t *testing.T) {
	m := New()
	m.RecordOpened("wss://a.example.com", 100*time.Millisecond)
	m.RecordOpened("wss://a.example.com", 200*time.Millisecond)

	m.mu.Lock()
	if m.openedCount != 2 {
		t.Errorf("expected 2 opened, got %d", m.openedCount)
	}
	if m.topTargetHosts["wss://a.example.com"] != 2 {
		t.Errorf("expected wss://a.example.com=2, got %d", m.topTargetHosts["wss://a.example.com"])
	}
	m.mu.Unlock()
}

func TestRecordRejectedAndErrored(t *testing.T) {
	m := New()
	m.RecordRejected()
	m.RecordRejected()
	m.RecordErrored()

	m.mu.Lock()
	if m.rejectedCount != 2 {
		t.Errorf("expected 2 rejected, got %d", m.rejectedCount)
	}
	if m.erroredCount != 1 {
		t.Errorf("expected 1 errored, got %d", m.erroredCount)
	}
	m.mu.Unlock()
}

func TestPrometheusHandler(t *testing.T) {
	m := New()
	m.RecordOpened("wss://a.example.com", 100*time.Millisecond)
	m.RecordRejected()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.PrometheusHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	body, _ := io.ReadAll(w.Body)
	text := string(body)

	if !strings.Contains(text, "wsintercept_sessions_total") {
		t.Error("expected wsintercept_sessions_total in /metrics output")
	}
	if !strings.Contains(text, `result="opened"`) {
		t.Error("expected opened label in /metrics output")
	}
	if !strings.Contains(text, `result="rejected"`) {
		t.Error("expected rejected label in /metrics output")
	}
	if !strings.Contains(text, "wsintercept_session_duration_seconds") {
		t.Error("expected wsintercept_session_duration_seconds in /metrics output")
	}
}

func TestStatsHandler(t *testing.T) {
	m := New()
	m.RecordOpened("wss://a.example.com", 100*time.Millisecond)
	m.RecordOpened("wss://a.example.com", 200*time.Millisecond)
	m.RecordRejected()

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	m.StatsHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %s", ct)
	}

	var stats statsResponse
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode stats JSON: %v", err)
	}

	if stats.Sessions.Total != 3 {
		t.Errorf("expected total=3, got %d", stats.Sessions.Total)
	}
	if stats.Sessions.Opened != 2 {
		t.Errorf("expected opened=2, got %d", stats.Sessions.Opened)
	}
	if stats.Sessions.Rejected != 1 {
		t.Errorf("expected rejected=1, got %d", stats.Sessions.Rejected)
	}
	if stats.UptimeSeconds <= 0 {
		t.Error("expected positive uptime")
	}
	if len(stats.TopTargetHosts) != 1 {
		t.Errorf("expected 1 top target host, got %d", len(stats.TopTargetHosts))
	}
}

func TestStatsHandler_RejectRate(t *testing.T) {
	m := New()
	m.RecordOpened("wss://a.example.com", 10*time.Millisecond)
	m.RecordRejected()

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	m.StatsHandler().ServeHTTP(w, req)

	var stats statsResponse
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.Sessions.RejectRate != 0.5 {
		t.Errorf("expected reject_rate=0.5, got %f", stats.Sessions.RejectRate)
	}
}

func TestStatsHandler_Empty(t *testing.T) {
	m := New()

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	m.StatsHandler().ServeHTTP(w, req)

	var stats statsResponse
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.Sessions.Total != 0 {
		t.Errorf("expected total=0, got %d", stats.Sessions.Total)
	}
	if stats.Sessions.RejectRate != 0 {
		t.Errorf("expected reject_rate=0, got %f", stats.Sessions.RejectRate)
	}
}

func TestTopTargetHostsCapped(t *testing.T) {
	m := New()
	// Fill to the cap
	for i := range maxTopEntries {
		m.RecordOpened("host"+string(rune('A'+i%26))+string(rune('0'+i/26))+".com", time.Millisecond)
	}

	// This host should be ignored (cap reached, new key)
	m.RecordOpened("overflow.com", time.Millisecond)

	m.mu.Lock()
	if len(m.topTargetHosts) > maxTopEntries {
		t.Errorf("expected at most %d hosts, got %d", maxTopEntries, len(m.topTargetHosts))
	}
	if _, exists := m.topTargetHosts["overflow.com"]; exists {
		t.Error("overflow host should not be tracked after cap")
	}
	m.mu.Unlock()
}

func TestTopTargetHostsExistingKeyStillIncrements(t *testing.T) {
	m := New()
	// Fill to the cap with one host
	for range maxTopEntries {
		m.RecordOpened("same.com", time.Millisecond)
	}
	// Existing key should still increment even after cap
	m.RecordOpened("same.com", time.Millisecond)

	m.mu.Lock()
	if m.topTargetHosts["same.com"] != maxTopEntries+1 {
		t.Errorf("expected %d, got %d", maxTopEntries+1, m.topTargetHosts["same.com"])
	}
	m.mu.Unlock()
}

func TestConcurrentAccess(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.RecordOpened("x.com", time.Millisecond)
		}()
		go func() {
			defer wg.Done()
			m.RecordRejected()
		}()
	}
	wg.Wait()

	m.mu.Lock()
	total := m.openedCount + m.rejectedCount
	m.mu.Unlock()

	if total != 200 {
		t.Errorf("expected 200 total, got %d", total)
	}
}

func TestRecordFrame(t *testing.T) {
	m := New()
	m.RecordFrame("downstream_to_upstream", "text", 128)
	m.RecordFrame("upstream_to_downstream", "binary", 256)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.PrometheusHandler().ServeHTTP(w, req)

	body, _ := io.ReadAll(w.Body)
	text := string(body)
	if !strings.Contains(text, `wsintercept_frames_total{direction="downstream_to_upstream",opcode="text"}`) {
		t.Error("expected downstream text frame counter in /metrics")
	}
	if !strings.Contains(text, `wsintercept_bytes_total{direction="upstream_to_downstream"}`) {
		t.Error("expected upstream bytes counter in /metrics")
	}
}

func TestRecordInvalidCloseCode(t *testing.T) {
	m := New()
	m.RecordInvalidCloseCode()
	m.RecordInvalidCloseCode()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.PrometheusHandler().ServeHTTP(w, req)

	body, _ := io.ReadAll(w.Body)
	text := string(body)
	if !strings.Contains(text, "wsintercept_invalid_close_codes_total 2") {
		t.Error("expected invalid_close_codes_total=2 in /metrics")
	}
}

func TestRecordUpstreamDial(t *testing.T) {
	m := New()
	m.RecordUpstreamDial(50 * time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.PrometheusHandler().ServeHTTP(w, req)

	body, _ := io.ReadAll(w.Body)
	text := string(body)
	if !strings.Contains(text, "wsintercept_upstream_dial_duration_seconds") {
		t.Error("expected wsintercept_upstream_dial_duration_seconds in /metrics")
	}
}

func TestIncrDecrActiveSessions(t *testing.T) {
	m := New()
	m.IncrActiveSessions()
	m.IncrActiveSessions()
	m.IncrActiveSessions()
	m.DecrActiveSessions()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.PrometheusHandler().ServeHTTP(w, req)

	body, _ := io.ReadAll(w.Body)
	text := string(body)
	if !strings.Contains(text, "wsintercept_active_sessions 2") {
		t.Error("expected wsintercept_active_sessions=2 in /metrics output")
	}
}

func TestTopN_SortedByCount(t *testing.T) {
	m := map[string]int64{
		"low":    1,
		"high":   100,
		"medium": 50,
	}
	result := topN(m)
	if len(result) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(result))
	}
	if result[0].Name != "high" || result[0].Count != 100 {
		t.Errorf("expected high=100 first, got %s=%d", result[0].Name, result[0].Count)
	}
	if result[1].Name != "medium" || result[1].Count != 50 {
		t.Errorf("expected medium=50 second, got %s=%d", result[1].Name, result[1].Count)
	}
}

func TestConcurrentFrameAndSessionAccess(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(3)
		go func() {
			defer wg.Done()
			m.RecordFrame("downstream_to_upstream", "binary", 10)
		}()
		go func() {
			defer wg.Done()
			m.IncrActiveSessions()
		}()
		go func() {
			defer wg.Done()
			m.DecrActiveSessions()
		}()
	}
	wg.Wait()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.PrometheusHandler().ServeHTTP(w, req)

	body, _ := io.ReadAll(w.Body)
	text := string(body)
	if !strings.Contains(text, `wsintercept_frames_total{direction="downstream_to_upstream",opcode="binary"} 50`) {
		t.Error("expected 50 recorded frames in /metrics output")
	}
}
