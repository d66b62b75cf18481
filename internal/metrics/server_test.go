package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dray-io/sysscrub/internal/logging"
)

// testMetricsOnce ensures we only create test metrics once to avoid duplicate registration
var testMetricsOnce sync.Once
var testMetrics *ScrubMetrics

func getTestMetrics() *ScrubMetrics {
	testMetricsOnce.Do(func() {
		testMetrics = NewScrubMetrics()
	})
	return testMetrics
}

func TestNewServer(t *testing.T) {
	s := NewServer(":0")
	if s.addr != ":0" {
		t.Errorf("addr = %q, want %q", s.addr, ":0")
	}
}

func TestServer_StartAndClose(t *testing.T) {
	s := NewServer(":0")
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Close()

	// Verify we got a bound address
	addr := s.Addr()
	if !strings.Contains(addr, ":") {
		t.Errorf("Addr() = %q, expected host:port format", addr)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	// Get test metrics (only created once)
	m := getTestMetrics()
	m.RecordSubmitted(PathAsync)
	m.RecordSubmitted(PathSync)
	m.RecordReclaimed(0.0005)

	// Start server
	s := NewServer(":0")
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Close()

	// Give server time to start
	time.Sleep(10 * time.Millisecond)

	// Fetch metrics
	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}

	bodyStr := string(body)

	// Check for our custom metrics
	if !strings.Contains(bodyStr, "sysscrub_scrub_reclaim_latency_seconds") {
		t.Error("expected sysscrub_scrub_reclaim_latency_seconds in metrics output")
	}
	if !strings.Contains(bodyStr, "sysscrub_scrub_submitted_total") {
		t.Error("expected sysscrub_scrub_submitted_total in metrics output")
	}

	// Check for path labels
	if !strings.Contains(bodyStr, `path="async"`) {
		t.Error("expected path=async label in metrics output")
	}
	if !strings.Contains(bodyStr, `path="sync"`) {
		t.Error("expected path=sync label in metrics output")
	}
}

func TestServer_MetricsEndpointFormat(t *testing.T) {
	// Get test metrics (only created once)
	m := getTestMetrics()
	m.RecordFallback()

	s := NewServer(":0")
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Close()

	time.Sleep(10 * time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	// Verify content type is prometheus format
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/plain") {
		t.Errorf("Content-Type = %q, expected text/plain", contentType)
	}
}

func TestServerWithCustomRegistry(t *testing.T) {
	// Use a custom registry for isolation
	reg := prometheus.NewRegistry()
	m := NewScrubMetricsWithRegistry(reg)
	m.RecordReclaimed(0.002)
	m.RecordReclaimed(0.008)

	// Create server with custom registry
	s := NewServerWithRegistry(":0", reg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Close()

	time.Sleep(10 * time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}

	bodyStr := string(body)

	// Verify custom metrics are present
	if !strings.Contains(bodyStr, "sysscrub_scrub_reclaimed_total 2") {
		t.Error("expected sysscrub_scrub_reclaimed_total 2 in metrics output")
	}
}

func TestServer_Close(t *testing.T) {
	s := NewServer(":0")
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	addr := s.Addr()

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Give server time to close
	time.Sleep(10 * time.Millisecond)

	// Verify server is closed
	_, err := http.Get("http://" + addr + "/metrics")
	if err == nil {
		t.Error("expected error after server close")
	}
}

func TestServer_CloseWithoutStart(t *testing.T) {
	s := NewServer(":0")
	// Should not panic or error
	if err := s.Close(); err != nil {
		t.Errorf("Close on unstarted server returned error: %v", err)
	}
}

func TestServer_Healthz(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewServerWithRegistry(":0", reg).WithLogger(logging.Discard())
	s.SetStatus(func() map[string]any {
		return map[string]any{"pending": 3}
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Close()

	get := func() (int, healthStatus) {
		resp, err := http.Get("http://" + s.Addr() + "/healthz")
		if err != nil {
			t.Fatalf("GET /healthz failed: %v", err)
		}
		defer resp.Body.Close()
		var st healthStatus
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp.StatusCode, st
	}

	code, st := get()
	if code != http.StatusOK || st.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok", code, st.Status)
	}
	if st.Components["pending"] != float64(3) {
		t.Errorf("components = %v, want pending=3", st.Components)
	}

	s.SetShuttingDown()
	code, st = get()
	if code != http.StatusServiceUnavailable || st.Status != "shutting_down" {
		t.Errorf("healthz = %d %q, want 503 shutting_down", code, st.Status)
	}
}

func TestServer_RegisterHandler(t *testing.T) {
	s := NewServerWithRegistry(":0", prometheus.NewRegistry()).WithLogger(logging.Discard())
	s.RegisterHandler("/stats", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "stats")
	}))
	s.RegisterHandler("", nil) // ignored
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Close()

	resp, err := http.Get("http://" + s.Addr() + "/stats")
	if err != nil {
		t.Fatalf("GET /stats failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "stats" {
		t.Errorf("body = %q, want stats", body)
	}
}
