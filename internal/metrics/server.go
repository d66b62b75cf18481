package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dray-io/sysscrub/internal/logging"
)

// StatusFunc reports component status for /healthz. It is called on every
// request and must be safe for concurrent use.
type StatusFunc func() map[string]any

// Server provides an HTTP server for Prometheus metrics scraping.
// It serves /metrics with all registered Prometheus metrics and /healthz
// for liveness probes.
type Server struct {
	mu        sync.RWMutex
	addr      string
	boundAddr string
	server    *http.Server
	registry  prometheus.Gatherer
	logger    *logging.Logger
	status    StatusFunc
	handlers  map[string]http.Handler
	shutDown  atomic.Bool
}

// NewServer creates a new metrics server that listens on the given address.
// Use addr ":9090" for the default metrics port.
// Uses the default Prometheus registry.
func NewServer(addr string) *Server {
	return NewServerWithRegistry(addr, nil)
}

// NewServerWithRegistry creates a new metrics server with a custom registry.
// Useful for testing to avoid conflicts with the default registry.
func NewServerWithRegistry(addr string, gatherer prometheus.Gatherer) *Server {
	return &Server{
		addr:     addr,
		registry: gatherer, // nil means use default registry
		logger:   logging.Global().WithComponent("metrics"),
		handlers: make(map[string]http.Handler),
	}
}

// WithLogger replaces the server logger.
func (s *Server) WithLogger(l *logging.Logger) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = l.WithComponent("metrics")
	return s
}

// SetStatus installs the function whose result /healthz reports.
func (s *Server) SetStatus(fn StatusFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = fn
}

// RegisterHandler mounts an extra handler. Call before Start.
func (s *Server) RegisterHandler(pattern string, handler http.Handler) {
	if pattern == "" || handler == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[pattern] = handler
}

// SetShuttingDown makes /healthz report 503.
func (s *Server) SetShuttingDown() {
	s.shutDown.Store(true)
}

// Start starts the HTTP server for metrics.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.mu.RLock()
	for pattern, h := range s.handlers {
		mux.Handle(pattern, h)
	}
	logger := s.logger
	s.mu.RUnlock()

	srv := &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.server = srv
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	logger.Infof("metrics server listening", map[string]any{"addr": ln.Addr().String()})

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics server error", map[string]any{"error": err.Error()})
		}
	}()

	return nil
}

// Addr returns the actual bound address of the server.
// Returns the configured address if the server hasn't started yet.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.boundAddr != "" {
		return s.boundAddr
	}
	return s.addr
}

// Close shuts down the metrics server.
func (s *Server) Close() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

type healthStatus struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components,omitempty"`
}

// handleHealthz returns 200 while running and 503 once shutting down.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := healthStatus{Status: "ok"}
	s.mu.RLock()
	fn := s.status
	s.mu.RUnlock()
	if fn != nil {
		st.Components = fn()
	}

	w.Header().Set("Content-Type", "application/json")
	if s.shutDown.Load() {
		st.Status = "shutting_down"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if r.Method != http.MethodHead {
		_ = json.NewEncoder(w).Encode(st)
	}
}
