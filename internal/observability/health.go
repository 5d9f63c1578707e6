package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CheckFunc probes one dependency. Returning an error marks the process
// unhealthy.
type CheckFunc func(ctx context.Context) error

// HealthServer exposes /healthz and /metrics on a dedicated listener, kept
// separate from any user-facing surface.
type HealthServer struct {
	addr     string
	gatherer prometheus.Gatherer
	logger   *Logger
	started  time.Time

	mu     sync.Mutex
	checks map[string]CheckFunc
	server *http.Server
}

// NewHealthServer builds the server. Pass the same registry the process
// metrics were registered with.
func NewHealthServer(addr string, gatherer prometheus.Gatherer, logger *Logger) *HealthServer {
	return &HealthServer{
		addr:     addr,
		gatherer: gatherer,
		logger:   logger.With("component", "health"),
		started:  time.Now(),
		checks:   make(map[string]CheckFunc),
	}
}

// AddCheck registers a named dependency probe. Call before Start.
func (h *HealthServer) AddCheck(name string, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = fn
}

// Handler returns the route mux, exposed separately for tests.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", h.handleHealthz)
	return mux
}

// Start binds the listener and serves in the background until Shutdown.
func (h *HealthServer) Start(ctx context.Context) error {
	if h.addr == "" {
		return nil
	}

	listener, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	h.mu.Lock()
	h.server = server
	h.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error(ctx, "health server error", "error", err)
		}
	}()
	h.logger.Info(ctx, "health server listening", "addr", h.addr)
	return nil
}

// Shutdown drains the server.
func (h *HealthServer) Shutdown(ctx context.Context) {
	h.mu.Lock()
	server := h.server
	h.server = nil
	h.mu.Unlock()
	if server == nil {
		return
	}
	if err := server.Shutdown(ctx); err != nil {
		h.logger.Warn(ctx, "health server shutdown error", "error", err)
	}
}

type healthReport struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	h.mu.Lock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.Unlock()

	report := healthReport{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	}
	if len(checks) > 0 {
		report.Checks = make(map[string]string, len(checks))
	}
	code := http.StatusOK
	for name, fn := range checks {
		if err := fn(ctx); err != nil {
			report.Checks[name] = err.Error()
			report.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		report.Checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}
