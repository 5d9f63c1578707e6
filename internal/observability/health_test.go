package observability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func testHealthServer() (*HealthServer, *Metrics) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	logger := NewLogger(LogConfig{Output: io.Discard})
	return NewHealthServer(":0", registry, logger), metrics
}

func TestHealthzReportsOK(t *testing.T) {
	h, _ := testHealthServer()
	h.AddCheck("redis", func(ctx context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var report healthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if report.Status != "ok" || report.Checks["redis"] != "ok" {
		t.Errorf("report = %+v", report)
	}
}

func TestHealthzDegradesOnFailedCheck(t *testing.T) {
	h, _ := testHealthServer()
	h.AddCheck("redis", func(ctx context.Context) error { return nil })
	h.AddCheck("rest", func(ctx context.Context) error { return errors.New("connection refused") })

	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var report healthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if report.Status != "degraded" || report.Checks["rest"] != "connection refused" {
		t.Errorf("report = %+v", report)
	}
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	h, metrics := testHealthServer()
	metrics.RecordDelivery("queue:to_secretary", "acked", 0)

	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "secretariat_messages_processed_total") {
		t.Errorf("metrics body missing counter:\n%s", rec.Body.String())
	}
}
