package observability_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aminovpavel/meshbridge-go/internal/observability"
)

func TestHealthzReflectsMetrics(t *testing.T) {
	metrics := observability.NewMetrics(observability.WithRegistry(prometheus.NewRegistry()))
	srv := observability.NewServer(observability.ServerConfig{Metrics: metrics})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when healthy, got %d", rec.Code)
	}

	metrics.IncStoreErrors()
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after store error, got %d", rec.Code)
	}

	metrics.MarkHealthy()
	if !metrics.Healthy() {
		t.Fatalf("expected MarkHealthy to restore health")
	}
}

func TestHealthzReadyCheck(t *testing.T) {
	srv := observability.NewServer(observability.ServerConfig{
		Ready: func(context.Context) error { return errors.New("store closed") },
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when not ready, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "store closed") {
		t.Fatalf("expected readiness error in body, got %q", rec.Body.String())
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *observability.Metrics
	m.ObservePacket("TEXT_MESSAGE_APP")
	m.IncStoreErrors()
	m.ObserveLLM(time.Second, errors.New("boom"))
	m.SetPendingResponses(3)
	if !m.Healthy() {
		t.Fatalf("expected nil metrics to report healthy")
	}
}

func TestLoggerComponentAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger("debug", observability.WithWriter(&buf), observability.WithJSON(true))

	observability.Component(logger, "outbox").Debug("polled")

	out := buf.String()
	if !strings.Contains(out, `"component":"outbox"`) {
		t.Fatalf("expected component attribute, got %q", out)
	}
	if !strings.Contains(out, `"level":"DEBUG"`) {
		t.Fatalf("expected debug level record, got %q", out)
	}
}
