package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesHTTPMetrics(t *testing.T) {
	registry := NewRegistry()
	RequestCount.WithLabelValues("GET", "/orders", "200").Inc()

	rec := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sharex_http_requests_total") {
		t.Fatalf("expected request counter in output")
	}
}
