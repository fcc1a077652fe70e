package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newRouter(m *Manager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/healthz", LivenessHandler)
	r.GET("/readyz", ReadinessHandler(m))
	return r
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestReadiness(t *testing.T) {
	m := NewManager(false)
	r := newRouter(m)

	if w := get(r, "/healthz"); w.Code != http.StatusOK {
		t.Fatalf("expected liveness 200, got %d", w.Code)
	}
	if w := get(r, "/readyz"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", w.Code)
	}

	m.SetReady(true)
	if w := get(r, "/readyz"); w.Code != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", w.Code)
	}

	m.AddCheck("postgres", func(context.Context) error { return errors.New("connection refused") })
	w := get(r, "/readyz")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with failing check, got %d", w.Code)
	}
	if failed := m.Failing(context.Background()); failed["postgres"] != "connection refused" {
		t.Fatalf("unexpected failing checks %v", failed)
	}
}
