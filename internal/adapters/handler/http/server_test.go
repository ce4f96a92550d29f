package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// The metrics surface is opt-in: with ENABLE_METRICS off, neither the
// middleware nor the /metrics route is mounted.
func TestMetricsRouteGatedByConfig(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		want    int
	}{
		{"disabled", false, http.StatusNotFound},
		{"enabled", true, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(nil, nil, nil, nil, tt.enabled)
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			rec := httptest.NewRecorder()

			s.router.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("GET /metrics = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
