package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)
	r.Get("/api/v1/tasks/{taskID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(APIRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/tasks/{taskID}", "418"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/abc", nil))

	after := testutil.ToFloat64(APIRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/tasks/{taskID}", "418"))
	if after-before != 1 {
		t.Fatalf("api_requests_total delta = %v, want 1", after-before)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	PreemptionsTotal.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "actuator_preemptions_total") {
		t.Fatal("metrics output missing actuator_preemptions_total")
	}
}
