package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(JobsTotal.WithLabelValues("download", "completed"))
	JobsTotal.WithLabelValues("download", "completed").Inc()

	if got := testutil.ToFloat64(JobsTotal.WithLabelValues("download", "completed")); got != before+1 {
		t.Errorf("expected %v, got %v", before+1, got)
	}
}

func TestHandler(t *testing.T) {
	CircuitBreakerState.WithLabelValues("platform:youtube").Set(2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `trendpipe_circuit_breaker_state{service="platform:youtube"} 2`) {
		t.Error("expected circuit breaker gauge in output")
	}
}
