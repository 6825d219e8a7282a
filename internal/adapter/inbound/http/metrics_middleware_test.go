package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// gatherCounter sums the samples of a counter family, optionally filtered by
// label values.
func gatherCounter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var fam *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == name {
			fam = f
			break
		}
	}
	if fam == nil {
		return 0
	}
	var total float64
	for _, m := range fam.GetMetric() {
		match := true
		for k, v := range labels {
			found := false
			for _, lp := range m.GetLabel() {
				if lp.GetName() == k && lp.GetValue() == v {
					found = true
					break
				}
			}
			if !found {
				match = false
				break
			}
		}
		if match {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestMetricsMiddlewareCountsRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ok", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	handler := MetricsMiddleware(m)(mux)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))

	got := gatherCounter(t, reg, "actiongate_requests_total", map[string]string{"method": "GET", "status": "ok"})
	if got != 3 {
		t.Errorf("ok requests = %v, want 3", got)
	}
	got = gatherCounter(t, reg, "actiongate_requests_total", map[string]string{"method": "GET", "status": "error"})
	if got != 1 {
		t.Errorf("error requests = %v, want 1", got)
	}
}

func TestMetricsMiddlewareSkipsScrapeAndLiveness(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := MetricsMiddleware(m)(mux)

	for _, path := range []string{"/metrics", "/healthz"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := gatherCounter(t, reg, "actiongate_requests_total", nil); got != 0 {
		t.Errorf("requests_total = %v, want 0 for skipped paths", got)
	}
}

func TestStatusToLabel(t *testing.T) {
	cases := map[int]string{
		200: "ok",
		204: "ok",
		302: "ok",
		404: "error",
		500: "error",
	}
	for code, want := range cases {
		if got := statusToLabel(code); got != want {
			t.Errorf("statusToLabel(%d) = %q, want %q", code, got, want)
		}
	}
}
