package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_nil_safe(t *testing.T) {
	var m *Metrics
	m.IncSegmentsAdded()
	m.IncFinalizationErrors()
	m.SetWindow(3, 24)
	m.ObserveMerge(1)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.IncSegmentsAdded()
	m.IncSegmentsAdded()
	m.IncSegmentsEvicted()

	called := false
	rec := httptest.NewRecorder()
	m.Handler(func() {
		called = true
		m.SetWindow(6, 48)
	}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !called {
		t.Error("updateGauges should run before the scrape")
	}
	body := rec.Body.String()
	for _, want := range []string{
		"replay_segments_added_total 2",
		"replay_segments_evicted_total 1",
		"replay_window_seconds 48",
		"replay_window_segments 6",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in scrape:\n%s", want, body)
		}
	}
}

func TestRequestMiddleware(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bad", nil))

	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "replay_http_requests_total 2") || !strings.Contains(body, "replay_http_errors_total 1") {
		t.Errorf("unexpected counters:\n%s", body)
	}
}
