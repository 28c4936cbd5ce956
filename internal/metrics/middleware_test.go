package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
)

func TestStatusWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}

	if _, err := sw.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	sw.Write([]byte(" world"))
	if sw.status != http.StatusOK || sw.n != 11 {
		t.Fatalf("status=%d n=%d", sw.status, sw.n)
	}

	sw2 := &statusWriter{ResponseWriter: httptest.NewRecorder()}
	sw2.WriteHeader(http.StatusTooManyRequests)
	sw2.WriteHeader(http.StatusOK)
	if sw2.status != http.StatusTooManyRequests {
		t.Fatalf("first WriteHeader should win, got %d", sw2.status)
	}
}

func TestMiddleware_ChiRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/bookings/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/bookings/42", http.NoBody))

	want := map[string]string{"method": "GET", "route": "/api/bookings/{id}", "status": "429"}
	if v := counterValue(t, m.reg, "http_requests_total", want); v != 1 {
		t.Fatalf("requests = %v, want 1", v)
	}
}

func TestMiddleware_FallsBackToUnmatched(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/users/12345", http.NoBody))

	if v := counterValue(t, m.reg, "http_requests_total", map[string]string{"route": "unmatched", "status": "200"}); v != 1 {
		t.Fatalf("requests = %v, want 1", v)
	}
}

func TestMiddleware_ErrorCounterOnly5xx(t *testing.T) {
	tests := []struct {
		code int
		want int
	}{
		{http.StatusOK, 0},
		{http.StatusTooManyRequests, 0},
		{http.StatusBadGateway, 1},
	}
	for _, tt := range tests {
		m := New()
		h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.code)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

		f := gatherMetric(t, m.reg, "http_errors_total")
		got := 0
		if f != nil {
			got = int(f.GetMetric()[0].GetCounter().GetValue())
		}
		if got != tt.want {
			t.Errorf("status %d: errors = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestMiddleware_InflightReturnsToZero(t *testing.T) {
	m := New()
	var during float64
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		during = gatherMetric(t, m.reg, "http_inflight_requests").GetMetric()[0].GetGauge().GetValue()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if during != 1 {
		t.Fatalf("inflight during request = %v, want 1", during)
	}
	if v := gatherMetric(t, m.reg, "http_inflight_requests").GetMetric()[0].GetGauge().GetValue(); v != 0 {
		t.Fatalf("inflight after = %v, want 0", v)
	}
}

func TestTraceExemplar(t *testing.T) {
	if traceExemplar(context.Background()) != nil {
		t.Fatal("no exemplar expected without span")
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{1},
		SpanID:  trace.SpanID{1},
	})
	if traceExemplar(trace.ContextWithSpanContext(context.Background(), sc)) != nil {
		t.Fatal("unsampled span should not produce an exemplar")
	}
	sampled := sc.WithTraceFlags(trace.FlagsSampled)
	ex := traceExemplar(trace.ContextWithSpanContext(context.Background(), sampled))
	if ex["trace_id"] != sampled.TraceID().String() {
		t.Fatalf("exemplar = %v", ex)
	}
}
