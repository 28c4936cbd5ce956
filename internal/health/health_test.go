package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestHandlers(t *testing.T) {
	tests := []struct {
		name     string
		h        http.HandlerFunc
		wantCode int
		wantBody string
	}{
		{"healthy", HealthzHandler(Fixed(true, "")), http.StatusOK, "ok"},
		{"unhealthy", HealthzHandler(Fixed(false, "policy not loaded")), http.StatusServiceUnavailable, "policy not loaded"},
		{"nil healthz", HealthzHandler(nil), http.StatusOK, "ok"},
		{"ready", ReadyzHandler(Fixed(true, "")), http.StatusOK, "ready"},
		{"not ready", ReadyzHandler(Fixed(false, "")), http.StatusServiceUnavailable, "unhealthy"},
		{"nil readyz", ReadyzHandler(nil), http.StatusOK, "ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if rec.Header().Get("Cache-Control") != "no-store" {
				t.Fatal("health responses must not be cached")
			}
		})
	}
}

func TestHandler_PassesRequestContext(t *testing.T) {
	type ctxKey struct{}
	var got any
	p := CheckFunc(func(ctx context.Context) error {
		got = ctx.Value(ctxKey{})
		return nil
	})

	req := httptest.NewRequest(http.MethodGet, "/-/healthy", nil)
	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, "gateway"))
	HealthzHandler(p).ServeHTTP(httptest.NewRecorder(), req)

	if got != "gateway" {
		t.Fatalf("probe saw %v, want request context", got)
	}
}

func TestAll(t *testing.T) {
	first := errors.New("first")
	second := errors.New("second")
	calledAfter := false
	after := CheckFunc(func(context.Context) error { calledAfter = true; return nil })

	tests := []struct {
		name string
		p    CheckFunc
		want error
	}{
		{"empty", All(), nil},
		{"nil skipped", All(nil, Fixed(true, "")), nil},
		{"returns first failure", All(CheckFunc(func(context.Context) error { return first }), CheckFunc(func(context.Context) error { return second })), first},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.p.Check(t.Context()); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	_ = All(Fixed(false, "x"), after).Check(t.Context())
	if calledAfter {
		t.Fatal("All did not short-circuit")
	}
}

func TestAny(t *testing.T) {
	last := errors.New("last")

	if err := Any(Fixed(false, "a"), Fixed(true, "")).Check(t.Context()); err != nil {
		t.Fatalf("one passing probe: %v", err)
	}
	if err := Any(Fixed(false, "a"), CheckFunc(func(context.Context) error { return last })).Check(t.Context()); !errors.Is(err, last) {
		t.Fatalf("all failing: err = %v, want last", err)
	}
	if err := Any().Check(t.Context()); err == nil {
		t.Fatal("empty Any should fail")
	}
	if err := Any(nil, nil).Check(t.Context()); err == nil {
		t.Fatal("only nil probes should fail")
	}
}

func TestNamed(t *testing.T) {
	err := Named("upstream", Fixed(false, "connection refused")).Check(t.Context())
	if err == nil || err.Error() != "upstream: connection refused" {
		t.Fatalf("err = %v", err)
	}
	if err := Named("upstream", nil).Check(t.Context()); err != nil {
		t.Fatalf("nil probe: %v", err)
	}
}

func TestDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()

	if err := Dial(addr, time.Second).Check(t.Context()); err != nil {
		t.Fatalf("Dial open listener: %v", err)
	}

	ln.Close()
	if err := Dial(addr, 200*time.Millisecond).Check(t.Context()); err == nil {
		t.Fatal("Dial closed listener should fail")
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	p := All(g.Probe(), Fixed(true, ""))

	if err := p.Check(t.Context()); err != nil {
		t.Fatalf("open gate: %v", err)
	}

	g.Set("shutting down")
	if err := p.Check(t.Context()); err == nil || err.Error() != "shutting down" {
		t.Fatalf("closed gate: err = %v", err)
	}

	g.Set("")
	if err := p.Check(t.Context()); err == nil || err.Error() != "draining" {
		t.Fatalf("default reason: err = %v", err)
	}

	g.Clear()
	if err := p.Check(t.Context()); err != nil {
		t.Fatalf("cleared gate: %v", err)
	}
}

func TestShutdownGate_Concurrent(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); g.Set("draining") }()
		go func() { defer wg.Done(); g.Clear() }()
		go func() { defer wg.Done(); _ = p.Check(context.Background()) }()
	}
	wg.Wait()
}
