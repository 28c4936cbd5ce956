package opshttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/keithlinneman/linnemanlabs-admission/internal/admission"
	"github.com/keithlinneman/linnemanlabs-admission/internal/health"
	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
)

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// do serves one request from loopback through NewHandler.
func do(t *testing.T, opts *Options, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	NewHandler(log.Nop(), opts).ServeHTTP(rec, req)
	return rec
}

func TestStart_ServesAndStops(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()
	stop, err := Start(ctx, log.Nop(), &Options{
		Port:      port,
		Health:    health.Fixed(true, ""),
		Readiness: health.Fixed(true, ""),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/-/ready", port)
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ready") {
		t.Fatalf("status = %d body = %q", resp.StatusCode, body)
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := stop(sctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(sctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := http.Get(url); err == nil {
		t.Fatal("server still accepting connections after stop")
	}
}

func TestStart_PortConflict(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()
	stop, err := Start(ctx, log.Nop(), &Options{Port: port})
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer stop(ctx)

	if _, err := Start(ctx, log.Nop(), &Options{Port: port}); err == nil {
		t.Fatal("expected error for port conflict")
	}
}

func TestHandler_Health(t *testing.T) {
	var gate health.ShutdownGate
	opts := &Options{
		Health:    health.Fixed(true, ""),
		Readiness: health.All(gate.Probe(), health.Fixed(true, "")),
	}

	for _, path := range []string{"/-/healthy", "/healthz", "/-/ready", "/readyz"} {
		if rec := do(t, opts, path); rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
	}

	gate.Set("draining")
	rec := do(t, opts, "/-/ready")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "draining") {
		t.Fatalf("draining: status = %d body = %q", rec.Code, rec.Body.String())
	}
	if rec := do(t, opts, "/-/healthy"); rec.Code != http.StatusOK {
		t.Fatalf("liveness must not follow the shutdown gate, status = %d", rec.Code)
	}
}

func TestHandler_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# HELP admission_decisions_total\n"))
	})

	if rec := do(t, &Options{Metrics: metrics}, "/metrics"); !strings.Contains(rec.Body.String(), "admission_decisions_total") {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if rec := do(t, &Options{}, "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("no metrics handler: status = %d, want 404", rec.Code)
	}
}

func TestHandler_Pprof(t *testing.T) {
	if rec := do(t, &Options{EnablePprof: true}, "/debug/pprof/"); rec.Code != http.StatusOK {
		t.Fatalf("enabled: status = %d, want 200", rec.Code)
	}
	if rec := do(t, &Options{}, "/debug/pprof/"); rec.Code != http.StatusNotFound {
		t.Fatalf("disabled: status = %d, want 404", rec.Code)
	}
}

func newController(t *testing.T) (*admission.Controller, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c, err := admission.New(admission.Config{Clock: clock})
	if err != nil {
		t.Fatalf("admission.New: %v", err)
	}
	return c, clock
}

func TestHandler_AdmissionIdentity(t *testing.T) {
	c, clock := newController(t)
	for i := 0; i < 3; i++ {
		c.Check(t.Context(), admission.Request{Identity: "ip:10.1.2.3", Class: admission.ClassSearch, Endpoint: "/api/search"})
		clock.Advance(time.Second)
	}

	rec := do(t, &Options{Admission: c}, "/debug/admission/identities/ip:10.1.2.3")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
	var snap admission.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Identity != "ip:10.1.2.3" || snap.Classes[admission.ClassSearch].Count != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Profile == nil || snap.Profile.RequestCount != 3 {
		t.Fatalf("profile = %+v", snap.Profile)
	}

	// subjects may contain slashes
	if rec := do(t, &Options{Admission: c}, "/debug/admission/identities/sub:org/user"); rec.Code != http.StatusOK {
		t.Fatalf("slash identity: status = %d", rec.Code)
	}
}

func TestHandler_AdmissionStatsAndPolicies(t *testing.T) {
	c, _ := newController(t)
	c.Check(t.Context(), admission.Request{Identity: "ip:10.0.0.1", Class: admission.ClassGeneral})

	opts := &Options{Admission: c, PolicySource: PolicySource{Source: "builtin", SHA256: "abc"}}

	var stats admission.Stats
	if err := json.NewDecoder(do(t, opts, "/debug/admission/stats").Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Windows != 1 || stats.Profiles != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	var pol struct {
		Source  string                `json:"source"`
		Classes map[string]policyView `json:"classes"`
	}
	if err := json.NewDecoder(do(t, opts, "/debug/admission/policies").Body).Decode(&pol); err != nil {
		t.Fatalf("decode policies: %v", err)
	}
	if pol.Source != "builtin" {
		t.Errorf("source = %q", pol.Source)
	}
	if auth := pol.Classes["auth"]; auth.Quota != 5 || auth.Window != "15m0s" || auth.PenaltyStep != 0.2 {
		t.Errorf("auth = %+v", auth)
	}
	if !pol.Classes["health"].Bypass {
		t.Error("health should be bypass")
	}
}

func TestHandler_AdmissionDisabled(t *testing.T) {
	if rec := do(t, &Options{}, "/debug/admission/stats"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRequireNonPublicNetwork(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := requireNonPublicNetwork(log.Nop(), inner)

	tests := []struct {
		addr string
		want int
	}{
		{"127.0.0.1:1", http.StatusOK},
		{"[::1]:1", http.StatusOK},
		{"10.0.0.1:8080", http.StatusOK},
		{"172.16.0.1:8080", http.StatusOK},
		{"192.168.1.1:8080", http.StatusOK},
		{"169.254.1.1:8080", http.StatusOK},
		{"[::ffff:10.0.0.1]:1", http.StatusOK},
		{"8.8.8.8:1", http.StatusForbidden},
		{"203.0.113.1:80", http.StatusForbidden},
		{"[::ffff:8.8.8.8]:1", http.StatusForbidden},
		{"not-an-address", http.StatusForbidden},
		{"", http.StatusForbidden},
		{"999.999.999.999:1", http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		req.RemoteAddr = tt.addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%q: status = %d, want %d", tt.addr, rec.Code, tt.want)
		}
	}
}

func TestHandler_RecoversPanics(t *testing.T) {
	var panics int
	opts := &Options{
		Health:       health.CheckFunc(func(context.Context) error { panic("boom") }),
		UseRecoverMW: true,
		OnPanic:      func() { panics++ },
	}
	rec := do(t, opts, "/-/healthy")
	if rec.Code != http.StatusInternalServerError || panics != 1 {
		t.Fatalf("status = %d panics = %d", rec.Code, panics)
	}
}
