package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-admission/internal/admission"
	"github.com/keithlinneman/linnemanlabs-admission/internal/policy"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		want    string
	}{
		{
			name: "override",
			body: "classes:\n  search:\n    quota: 500\n",
			want: "500 per 15m0s",
		},
		{
			name: "empty document uses defaults",
			body: "",
			want: "bypass",
		},
		{
			name:    "unknown field",
			body:    "clases: {}\n",
			wantErr: true,
		},
		{
			name:    "negative quota",
			body:    "classes:\n  search:\n    quota: -1\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.body)
			out, err := execute(t, "validate", path)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, output:\n%s", out)
				}
				return
			}
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if !strings.Contains(out, path+": ok") || !strings.Contains(out, tt.want) {
				t.Fatalf("output missing %q:\n%s", tt.want, out)
			}
		})
	}
}

func TestValidateMissingFile(t *testing.T) {
	if _, err := execute(t, "validate", filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRequiresArg(t *testing.T) {
	if _, err := execute(t, "validate"); err == nil {
		t.Fatal("expected error without a file argument")
	}
}

func TestDefaultsRoundTrip(t *testing.T) {
	out, err := execute(t, "defaults")
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	tbl, err := policy.Parse([]byte(out))
	if err != nil {
		t.Fatalf("parse defaults output: %v", err)
	}
	want := policy.Defaults()
	if tbl.DefaultClass != want.DefaultClass {
		t.Fatalf("DefaultClass = %q, want %q", tbl.DefaultClass, want.DefaultClass)
	}
	if len(tbl.Policies) != len(want.Policies) || len(tbl.Routes) != len(want.Routes) {
		t.Fatalf("got %d classes %d routes, want %d and %d",
			len(tbl.Policies), len(tbl.Routes), len(want.Policies), len(want.Routes))
	}
}

func TestSimulateAuthLockout(t *testing.T) {
	res, err := runSimulate(context.Background(), simulateOptions{
		class:     "auth",
		requests:  8,
		interval:  time.Second,
		endpoints: 1,
		format:    "text",
	})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if got := res.Totals[admission.OutcomeAccept]; got != 5 {
		t.Fatalf("accepted = %d, want 5", got)
	}
	if got := res.Totals[admission.OutcomeThrottle]; got != 3 {
		t.Fatalf("throttled = %d, want 3", got)
	}
	last := res.Steps[len(res.Steps)-1]
	if last.Violations != 3 {
		t.Fatalf("last violation count = %d, want 3", last.Violations)
	}
	if last.Offset != 7*time.Second {
		t.Fatalf("last offset = %s, want 7s", last.Offset)
	}
	if res.Identity != "ip:192.0.2.10" {
		t.Fatalf("identity = %q", res.Identity)
	}
	if st := res.Final.Classes["auth"]; st.Violations != 3 {
		t.Fatalf("final auth violations = %d, want 3", st.Violations)
	}
}

func TestSimulateEndpointScan(t *testing.T) {
	res, err := runSimulate(context.Background(), simulateOptions{
		class:     "general",
		requests:  admission.DefaultMaxEndpoints + 5,
		interval:  time.Second,
		endpoints: admission.DefaultMaxEndpoints + 5,
		format:    "text",
	})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if res.Totals[admission.OutcomeBlock] == 0 {
		t.Fatalf("expected blocks after scanning %d endpoints, totals %v", admission.DefaultMaxEndpoints+5, res.Totals)
	}
	if res.Final.Profile == nil || !res.Final.Profile.Flagged {
		t.Fatalf("expected flagged profile, got %+v", res.Final.Profile)
	}
}

func TestSimulateAuthenticatedIdentity(t *testing.T) {
	res, err := runSimulate(context.Background(), simulateOptions{
		class:         "general",
		requests:      1,
		authenticated: true,
		endpoints:     1,
		format:        "text",
	})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if res.Identity != "sub:sim" {
		t.Fatalf("identity = %q, want sub:sim", res.Identity)
	}
}

func TestSimulateRejectsBadOptions(t *testing.T) {
	base := simulateOptions{class: "general", requests: 1, endpoints: 1, format: "text"}
	tests := []struct {
		name string
		mod  func(*simulateOptions)
	}{
		{"zero requests", func(o *simulateOptions) { o.requests = 0 }},
		{"negative interval", func(o *simulateOptions) { o.interval = -time.Second }},
		{"zero endpoints", func(o *simulateOptions) { o.endpoints = 0 }},
		{"bad format", func(o *simulateOptions) { o.format = "xml" }},
		{"unknown class", func(o *simulateOptions) { o.class = "nope" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := base
			tt.mod(&o)
			if _, err := runSimulate(context.Background(), o); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSimulateCommandJSON(t *testing.T) {
	out, err := execute(t, "simulate", "--class", "upload", "--requests", "6", "--interval", "0s", "--format", "json")
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	var res simResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if len(res.Steps) != 6 {
		t.Fatalf("steps = %d, want 6", len(res.Steps))
	}
	if res.Totals[admission.OutcomeAccept] != 5 || res.Totals[admission.OutcomeThrottle] != 1 {
		t.Fatalf("totals = %v", res.Totals)
	}
}

func TestSimulateCommandText(t *testing.T) {
	out, err := execute(t, "simulate", "--class", "health", "--requests", "3")
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !strings.Contains(out, "accept=3 throttle=0 block=0") {
		t.Fatalf("unexpected summary:\n%s", out)
	}
}

func TestVersionJSON(t *testing.T) {
	out, err := execute(t, "version", "--json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(out), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := m["version"]; !ok {
		t.Fatalf("missing version key: %v", m)
	}
}
