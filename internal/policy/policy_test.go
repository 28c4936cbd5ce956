package policy

import (
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-admission/internal/admission"
)

func TestDefaults_Valid(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("Defaults().Validate() = %v", err)
	}
}

func TestClassifier_Classify(t *testing.T) {
	c := Defaults().Classifier()

	tests := []struct {
		path string
		want admission.Class
	}{
		{"/api/auth", admission.ClassAuth},
		{"/api/auth/login", admission.ClassAuth},
		{"/api/authz", admission.ClassGeneral},
		{"/api/bookings/42/cancel", admission.ClassBooking},
		{"/api/search", admission.ClassSearch},
		{"/api/payments/charge", admission.ClassPayment},
		{"/api/messages", admission.ClassMessaging},
		{"/api/uploads/avatar", admission.ClassUpload},
		{"/api/admin/users", admission.ClassAdmin},
		{"/healthz", admission.ClassHealth},
		{"/-/ready", admission.ClassHealth},
		{"/healthz/x", admission.ClassGeneral},
		{"/healthz/admin/export", admission.ClassGeneral},
		{"/-/ready/anything", admission.ClassGeneral},
		{"/-/healthy/", admission.ClassGeneral},
		{"/healthz/../api/auth", admission.ClassAuth},
		{"/", admission.ClassGeneral},
		{"", admission.ClassGeneral},
		{"/api/unknown", admission.ClassGeneral},
		{"/api/search/../auth/login", admission.ClassAuth},
		{"//api//payments", admission.ClassPayment},
	}
	for _, tt := range tests {
		if got := c.Classify(tt.path); got != tt.want {
			t.Errorf("Classify(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestClassifier_LongestPrefixWins(t *testing.T) {
	c := NewClassifier([]Route{
		{Prefix: "/api", Class: "api"},
		{Prefix: "/api/auth/", Class: admission.ClassAuth},
		{Prefix: "/api/auth/refresh", Class: "refresh"},
	}, admission.ClassGeneral)

	tests := map[string]admission.Class{
		"/api/auth/refresh":   "refresh",
		"/api/auth/login":     admission.ClassAuth,
		"/api/auth":           admission.ClassAuth,
		"/api/bookings":       "api",
		"/apiv2":              admission.ClassGeneral,
		"/api/auth/refreshed": admission.ClassAuth,
	}
	for path, want := range tests {
		if got := c.Classify(path); got != want {
			t.Errorf("Classify(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestClassifier_ExactRoutes(t *testing.T) {
	c := NewClassifier([]Route{
		{Prefix: "/api", Class: "api"},
		{Prefix: "/api/status", Class: "status", Exact: true},
		{Prefix: "/api/status", Class: "status-tree"},
	}, admission.ClassGeneral)

	tests := []struct {
		path string
		want admission.Class
	}{
		{"/api/status", "status"},
		{"/api/status/deep", "status-tree"},
		{"/api/other", "api"},
		{"/apistatus", admission.ClassGeneral},
	}
	for _, tt := range tests {
		if got := c.Classify(tt.path); got != tt.want {
			t.Errorf("Classify(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestTable_Classifier_BypassRoutesAreExact(t *testing.T) {
	tbl := Defaults()
	tbl.Routes = append(tbl.Routes,
		Route{Prefix: "/status", Class: admission.ClassHealth},
		Route{Prefix: "/api/reports", Class: admission.ClassSearch},
	)
	c := tbl.Classifier()

	tests := []struct {
		path string
		want admission.Class
	}{
		{"/status", admission.ClassHealth},
		{"/status/internal", admission.ClassGeneral},
		{"/api/reports", admission.ClassSearch},
		{"/api/reports/weekly", admission.ClassSearch},
	}
	for _, tt := range tests {
		if got := c.Classify(tt.path); got != tt.want {
			t.Errorf("Classify(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
	for _, r := range c.Routes() {
		if tbl.Policies[r.Class].Bypass && !r.Exact {
			t.Errorf("bypass route %q is not exact", r.Prefix)
		}
	}
}

func TestClassifier_RootPrefix(t *testing.T) {
	c := NewClassifier([]Route{{Prefix: "/", Class: "catchall"}}, admission.ClassGeneral)
	if got := c.Classify("/anything/at/all"); got != "catchall" {
		t.Fatalf("Classify = %q, want catchall", got)
	}
}

func TestTable_Validate_ReportsEveryProblem(t *testing.T) {
	tbl := Defaults()
	tbl.DefaultClass = "missing"
	tbl.DecayDelay = -time.Second
	tbl.Policies[admission.ClassAuth] = admission.QuotaPolicy{Window: 0, BaseQuota: -1}
	tbl.Routes = append(tbl.Routes,
		Route{Prefix: "api/x", Class: admission.ClassGeneral},
		Route{Prefix: "/api/auth/", Class: admission.ClassAuth},
		Route{Prefix: "/api/y", Class: "nope"},
	)

	err := tbl.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		`default class "missing"`,
		"decay delay",
		"class auth: window must be > 0",
		"base quota must be >= 0",
		"must start with /",
		`duplicate prefix "/api/auth/"`,
		`undefined class "nope"`,
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}

func TestTable_Validate_Empty(t *testing.T) {
	if err := (Table{}).Validate(); err == nil {
		t.Fatal("expected error for empty table")
	}
}

func TestTable_Config(t *testing.T) {
	tbl := Defaults()
	cfg := tbl.Config()

	if cfg.DefaultClass != admission.ClassGeneral {
		t.Fatalf("DefaultClass = %q", cfg.DefaultClass)
	}
	if len(cfg.Policies) != len(tbl.Policies) {
		t.Fatalf("policies = %d, want %d", len(cfg.Policies), len(tbl.Policies))
	}

	// the config owns its own map
	delete(cfg.Policies, admission.ClassAuth)
	if _, ok := tbl.Policies[admission.ClassAuth]; !ok {
		t.Fatal("Config shares its policy map with the table")
	}

	c, err := admission.New(tbl.Config())
	if err != nil {
		t.Fatalf("admission.New: %v", err)
	}
	if got := len(c.Classes()); got != len(tbl.Policies) {
		t.Fatalf("controller classes = %d, want %d", got, len(tbl.Policies))
	}
}

func TestTable_Classes_Sorted(t *testing.T) {
	classes := Defaults().Classes()
	for i := 1; i < len(classes); i++ {
		if classes[i-1] >= classes[i] {
			t.Fatalf("classes not sorted: %v", classes)
		}
	}
}
