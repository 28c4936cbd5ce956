// Package policy holds the route classification table and the quota policies
// the admission controller is built from. Tables come from the built-in
// defaults, a local YAML file, or a remote object in S3.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-admission/internal/admission"
	"github.com/keithlinneman/linnemanlabs-admission/internal/pathutil"
)

// Route maps a path prefix to a class. Prefixes match on segment boundaries,
// "/api/auth" matches "/api/auth" and "/api/auth/login" but not "/api/authz".
// An Exact route matches only the path itself.
type Route struct {
	Prefix string
	Class  admission.Class
	Exact  bool
}

// Table is a complete, validated admission configuration.
type Table struct {
	DefaultClass admission.Class
	DecayDelay   time.Duration
	Abuse        admission.AbuseThresholds
	Policies     map[admission.Class]admission.QuotaPolicy
	Routes       []Route
}

// Defaults returns the built-in table.
func Defaults() Table {
	return Table{
		DefaultClass: admission.ClassGeneral,
		DecayDelay:   admission.DefaultDecayDelay,
		Abuse: admission.AbuseThresholds{
			MaxRequestRate:  admission.DefaultMaxRequestRate,
			MaxEndpoints:    admission.DefaultMaxEndpoints,
			MaxSignatures:   admission.DefaultMaxSignatures,
			ProfileLifetime: admission.DefaultProfileLifetime,
			MinElapsed:      admission.DefaultMinElapsed,
		},
		Policies: admission.DefaultPolicies(),
		Routes: []Route{
			{Prefix: "/healthz", Class: admission.ClassHealth, Exact: true},
			{Prefix: "/-/healthy", Class: admission.ClassHealth, Exact: true},
			{Prefix: "/-/ready", Class: admission.ClassHealth, Exact: true},
			{Prefix: "/api/auth", Class: admission.ClassAuth},
			{Prefix: "/api/bookings", Class: admission.ClassBooking},
			{Prefix: "/api/search", Class: admission.ClassSearch},
			{Prefix: "/api/payments", Class: admission.ClassPayment},
			{Prefix: "/api/messages", Class: admission.ClassMessaging},
			{Prefix: "/api/uploads", Class: admission.ClassUpload},
			{Prefix: "/api/admin", Class: admission.ClassAdmin},
		},
	}
}

// Validate reports every problem in the table, not just the first.
func (t Table) Validate() error {
	var errs []error

	if len(t.Policies) == 0 {
		errs = append(errs, errors.New("no classes defined"))
	}
	if _, ok := t.Policies[t.DefaultClass]; !ok {
		errs = append(errs, fmt.Errorf("default class %q is not defined", t.DefaultClass))
	}
	if t.DecayDelay < 0 {
		errs = append(errs, fmt.Errorf("decay delay must be >= 0 (got %s)", t.DecayDelay))
	}
	if t.Abuse.MaxRequestRate < 0 {
		errs = append(errs, fmt.Errorf("abuse max request rate must be >= 0 (got %.2f)", t.Abuse.MaxRequestRate))
	}
	if t.Abuse.MaxEndpoints < 0 || t.Abuse.MaxSignatures < 0 {
		errs = append(errs, errors.New("abuse thresholds must be >= 0"))
	}
	if t.Abuse.ProfileLifetime < 0 {
		errs = append(errs, fmt.Errorf("abuse profile lifetime must be >= 0 (got %s)", t.Abuse.ProfileLifetime))
	}
	if t.Abuse.MinElapsed < 0 {
		errs = append(errs, fmt.Errorf("abuse min elapsed must be >= 0 (got %s)", t.Abuse.MinElapsed))
	}

	for _, class := range t.Classes() {
		if class == "" {
			errs = append(errs, errors.New("class name must not be empty"))
			continue
		}
		if err := t.Policies[class].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("class %s: %w", class, err))
		}
	}

	seen := make(map[string]bool, len(t.Routes))
	for i, r := range t.Routes {
		key := normalizePrefix(r.Prefix)
		if r.Exact {
			key = "=" + key
		}
		switch {
		case !strings.HasPrefix(r.Prefix, "/"):
			errs = append(errs, fmt.Errorf("route %d: prefix %q must start with /", i, r.Prefix))
		case seen[key]:
			errs = append(errs, fmt.Errorf("route %d: duplicate prefix %q", i, r.Prefix))
		}
		seen[key] = true
		if _, ok := t.Policies[r.Class]; !ok {
			errs = append(errs, fmt.Errorf("route %d: prefix %q maps to undefined class %q", i, r.Prefix, r.Class))
		}
	}

	return errors.Join(errs...)
}

// Classes returns the defined class names in sorted order.
func (t Table) Classes() []admission.Class {
	out := make([]admission.Class, 0, len(t.Policies))
	for c := range t.Policies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Config returns an admission.Config carrying the table. Callers fill in the
// runtime fields (clock, logger, sink, observer, shards).
func (t Table) Config() admission.Config {
	policies := make(map[admission.Class]admission.QuotaPolicy, len(t.Policies))
	for c, p := range t.Policies {
		policies[c] = p
	}
	return admission.Config{
		Policies:     policies,
		DefaultClass: t.DefaultClass,
		Abuse:        t.Abuse,
		DecayDelay:   t.DecayDelay,
	}
}

// Classifier maps request paths to classes by longest matching route prefix.
type Classifier struct {
	routes []Route
	def    admission.Class
}

// NewClassifier builds a Classifier. Paths matching no route get def.
func NewClassifier(routes []Route, def admission.Class) *Classifier {
	rs := make([]Route, len(routes))
	for i, r := range routes {
		rs[i] = Route{Prefix: normalizePrefix(r.Prefix), Class: r.Class, Exact: r.Exact}
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if len(rs[i].Prefix) != len(rs[j].Prefix) {
			return len(rs[i].Prefix) > len(rs[j].Prefix)
		}
		return rs[i].Exact && !rs[j].Exact
	})
	return &Classifier{routes: rs, def: def}
}

// Classifier returns a Classifier for the table's routes. Routes to a bypass
// class always match exactly, a bypass never covers a whole subtree.
func (t Table) Classifier() *Classifier {
	routes := make([]Route, len(t.Routes))
	for i, r := range t.Routes {
		if t.Policies[r.Class].Bypass {
			r.Exact = true
		}
		routes[i] = r
	}
	return NewClassifier(routes, t.DefaultClass)
}

// Classify returns the class for path. Dot segments and repeated slashes are
// resolved first so "/api/search/../auth" is classified as "/api/auth".
func (c *Classifier) Classify(path string) admission.Class {
	path = pathutil.Canonical(path)
	for _, r := range c.routes {
		if r.Exact {
			if path == r.Prefix {
				return r.Class
			}
			continue
		}
		if matchPrefix(path, r.Prefix) {
			return r.Class
		}
	}
	return c.def
}

// Routes returns the routes in match order.
func (c *Classifier) Routes() []Route {
	out := make([]Route, len(c.routes))
	copy(out, c.routes)
	return out
}

func matchPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// normalizePrefix drops trailing slashes so "/api/auth/" and "/api/auth" are the same route.
func normalizePrefix(p string) string {
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" && strings.HasPrefix(p, "/") {
		return "/"
	}
	return trimmed
}
