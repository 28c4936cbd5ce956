// Package admissionhttp applies admission decisions to HTTP requests: it
// resolves the caller identity, classifies the route, asks the controller,
// and renders rejections as 429 responses.
package admissionhttp

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-admission/internal/admission"
	"github.com/keithlinneman/linnemanlabs-admission/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
	"github.com/keithlinneman/linnemanlabs-admission/internal/pathutil"
)

const (
	DefaultSignatureHeader = "User-Agent"

	subjectPrefix = "sub:"
	addressPrefix = "ip:"

	// maxSubjectLen bounds identity keys taken from headers.
	maxSubjectLen = 256
)

// Checker decides on one request. *admission.Controller implements it.
type Checker interface {
	Check(ctx context.Context, req admission.Request) admission.Decision
}

// Classifier maps a request path to a class. *policy.Classifier implements it.
type Classifier interface {
	Classify(path string) admission.Class
}

type Options struct {
	Controller Checker
	Classifier Classifier

	// IdentityHeader carries the authenticated subject set by an upstream
	// authentication layer. Empty means every caller is keyed by address.
	IdentityHeader string
	// SignatureHeader is counted for client diversity. Defaults to User-Agent.
	SignatureHeader string

	Logger log.Logger
	// Now is used for the X-RateLimit-Reset header. Defaults to time.Now.
	Now func() time.Time
}

type decisionKey struct{}

// FromContext returns the decision made for the current request.
func FromContext(ctx context.Context) (admission.Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(admission.Decision)
	return d, ok
}

// Middleware admits or rejects each request before it reaches next. It must
// run after httpmw.ClientIPWithOptions so address identities are correct.
func Middleware(opts Options) httpmw.Middleware {
	if opts.SignatureHeader == "" {
		opts.SignatureHeader = DefaultSignatureHeader
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identity, authenticated := ResolveIdentity(r, opts.IdentityHeader)
			endpoint := pathutil.Canonical(r.URL.Path)
			class := opts.Classifier.Classify(endpoint)

			d := opts.Controller.Check(ctx, admission.Request{
				Identity:        identity,
				Authenticated:   authenticated,
				Class:           class,
				Endpoint:        endpoint,
				ClientSignature: r.Header.Get(opts.SignatureHeader),
			})

			httpmw.Annotate(ctx, "admission.class", string(d.Class), "admission.outcome", string(d.Outcome))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("admission.class", string(d.Class)),
					attribute.String("admission.outcome", string(d.Outcome)),
					attribute.Bool("admission.authenticated", authenticated),
				)
				if d.Reason != "" {
					span.SetAttributes(attribute.String("admission.reason", d.Reason))
				}
			}

			if d.Limited() {
				SetRateLimitHeaders(w.Header(), d, opts.Now())
			}
			if !d.Allowed() {
				opts.Logger.Debug(ctx, "request rejected",
					"identity", identity,
					"class", d.Class,
					"outcome", d.Outcome,
					"code", d.Code,
					"retry_after_seconds", d.RetryAfterSeconds,
				)
				WriteDecision(w, d)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, decisionKey{}, d)))
		})
	}
}

// ResolveIdentity returns the admission identity for r. A non-empty subject
// in identityHeader is an authenticated identity; otherwise the client
// address from httpmw.ClientIPFromContext is used, falling back to
// httpmw.UnknownClientIP.
func ResolveIdentity(r *http.Request, identityHeader string) (string, bool) {
	if identityHeader != "" {
		if sub := strings.TrimSpace(r.Header.Get(identityHeader)); sub != "" {
			if len(sub) > maxSubjectLen {
				sub = sub[:maxSubjectLen]
			}
			return subjectPrefix + sub, true
		}
	}
	ip := httpmw.ClientIPFromContext(r.Context())
	if ip == "" {
		ip = httpmw.UnknownClientIP
	}
	return addressPrefix + ip, false
}

// SetRateLimitHeaders writes the X-RateLimit-* headers for a limited decision.
// Reset is the unix time in seconds at which the window resets.
func SetRateLimitHeaders(h http.Header, d admission.Decision, now time.Time) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
	reset := d.ResetAt
	if reset.IsZero() || reset.Before(now) {
		reset = now
	}
	h.Set("X-RateLimit-Reset", strconv.FormatInt(int64(math.Ceil(float64(reset.UnixNano())/1e9)), 10))
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	ViolationCount    int    `json:"violation_count,omitempty"`
}

// WriteDecision renders a rejected decision as a JSON error response.
func WriteDecision(w http.ResponseWriter, d admission.Decision) {
	status := d.HTTPStatus
	if status == 0 {
		status = http.StatusTooManyRequests
	}

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	if d.Outcome == admission.OutcomeThrottle && d.RetryAfterSeconds > 0 {
		h.Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
	}
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Code:              d.Code,
		Message:           d.Message,
		RetryAfterSeconds: d.RetryAfterSeconds,
		ViolationCount:    d.ViolationCount,
	}})
}
