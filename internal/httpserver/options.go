package httpserver

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-admission/internal/health"
	"github.com/keithlinneman/linnemanlabs-admission/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
)

// DefaultMaxBodyBytes caps request bodies forwarded upstream.
const DefaultMaxBodyBytes = 10 << 20

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    httpmw.Middleware

	ClientIPOpts httpmw.ClientIPOptions
	// AdmissionMW runs after client IP resolution and before the upstream.
	AdmissionMW httpmw.Middleware
	// Upstream receives every admitted request that is not a gateway route.
	Upstream http.Handler

	Health    health.Probe
	Readiness health.Probe

	MaxBodyBytes int64
}
