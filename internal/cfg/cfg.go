package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names, -http-port reads ADMIT_HTTP_PORT.
const EnvPrefix = "ADMIT_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	EnablePprof bool

	// Upstream is the service admitted requests are proxied to.
	Upstream    string
	TrustedHops int

	// IdentityHeader carries the authenticated subject set by an auth proxy in front of us.
	IdentityHeader  string
	SignatureHeader string

	PolicyFile     string
	PolicySSMParam string
	PolicyS3Bucket string
	PolicyS3Prefix string
	// PolicySigningKeyARN enables detached signature checks on remote policies.
	PolicySigningKeyARN string

	ReapSchedule string
	Shards       int

	EnableTracing   bool
	OTLPEndpoint    string
	OTLPInsecure    bool
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
}

// Register binds all config fields to fs with defaults inline.
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "public listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")

	fs.StringVar(&c.Upstream, "upstream", "http://127.0.0.1:8081", "upstream base URL admitted requests are proxied to")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 1, "number of trusted proxies in front of the gateway (0 uses the socket address)")
	fs.StringVar(&c.IdentityHeader, "identity-header", "", "header carrying the verified subject id (e.g. X-Authenticated-Subject); the front proxy must set or strip it on every request; empty keys callers by address")
	fs.StringVar(&c.SignatureHeader, "signature-header", "User-Agent", "header used as the client signature for abuse detection")

	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML policy file, empty uses built-in policies")
	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "", "ssm parameter naming the policy object hash, enables remote policy")
	fs.StringVar(&c.PolicyS3Bucket, "policy-s3-bucket", "", "s3 bucket holding policy objects")
	fs.StringVar(&c.PolicyS3Prefix, "policy-s3-prefix", "admission/policies", "s3 prefix of policy objects")
	fs.StringVar(&c.PolicySigningKeyARN, "policy-signing-key-arn", "", "KMS key ARN for remote policy signature verification")

	fs.StringVar(&c.ReapSchedule, "reap-schedule", "@every 1m", "cron spec for evicting expired admission state")
	fs.IntVar(&c.Shards, "shards", 64, "lock shards per admission table (rounded up to a power of two)")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.BoolVar(&c.OTLPInsecure, "otlp-insecure", true, "plaintext gRPC to the OTLP endpoint")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
}

// FillFromEnv sets any flag not passed on the command line from the
// environment. Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// EnvKey maps flag "foo-bar" to PREFIX_FOO_BAR.
func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// RemotePolicy reports whether policies are loaded from SSM/S3.
func (c App) RemotePolicy() bool { return c.PolicySSMParam != "" }

// Validate returns every invalid field joined, or nil.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if u, err := url.Parse(c.Upstream); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("UPSTREAM must be an http(s) URL (got %q)", c.Upstream))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 16 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..16 (got %d)", c.TrustedHops))
	}
	if c.SignatureHeader == "" {
		errs = append(errs, errors.New("SIGNATURE_HEADER is required"))
	}

	if c.PolicyFile != "" && c.RemotePolicy() {
		errs = append(errs, errors.New("POLICY_FILE and POLICY_SSM_PARAM are mutually exclusive"))
	}
	if c.RemotePolicy() {
		if c.PolicyS3Bucket == "" {
			errs = append(errs, errors.New("POLICY_S3_BUCKET is required with POLICY_SSM_PARAM"))
		}
		if c.PolicyS3Prefix == "" {
			errs = append(errs, errors.New("POLICY_S3_PREFIX is required with POLICY_SSM_PARAM"))
		}
	}

	if _, err := cron.ParseStandard(c.ReapSchedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid REAP_SCHEDULE %q: %w", c.ReapSchedule, err))
	}
	if c.Shards < 1 || c.Shards > 4096 {
		errs = append(errs, fmt.Errorf("SHARDS must be 1..4096 (got %d)", c.Shards))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, errors.New("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, errors.New("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, errors.New("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	return errors.Join(errs...)
}
