package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-admission/internal/version"
)

// ServerMetrics owns the process registry. It implements admission.Observer.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	upstreamErrors *prometheus.CounterVec

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	decisionsTotal  *prometheus.CounterVec
	checkDur        *prometheus.HistogramVec
	violationsTotal *prometheus.CounterVec
	flaggedTotal    *prometheus.CounterVec
	tracked         *prometheus.GaugeVec
	sweepsTotal     prometheus.Counter
	sweepEvicted    prometheus.Counter
	sweepDur        prometheus.Histogram

	policyInfo     *prometheus.GaugeVec
	policyLoadedTs prometheus.Gauge
}

// New returns a fresh registry with standard collectors, HTTP metrics, and
// admission metrics. Labels are bounded: route patterns, classes, outcomes,
// and reasons, never identities or raw paths.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_upstream_errors_total",
			Help: "Requests admitted but failed while proxying upstream, by class",
		}, []string{"class"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Admission decisions by route class and outcome",
		}, []string{"class", "outcome"}),
		checkDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admission_check_duration_seconds",
			Help:    "Time spent deciding admission by route class",
			Buckets: []float64{0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.005},
		}, []string{"class"}),
		violationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_violations_total",
			Help: "Violations recorded by progressive route classes",
		}, []string{"class"}),
		flaggedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_abuse_flagged_total",
			Help: "Identities flagged by the abuse detector, by heuristic",
		}, []string{"reason"}),
		tracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "admission_tracked_identities",
			Help: "Identities currently held in admission state, by table",
		}, []string{"kind"}),
		sweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_reaper_sweeps_total",
			Help: "Completed reaper sweeps",
		}),
		sweepEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_reaper_evicted_total",
			Help: "Records evicted by the reaper",
		}),
		sweepDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "admission_reaper_duration_seconds",
			Help:    "Duration of one reaper sweep",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		policyInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "admission_policy_info",
			Help: "Active policy source and digest (labels carry value, gauge is always 1)",
		}, []string{"source", "sha256"}),
		policyLoadedTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "admission_policy_loaded_timestamp_seconds",
			Help: "Unix timestamp of when the active policy was loaded",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.upstreamErrors,
		m.buildInfo,
		m.profilingActive,
		m.decisionsTotal,
		m.checkDur,
		m.violationsTotal,
		m.flaggedTotal,
		m.tracked,
		m.sweepsTotal,
		m.sweepEvicted,
		m.sweepDur,
		m.policyInfo,
		m.policyLoadedTs,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

// Registry exposes the registry for tests and extra collectors.
func (m *ServerMetrics) Registry() *prometheus.Registry { return m.reg }

func (m *ServerMetrics) IncHttpPanic() { m.httpPanicTotal.Inc() }

func (m *ServerMetrics) IncUpstreamError(class string) {
	m.upstreamErrors.WithLabelValues(class).Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildID,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// SetPolicy records the active policy, replacing any previous label set.
func (m *ServerMetrics) SetPolicy(source, sha256 string, loadedAt time.Time) {
	m.policyInfo.Reset()
	m.policyInfo.WithLabelValues(source, sha256).Set(1)
	m.policyLoadedTs.Set(float64(loadedAt.Unix()))
}

func (m *ServerMetrics) ObserveDecision(class, outcome string, seconds float64) {
	m.decisionsTotal.WithLabelValues(class, outcome).Inc()
	m.checkDur.WithLabelValues(class).Observe(seconds)
}

func (m *ServerMetrics) IncViolation(class string) {
	m.violationsTotal.WithLabelValues(class).Inc()
}

func (m *ServerMetrics) IncAbuseFlagged(reason string) {
	m.flaggedTotal.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) ObserveSweep(seconds float64, evicted int) {
	m.sweepsTotal.Inc()
	m.sweepEvicted.Add(float64(evicted))
	m.sweepDur.Observe(seconds)
}

func (m *ServerMetrics) SetTracked(kind string, n int) {
	m.tracked.WithLabelValues(kind).Set(float64(n))
}
