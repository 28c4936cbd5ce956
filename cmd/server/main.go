package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/linnemanlabs-admission/internal/admission"
	"github.com/keithlinneman/linnemanlabs-admission/internal/admissionhttp"
	"github.com/keithlinneman/linnemanlabs-admission/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-admission/internal/health"
	"github.com/keithlinneman/linnemanlabs-admission/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-admission/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
	"github.com/keithlinneman/linnemanlabs-admission/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-admission/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-admission/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-admission/internal/policy"
	"github.com/keithlinneman/linnemanlabs-admission/internal/prof"
	v "github.com/keithlinneman/linnemanlabs-admission/internal/version"
)

const appName = "linnemanlabs-admission"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			appName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildID, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		Service:         appName,
		Version:         vi.Version,
		Commit:          vi.Commit,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JSON:            conf.LogJSON,
		ErrorLinks:      conf.IncludeErrorLinks,
		MaxErrorLinks:   conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildID,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"upstream", conf.Upstream,
		"trusted_hops", conf.TrustedHops,
		"identity_header", conf.IdentityHeader,
		"signature_header", conf.SignatureHeader,
		"policy_file", conf.PolicyFile,
		"policy_ssm_param", conf.PolicySSMParam,
		"policy_s3_bucket", conf.PolicyS3Bucket,
		"policy_s3_prefix", conf.PolicyS3Prefix,
		"policy_signing_key_arn", conf.PolicySigningKeyARN,
		"reap_schedule", conf.ReapSchedule,
		"shards", conf.Shards,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "server", &vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildID,
			"source":    "go-agent",
		},
		MutexProfileFraction: 5,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	} else {
		m.SetProfilingActive(conf.EnablePyroscope)
	}
	defer func() { stopProf() }()

	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  conf.OTLPInsecure,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// policies are fixed for the life of the process, any load error is fatal
	loaded, err := loadPolicy(ctx, conf, L)
	if err != nil {
		L.Error(ctx, err, "failed to load admission policy")
		os.Exit(1)
	}
	m.SetPolicy(loaded.Source, loaded.SHA256, loaded.LoadedAt)
	L.Info(ctx, "loaded admission policy",
		"source", loaded.Source,
		"sha256", loaded.SHA256,
		"signed", loaded.Signed,
		"classes", loaded.Table.Classes(),
	)

	ctrlCfg := loaded.Table.Config()
	ctrlCfg.Shards = conf.Shards
	ctrlCfg.ReapSchedule = conf.ReapSchedule
	ctrlCfg.Logger = lg.With("component", "admission")
	ctrlCfg.Observer = m
	ctrl, err := admission.New(ctrlCfg)
	if err != nil {
		L.Error(ctx, err, "failed to build admission controller")
		os.Exit(1)
	}
	if err := ctrl.Start(ctx); err != nil {
		L.Error(ctx, err, "failed to start admission reaper")
		os.Exit(1)
	}
	defer ctrl.Close()

	upstreamURL, err := url.Parse(conf.Upstream)
	if err != nil {
		L.Error(ctx, err, "invalid upstream url", "upstream", conf.Upstream)
		os.Exit(1)
	}
	proxy, err := httpserver.NewProxy(httpserver.ProxyOptions{
		Upstream: upstreamURL,
		OnError:  m.IncUpstreamError,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create upstream proxy")
		os.Exit(1)
	}

	var gate health.ShutdownGate

	// not ready while draining or while the upstream refuses connections
	readiness := health.All(
		gate.Probe(),
		health.Named("upstream", health.Dial(upstreamAddr(upstreamURL), time.Second)),
	)

	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		AdmissionMW: admissionhttp.Middleware(admissionhttp.Options{
			Controller:      ctrl,
			Classifier:      loaded.Table.Classifier(),
			IdentityHeader:  conf.IdentityHeader,
			SignatureHeader: conf.SignatureHeader,
			Logger:          L,
		}),
		Upstream:  proxy,
		Health:    health.Fixed(true, ""),
		Readiness: readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start gateway http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// ops listener rejects public source addresses and forwarded requests
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		Admission:   ctrl,
		PolicySource: opshttp.PolicySource{
			Source: loaded.Source,
			SHA256: loaded.SHA256,
			Signed: loaded.Signed,
		},
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()

	L.Info(context.Background(), "shutdown signal received")

	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining for 60s")

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(60 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "gateway http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	ctrl.Close()
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
}

// loadPolicy picks the remote store, a local file or the built-in table,
// in that order.
func loadPolicy(ctx context.Context, conf cfg.App, L log.Logger) (*policy.Loaded, error) {
	switch {
	case conf.RemotePolicy():
		loader, err := policy.NewRemoteLoader(ctx, policy.RemoteOptions{
			Logger:        L,
			SSMParam:      conf.PolicySSMParam,
			S3Bucket:      conf.PolicyS3Bucket,
			S3Prefix:      conf.PolicyS3Prefix,
			SigningKeyARN: conf.PolicySigningKeyARN,
		})
		if err != nil {
			return nil, err
		}
		return loader.Load(ctx)
	case conf.PolicyFile != "":
		return policy.LoadFile(conf.PolicyFile)
	default:
		return policy.Builtin()
	}
}

// upstreamAddr returns host:port for u, filling in the scheme's default port.
func upstreamAddr(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
