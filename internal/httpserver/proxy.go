package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-admission/internal/admissionhttp"
	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

// ClassHeader tells the upstream which admission class a request was counted under.
const ClassHeader = "X-Admission-Class"

type ProxyOptions struct {
	Upstream *url.URL
	// Transport defaults to an otelhttp-instrumented clone of http.DefaultTransport.
	Transport http.RoundTripper
	// OnError is called with the admission class for every failed upstream round trip.
	OnError func(class string)
}

// NewProxy returns a reverse proxy to opts.Upstream.
func NewProxy(opts ProxyOptions) (*httputil.ReverseProxy, error) {
	u := opts.Upstream
	if u == nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, xerrors.Newf("upstream must be an absolute http(s) url, got %q", u)
	}

	transport := opts.Transport
	if transport == nil {
		transport = otelhttp.NewTransport(defaultTransport())
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.SetXForwarded()
			pr.Out.Header.Del(ClassHeader)
			if d, ok := admissionhttp.FromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(ClassHeader, string(d.Class))
			}
		},
		Transport:    transport,
		ErrorHandler: proxyErrorHandler(opts.OnError),
	}, nil
}

func defaultTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	t.ResponseHeaderTimeout = 25 * time.Second
	t.MaxIdleConnsPerHost = 64
	return t
}

func proxyErrorHandler(onError func(class string)) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		ctx := r.Context()
		L := log.FromContext(ctx)

		// the client went away, nothing to report
		if errors.Is(err, context.Canceled) {
			L.Debug(ctx, "client canceled proxied request", "err", err)
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		class := ""
		if d, ok := admissionhttp.FromContext(ctx); ok {
			class = string(d.Class)
		}
		L.Error(ctx, xerrors.Wrap(err, "upstream round trip"), "upstream request failed", "class", class)
		if onError != nil {
			onError(class)
		}

		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{
				"code":    "UPSTREAM_UNAVAILABLE",
				"message": "The service is temporarily unavailable.",
			},
		})
	}
}
