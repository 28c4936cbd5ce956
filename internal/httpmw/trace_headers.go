package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// TraceResponseHeaders echoes the gateway's trace and span ids so clients can
// quote them when reporting a rejected request. The headers are set when the
// status line is written, replacing any copies the upstream returned.
func TraceResponseHeaders(traceHeader, spanHeader string) Middleware {
	if traceHeader == "" {
		traceHeader = "X-Trace-Id"
	}
	if spanHeader == "" {
		spanHeader = "X-Span-Id"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc := trace.SpanContextFromContext(r.Context())
			if !sc.IsValid() {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(&traceHeaderWriter{
				ResponseWriter: w,
				set: func(h http.Header) {
					h.Set(traceHeader, sc.TraceID().String())
					h.Set(spanHeader, sc.SpanID().String())
				},
			}, r)
		})
	}
}

type traceHeaderWriter struct {
	http.ResponseWriter
	set   func(http.Header)
	wrote bool
}

func (w *traceHeaderWriter) WriteHeader(code int) {
	if !w.wrote {
		w.wrote = true
		w.set(w.Header())
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *traceHeaderWriter) Write(p []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

func (w *traceHeaderWriter) Flush() {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *traceHeaderWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
