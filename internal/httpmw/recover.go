package httpmw

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/linnemanlabs-admission/internal/log"
	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

// Recover turns a handler panic into a 500 and an error log. onPanic, if
// set, is called after logging, typically to bump a metric.
// http.ErrAbortHandler is re-panicked so net/http can abort the response.
func Recover(L log.Logger, onPanic func()) Middleware {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				err, ok := v.(error)
				if !ok {
					err = fmt.Errorf("%v", v)
				}
				err = xerrors.WithStack(err)

				L.Error(r.Context(), err, "httpserver panic recovered",
					"request_id", RequestIDFromContext(r.Context()),
					"panic_stack", string(debug.Stack()),
					"url.path", r.URL.Path,
					"http.request.method", r.Method,
				)
				if onPanic != nil {
					onPanic()
				}
				w.Header().Set("Connection", "close")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
