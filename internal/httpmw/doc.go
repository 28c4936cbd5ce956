// Package httpmw provides HTTP middleware for the public gateway listener.
//
// httpserver composes them outermost first: recover, request ID, client IP,
// security headers, trace headers, logger, access log, metrics, then the chi
// router where admission runs per route. Middleware that needs request data
// later in the chain stores it in the context.
//
// Query strings, user agents, and other client-supplied headers are kept
// out of logs to prevent PII leaks and log injection.
package httpmw
