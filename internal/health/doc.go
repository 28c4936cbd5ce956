// Package health has the liveness and readiness probes of the gateway and
// the handlers that serve them.
//
// Probes compose with [All] and [Any]. [ShutdownGate] fails readiness as soon
// as shutdown starts so load balancers drain the gateway before the listener
// closes, and [Dial] reports whether the upstream accepts connections.
package health
