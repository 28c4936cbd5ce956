package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-admission/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// Admission enables the /debug/admission endpoints.
	Admission Inspector
	// PolicySource describes where the active policy came from, shown by
	// /debug/admission/policies.
	PolicySource PolicySource

	UseRecoverMW bool
	// OnPanic runs after a recovered panic, e.g. to count it.
	OnPanic func()
}

// PolicySource identifies the loaded policy document.
type PolicySource struct {
	Source string `json:"source"`
	SHA256 string `json:"sha256"`
	Signed bool   `json:"signed"`
}
