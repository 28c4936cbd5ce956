package opshttp

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/keithlinneman/linnemanlabs-admission/internal/admission"
)

// Inspector is the read-only view of the controller served on the ops port.
// *admission.Controller implements it.
type Inspector interface {
	Inspect(identity string) admission.Snapshot
	Stats() admission.Stats
	Classes() []admission.Class
	Policy(class admission.Class) (admission.QuotaPolicy, bool)
}

type policyView struct {
	Window         string  `json:"window,omitempty"`
	Quota          int     `json:"quota"`
	Adjustment     string  `json:"adjustment,omitempty"`
	AuthMultiplier float64 `json:"auth_multiplier,omitempty"`
	PenaltyStep    float64 `json:"penalty_step,omitempty"`
	PenaltyFloor   float64 `json:"penalty_floor,omitempty"`
	Bypass         bool    `json:"bypass,omitempty"`
}

func registerAdmission(mux *http.ServeMux, in Inspector, src PolicySource) {
	mux.HandleFunc("GET /debug/admission/identities/{identity...}", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.PathValue("identity"))
		if id == "" {
			http.Error(w, "identity required", http.StatusBadRequest)
			return
		}
		writeJSON(w, in.Inspect(id))
	})

	mux.HandleFunc("GET /debug/admission/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, in.Stats())
	})

	mux.HandleFunc("GET /debug/admission/policies", func(w http.ResponseWriter, r *http.Request) {
		classes := make(map[admission.Class]policyView)
		for _, c := range in.Classes() {
			p, ok := in.Policy(c)
			if !ok {
				continue
			}
			classes[c] = viewOf(p)
		}
		writeJSON(w, struct {
			PolicySource
			Classes map[admission.Class]policyView `json:"classes"`
		}{src, classes})
	})
}

func viewOf(p admission.QuotaPolicy) policyView {
	if p.Bypass {
		return policyView{Bypass: true}
	}
	v := policyView{
		Window:     p.Window.String(),
		Quota:      p.BaseQuota,
		Adjustment: string(p.Adjustment.Kind),
	}
	switch p.Adjustment.Kind {
	case admission.AdjustAuthBonus:
		v.AuthMultiplier = p.Adjustment.Multiplier
	case admission.AdjustProgressive:
		v.PenaltyStep = p.Adjustment.Step
		v.PenaltyFloor = p.Adjustment.Floor
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
