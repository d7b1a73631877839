package health

import (
	"encoding/json"
	"net/http"
)

type status struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// HealthzHandler answers liveness. A nil probe always passes.
func HealthzHandler(p Probe) http.HandlerFunc {
	return handler(p, "ok", "unhealthy")
}

// ReadyzHandler answers readiness. A nil probe always passes.
func ReadyzHandler(p Probe) http.HandlerFunc {
	return handler(p, "ready", "not ready")
}

func handler(p Probe, okStatus, failStatus string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")

		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(status{Status: failStatus, Reason: err.Error()})
				return
			}
		}
		_ = json.NewEncoder(w).Encode(status{Status: okStatus})
	}
}
