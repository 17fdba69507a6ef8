package handlers

import (
	"net/http"

	"github.com/sawpanic/cryptotrader/internal/domain"
	httpContracts "github.com/sawpanic/cryptotrader/internal/http"
)

// Health handles GET /health. Any engine in ERROR or an open circuit
// reports degraded.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	engines := h.ctrl.Statuses()
	resp := httpContracts.HealthResponse{
		Status:    "healthy",
		Timestamp: h.now().UTC(),
		Engines:   engines,
	}
	for _, e := range engines {
		resp.Summary.Add(e.Status)
		if e.Status == domain.StatusError {
			resp.Status = "degraded"
		}
	}

	if len(h.circuits) > 0 {
		resp.Circuits = make(map[string]httpContracts.CircuitHealth, len(h.circuits))
		for name, state := range h.circuits {
			s := state()
			resp.Circuits[name] = httpContracts.CircuitHealth{Name: name, State: s}
			if s == "open" {
				resp.Status = "degraded"
			}
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Summary handles GET /summary
func (h *Handlers) Summary(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.ctrl.GetSummary())
}
