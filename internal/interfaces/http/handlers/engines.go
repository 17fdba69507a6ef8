package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/sawpanic/cryptotrader/internal/engine"
	httpContracts "github.com/sawpanic/cryptotrader/internal/http"
	"github.com/sawpanic/cryptotrader/internal/manager"
)

const maxBodyBytes = 1 << 16

func symbolVar(r *http.Request) string {
	return strings.ToUpper(mux.Vars(r)["symbol"])
}

// decodeBody reads an optional JSON body; an empty body leaves v untouched
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// managerError maps manager errors onto status codes
func (h *Handlers) managerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, manager.ErrEngineNotFound):
		h.writeError(w, r, http.StatusNotFound, "engine_not_found", err.Error())
	case errors.Is(err, manager.ErrUnknownStrategy):
		h.writeError(w, r, http.StatusBadRequest, "unknown_mode", err.Error())
	case errors.Is(err, engine.ErrInvalidParams):
		h.writeError(w, r, http.StatusBadRequest, "invalid_params", err.Error())
	default:
		h.logger.Error().Err(err).Str("request_id", RequestID(r.Context())).Msg("Engine operation failed")
		h.writeError(w, r, http.StatusInternalServerError, "engine_error", err.Error())
	}
}

// StartEngine handles POST /engines/{symbol}/start
func (h *Handlers) StartEngine(w http.ResponseWriter, r *http.Request) {
	var req httpContracts.StartRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	snap, err := h.ctrl.StartEngine(r.Context(), symbolVar(r), req.Mode, req.Overrides)
	if err != nil {
		h.managerError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// StopEngine handles POST /engines/{symbol}/stop
func (h *Handlers) StopEngine(w http.ResponseWriter, r *http.Request) {
	symbol := symbolVar(r)
	if err := h.ctrl.StopEngine(r.Context(), symbol); err != nil {
		h.managerError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, httpContracts.StopResponse{Symbol: symbol, Removed: true})
}

// RestartEngine handles POST /engines/{symbol}/restart
func (h *Handlers) RestartEngine(w http.ResponseWriter, r *http.Request) {
	snap, err := h.ctrl.RestartEngine(r.Context(), symbolVar(r))
	if err != nil {
		h.managerError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// EngineStatus handles GET /engines/{symbol}
func (h *Handlers) EngineStatus(w http.ResponseWriter, r *http.Request) {
	symbol := symbolVar(r)
	snap, ok := h.ctrl.GetEngineStatus(symbol)
	if !ok {
		h.writeError(w, r, http.StatusNotFound, "engine_not_found", "no engine for "+symbol)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// ListEngines handles GET /engines
func (h *Handlers) ListEngines(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.ctrl.Statuses())
}

// UpdateParams handles PATCH /engines/{symbol}/params
func (h *Handlers) UpdateParams(w http.ResponseWriter, r *http.Request) {
	var o engine.Overrides
	if err := decodeBody(r, &o); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	symbol := symbolVar(r)
	p, err := h.ctrl.UpdateParams(symbol, o)
	if err != nil {
		h.managerError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, httpContracts.ParamsResponse{Symbol: symbol, Params: p})
}
