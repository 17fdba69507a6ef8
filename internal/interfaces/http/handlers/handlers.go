package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/cryptotrader/internal/domain"
	"github.com/sawpanic/cryptotrader/internal/engine"
	httpContracts "github.com/sawpanic/cryptotrader/internal/http"
)

// Controller is the engine manager as seen by the control surface
type Controller interface {
	StartEngine(ctx context.Context, symbol, mode string, o engine.Overrides) (domain.HealthSnapshot, error)
	StopEngine(ctx context.Context, symbol string) error
	RestartEngine(ctx context.Context, symbol string) (domain.HealthSnapshot, error)
	GetEngineStatus(symbol string) (domain.HealthSnapshot, bool)
	Statuses() []domain.HealthSnapshot
	GetSummary() domain.Summary
	UpdateParams(symbol string, o engine.Overrides) (engine.Params, error)
}

// CircuitFunc reports a named circuit breaker state
type CircuitFunc func() string

// Handlers manages all HTTP endpoint handlers
type Handlers struct {
	ctrl     Controller
	circuits map[string]CircuitFunc
	logger   zerolog.Logger
	now      func() time.Time
}

// NewHandlers creates a new handlers instance. circuits may be nil.
func NewHandlers(ctrl Controller, circuits map[string]CircuitFunc) *Handlers {
	return &Handlers{
		ctrl:     ctrl,
		circuits: circuits,
		logger:   log.Logger.With().Str("component", "http").Logger(),
		now:      time.Now,
	}
}

type requestIDKey struct{}

// WithRequestID stores the request id on ctx
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id stored by WithRequestID, or "unknown"
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return "unknown"
}

// writeJSON writes JSON response with proper error handling
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError writes standardized error response
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, httpContracts.ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: RequestID(r.Context()),
		Timestamp: h.now().UTC(),
	})
}

// NotFound handles 404 responses
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}
