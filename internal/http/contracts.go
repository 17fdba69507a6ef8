// Package http holds the JSON contracts of the control surface
package http

import (
	"time"

	"github.com/sawpanic/cryptotrader/internal/domain"
	"github.com/sawpanic/cryptotrader/internal/engine"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                   `json:"status"` // healthy, degraded
	Timestamp time.Time                `json:"timestamp"`
	Summary   domain.Summary           `json:"summary"`
	Engines   []domain.HealthSnapshot  `json:"engines"`
	Circuits  map[string]CircuitHealth `json:"circuits,omitempty"`
}

// CircuitHealth represents circuit breaker status
type CircuitHealth struct {
	Name  string `json:"name"`
	State string `json:"state"` // closed, open, half-open
}

// StartRequest is the body of POST /engines/{symbol}/start. Both fields are
// optional.
type StartRequest struct {
	Mode      string           `json:"mode,omitempty"`
	Overrides engine.Overrides `json:"overrides,omitempty"`
}

// ParamsResponse is returned after a parameter update
type ParamsResponse struct {
	Symbol string        `json:"symbol"`
	Params engine.Params `json:"params"`
}

// StopResponse confirms an engine was torn down
type StopResponse struct {
	Symbol  string `json:"symbol"`
	Removed bool   `json:"removed"`
}

// ErrorResponse represents API error responses
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}
