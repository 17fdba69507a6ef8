package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/cryptotrader/internal/metrics"
)

// EquitySource reads the account value from the venue
type EquitySource interface {
	Equity(ctx context.Context) (float64, error)
}

// EquityMonitor keeps the engine's equity in step with the venue so the
// drawdown stop sees realised and unrealised losses
type EquityMonitor struct {
	source   EquitySource
	engine   *Engine
	interval time.Duration
	metrics  *metrics.Registry
	logger   zerolog.Logger
}

// NewEquityMonitor polls source every interval; a non-positive interval
// disables polling and leaves only explicit refreshes
func NewEquityMonitor(source EquitySource, engine *Engine, interval time.Duration, m *metrics.Registry) *EquityMonitor {
	return &EquityMonitor{
		source:   source,
		engine:   engine,
		interval: interval,
		metrics:  m,
		logger:   log.With().Str("component", "equity").Logger(),
	}
}

// Refresh reads equity once and hands it to the engine. A failed or
// nonsensical read leaves the previous value in place.
func (m *EquityMonitor) Refresh(ctx context.Context) (float64, error) {
	equity, err := m.source.Equity(ctx)
	if err != nil {
		return 0, fmt.Errorf("read equity: %w", err)
	}
	if math.IsNaN(equity) || math.IsInf(equity, 0) || equity < 0 {
		return 0, fmt.Errorf("read equity: invalid value %v", equity)
	}
	m.engine.SetEquity(equity)
	m.metrics.SetEquity(equity)
	m.logger.Debug().Float64("equity", equity).Msg("Equity refreshed")
	return equity, nil
}

// Run refreshes on the interval until ctx is done
func (m *EquityMonitor) Run(ctx context.Context) error {
	if m.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn().Err(err).Float64("equity", m.engine.Equity()).Msg("Equity refresh failed, keeping last value")
			}
		}
	}
}
