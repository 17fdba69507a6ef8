// Package risk provides the drawdown stop, ATR position sizing and the
// StateStore-backed kill switch consulted by every engine cycle.
package risk

import (
	"math"
	"sync"

	"github.com/sawpanic/cryptotrader/internal/config"
)

// Reasons reported in a Decision
const (
	ReasonOK          = "ok"
	ReasonDailyDDStop = "daily_dd_stop"
	ReasonNoStop      = "no_stop"
	ReasonKillSwitch  = "kill_switch"
)

// Decision is advisory; producing one never mutates risk state
type Decision struct {
	Allow    bool    `json:"allow"`
	Reason   string  `json:"reason"`
	SizeUSD  float64 `json:"size_usd"`
	Leverage float64 `json:"leverage"`
}

// Engine evaluates drawdown limits and sizes positions. Equity is shared by
// all engines and guarded by a mutex.
type Engine struct {
	cfg config.RiskConfig

	mu     sync.RWMutex
	equity float64
}

// NewEngine creates a risk engine seeded with cfg.Equity
func NewEngine(cfg config.RiskConfig) *Engine {
	return &Engine{cfg: cfg, equity: cfg.Equity}
}

// Config returns the risk configuration
func (e *Engine) Config() config.RiskConfig {
	return e.cfg
}

// SetEquity updates the account equity used for sizing
func (e *Engine) SetEquity(equity float64) {
	e.mu.Lock()
	e.equity = equity
	e.mu.Unlock()
}

// Equity returns the current account equity
func (e *Engine) Equity() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.equity
}

// CheckDailyDD disallows trading once the intraday drawdown reaches the stop
func (e *Engine) CheckDailyDD(ddPct float64) Decision {
	if e.cfg.KillSwitchOnDD && ddPct >= e.cfg.DailyDrawdownStopPct {
		return Decision{Allow: false, Reason: ReasonDailyDDStop}
	}
	return Decision{Allow: true, Reason: ReasonOK}
}

// PositionSizeByATR returns the notional in USD risking risk_per_trade_pct of
// equity against a stop of atr*atr_sl_mult, capped at equity*max_leverage.
// Without a positive stop distance the size is zero.
func (e *Engine) PositionSizeByATR(atr, price float64) float64 {
	equity := e.Equity()
	riskUSD := equity * e.cfg.RiskPerTradePct
	stopUSD := atr * e.cfg.ATRSLMult
	if stopUSD <= 0 || math.IsNaN(stopUSD) || price <= 0 {
		return 0
	}
	qty := riskUSD / stopUSD
	notional := qty * price
	return math.Min(notional, equity*e.cfg.MaxLeverage)
}

// Evaluate combines the drawdown check with ATR sizing
func (e *Engine) Evaluate(ddPct, atr, price float64) Decision {
	d := e.CheckDailyDD(ddPct)
	if !d.Allow {
		return d
	}
	size := e.PositionSizeByATR(atr, price)
	if size <= 0 {
		return Decision{Allow: false, Reason: ReasonNoStop}
	}
	d.SizeUSD = size
	if equity := e.Equity(); equity > 0 {
		d.Leverage = size / equity
	}
	return d
}
