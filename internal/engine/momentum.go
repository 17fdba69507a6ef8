package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/cryptotrader/internal/domain"
	"github.com/sawpanic/cryptotrader/internal/domain/indicators"
	"github.com/sawpanic/cryptotrader/internal/execution"
	"github.com/sawpanic/cryptotrader/internal/risk"
	"github.com/sawpanic/cryptotrader/internal/state"
)

const (
	momentumLookback = 5
	windowBars       = 256
	qtyPrecision     = 6
)

// momentum trades in the direction of recent ATR-normalised price change.
// With a trained model the model's probability decides; without one the
// momentum itself is mapped to a probability.
type momentum struct {
	symbol string
	deps   Deps

	mu     sync.Mutex
	window *BarWindow
}

// NewMomentumStrategy builds a TradingEngine running the momentum decider
func NewMomentumStrategy(symbol string, params Params, deps Deps) (Strategy, error) {
	if deps.Risk == nil || deps.Store == nil || deps.Orders == nil {
		return nil, errors.New("momentum strategy needs risk, state store and order placer")
	}
	if deps.Interval <= 0 {
		return nil, errors.New("momentum strategy needs a bar interval")
	}
	m := &momentum{
		symbol: strings.ToUpper(strings.TrimSpace(symbol)),
		deps:   deps,
		window: NewBarWindow(deps.Interval, windowBars),
	}
	return NewTradingEngine(symbol, "momentum", params, deps, m)
}

// Warmup seeds the bar window from exchange history
func (m *momentum) Warmup(ctx context.Context, _ Params) error {
	if m.deps.Bootstrap == nil {
		return nil
	}
	bars, err := m.deps.Bootstrap(ctx, m.symbol)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.window.Seed(bars)
	m.mu.Unlock()
	return nil
}

// Decide runs one momentum decision. An order left unresolved by an earlier
// cycle is replayed with its original client order id before anything new is
// decided.
func (m *momentum) Decide(ctx context.Context, c Cycle) error {
	logger := m.deps.Logger.With().Str("symbol", c.Symbol).Logger()

	resolved, err := m.resolvePending(ctx, c.Symbol)
	if err != nil || !resolved {
		return err
	}

	if c.TimedOut || c.Sample.IsEmpty() {
		return nil
	}
	if fr := domain.EvaluateFreshness(c.Sample, c.Now, c.Params.MaxSampleAge); !fr.Fresh {
		m.deps.Metrics.RecordRisk(c.Symbol, fr.Reason)
		logger.Debug().Str("reason", fr.Reason).Dur("age", fr.Age).Msg("Skipping sample")
		return nil
	}

	m.mu.Lock()
	m.window.Update(c.Sample)
	bars := m.window.Bars()
	bar, _ := m.window.Last()
	m.mu.Unlock()

	atr, ok := indicators.ATR(bars, c.Params.ATRPeriod)
	if !ok {
		return nil
	}
	price := *c.Sample.Price

	engaged, err := m.killed(ctx, c.Symbol)
	if err != nil || engaged {
		return err
	}

	dd, halted, err := m.checkDrawdown(ctx, c)
	if err != nil || halted {
		return err
	}

	features := map[string]float64{
		"momentum": indicators.Momentum(bars, momentumLookback, atr),
		"atr_pct":  atr / price,
	}
	if rsi, ok := indicators.RSI(bars, c.Params.ATRPeriod); ok {
		features["rsi"] = (rsi - 50) / 50
	}
	if c.Sample.Spread != nil {
		features["spread_bps"] = *c.Sample.Spread / price * 1e4
	}

	var probability float64
	if p, trained := m.deps.Model.Score(features).Probability(); trained {
		probability = p
	} else {
		probability = 0.5 + 0.5*math.Tanh(features["momentum"]/2)
	}
	if math.Abs(probability-0.5) < c.Params.ScoreThreshold {
		return nil
	}
	side := domain.SideSell
	if probability > 0.5 {
		side = domain.SideBuy
	}

	held, _, err := m.deps.Store.Get(ctx, state.PositionKey(c.Symbol))
	if err != nil {
		return fmt.Errorf("read position: %w", err)
	}
	if held == string(side) {
		return nil
	}

	decision := m.deps.Risk.Evaluate(dd, atr, price)
	m.deps.Metrics.RecordRisk(c.Symbol, decision.Reason)
	if !decision.Allow {
		logger.Info().Str("reason", decision.Reason).Float64("drawdown", dd).Msg("Trade disallowed by risk")
		return nil
	}

	qty := decimal.NewFromFloat(decision.SizeUSD / price).Round(qtyPrecision)
	if !qty.IsPositive() {
		return nil
	}
	order := domain.Order{
		Symbol:       c.Symbol,
		Side:         side,
		Qty:          qty.InexactFloat64(),
		Type:         domain.OrderMarket,
		DecisionTime: bar.Time,
	}
	order.ClientOrderID = execution.ClientOrderID(order)

	if err := m.savePending(ctx, order); err != nil {
		return err
	}
	ack, err := m.submit(ctx, order)
	if err != nil {
		return err
	}

	logger.Info().
		Str("side", string(side)).
		Str("qty", qty.String()).
		Float64("price", price).
		Float64("probability", probability).
		Float64("size_usd", decision.SizeUSD).
		Str("order_id", ack.OrderID).
		Bool("replayed", ack.Replayed).
		Msg("Order placed")
	return nil
}

func (m *momentum) killed(ctx context.Context, symbol string) (bool, error) {
	if m.deps.KillSwitch == nil {
		return false, nil
	}
	engaged, err := m.deps.KillSwitch.Engaged(ctx, symbol)
	if err != nil {
		return false, fmt.Errorf("read kill switch: %w", err)
	}
	if engaged {
		m.deps.Metrics.RecordRisk(symbol, risk.ReasonKillSwitch)
	}
	return engaged, nil
}

// checkDrawdown measures today's drawdown against current equity and engages
// the global kill switch once it breaches the stop
func (m *momentum) checkDrawdown(ctx context.Context, c Cycle) (dd float64, halted bool, err error) {
	if m.deps.Drawdown == nil {
		return 0, false, nil
	}
	equity := m.deps.Risk.Equity()
	m.deps.Drawdown.MaybeReset(c.Now, equity)
	dd = m.deps.Drawdown.ComputeDD(equity)

	check := m.deps.Risk.CheckDailyDD(dd)
	if check.Allow {
		return dd, false, nil
	}
	m.deps.Metrics.RecordRisk(c.Symbol, check.Reason)
	if m.deps.KillSwitch != nil {
		if err := m.deps.KillSwitch.Engage(ctx, risk.ScopeGlobal, check.Reason); err != nil {
			return dd, true, fmt.Errorf("engage kill switch: %w", err)
		}
	}
	m.deps.Logger.Warn().
		Str("symbol", c.Symbol).
		Float64("drawdown", dd).
		Float64("equity", equity).
		Msg("Daily drawdown stop reached, trading halted")
	return dd, true, nil
}

// resolvePending replays an order persisted by an earlier cycle. It reports
// whether the symbol is free for a new decision.
func (m *momentum) resolvePending(ctx context.Context, symbol string) (bool, error) {
	raw, ok, err := m.deps.Store.Get(ctx, state.PendingOrderKey(symbol))
	if err != nil {
		return false, fmt.Errorf("read pending order: %w", err)
	}
	if !ok {
		return true, nil
	}
	var order domain.Order
	if err := json.Unmarshal([]byte(raw), &order); err != nil || order.ClientOrderID == "" {
		m.deps.Logger.Error().Err(err).Str("symbol", symbol).Msg("Discarding unreadable pending order")
		return true, m.deps.Store.Delete(ctx, state.PendingOrderKey(symbol))
	}

	engaged, err := m.killed(ctx, symbol)
	if err != nil || engaged {
		return false, err
	}

	ack, err := m.submit(ctx, order)
	if err != nil {
		return false, err
	}
	m.deps.Logger.Info().
		Str("symbol", symbol).
		Str("side", string(order.Side)).
		Float64("qty", order.Qty).
		Str("client_order_id", order.ClientOrderID).
		Str("order_id", ack.OrderID).
		Bool("replayed", ack.Replayed).
		Msg("Pending order resolved")
	return true, nil
}

func (m *momentum) savePending(ctx context.Context, o domain.Order) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode pending order: %w", err)
	}
	if err := m.deps.Store.Set(ctx, state.PendingOrderKey(o.Symbol), string(raw)); err != nil {
		return fmt.Errorf("persist pending order: %w", err)
	}
	return nil
}

// submit places o and records the position once the venue confirms it. The
// pending entry survives every failure except a definite rejection.
func (m *momentum) submit(ctx context.Context, o domain.Order) (domain.OrderAck, error) {
	key := state.PendingOrderKey(o.Symbol)
	ack, err := m.deps.Orders.Submit(ctx, o)
	if err != nil {
		if errors.Is(err, execution.ErrRejected) {
			if derr := m.deps.Store.Delete(ctx, key); derr != nil {
				m.deps.Logger.Warn().Err(derr).Str("symbol", o.Symbol).Msg("Failed to clear rejected order")
			}
		}
		return ack, fmt.Errorf("submit order: %w", err)
	}

	if err := m.deps.Store.Set(ctx, state.PositionKey(o.Symbol), string(o.Side)); err != nil {
		return ack, fmt.Errorf("record position: %w", err)
	}
	if _, err := m.deps.Store.Incr(ctx, state.CounterKey("orders", o.Symbol), 1); err != nil {
		return ack, fmt.Errorf("count order: %w", err)
	}
	if err := m.deps.Store.Delete(ctx, key); err != nil {
		return ack, fmt.Errorf("clear pending order: %w", err)
	}
	return ack, nil
}
