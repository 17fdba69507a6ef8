// Package feeder bootstraps per-symbol bar history and pumps live ticks
// into engine queues.
package feeder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/cryptotrader/internal/config"
	"github.com/sawpanic/cryptotrader/internal/domain"
	"github.com/sawpanic/cryptotrader/internal/exchange"
	"github.com/sawpanic/cryptotrader/internal/metrics"
)

// MarketFeeder turns exchange data into a regular bar series and a stream
// of market data samples
type MarketFeeder struct {
	exchange  exchange.Adapter
	timeframe string
	interval  time.Duration
	limit     int
	metrics   *metrics.Registry
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a feeder for the configured timeframe
func New(adapter exchange.Adapter, cfg config.ExchangeConfig, m *metrics.Registry) (*MarketFeeder, error) {
	interval, err := exchange.ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("feeder: %w", err)
	}
	limit := cfg.BootstrapLimit
	if limit <= 0 {
		limit = 500
	}
	return &MarketFeeder{
		exchange:  adapter,
		timeframe: cfg.Timeframe,
		interval:  interval,
		limit:     limit,
		metrics:   m,
		logger:    log.With().Str("component", "feeder").Logger(),
		now:       time.Now,
	}, nil
}

// Interval returns the bar interval
func (f *MarketFeeder) Interval() time.Duration {
	return f.interval
}

// BootstrapBars fetches recent history for symbol and repairs gaps
func (f *MarketFeeder) BootstrapBars(ctx context.Context, symbol string) ([]domain.Bar, error) {
	raw, err := f.exchange.FetchOHLCV(ctx, symbol, f.timeframe, f.limit)
	if err != nil {
		return nil, fmt.Errorf("bootstrap %s: %w", symbol, err)
	}

	raw, future := dropFuture(raw, f.now().Add(f.interval))
	if future > 0 {
		f.logger.Warn().
			Str("symbol", symbol).
			Int("dropped", future).
			Msg("Dropped bars stamped in the future")
	}

	bars, report := repairGaps(raw, f.interval, f.limit)
	if report.dropped > 0 {
		f.logger.Warn().
			Str("symbol", symbol).
			Int("dropped", report.dropped).
			Msg("Dropped out-of-order or duplicate bars")
	}
	if report.discarded > 0 {
		f.logger.Warn().
			Str("symbol", symbol).
			Int("discarded", report.discarded).
			Int("max_fill", f.limit).
			Msg("Gap too large to fill, discarded history before it")
	}
	if report.synthesized > 0 {
		f.logger.Info().
			Str("symbol", symbol).
			Int("synthesized", report.synthesized).
			Msg("Forward-filled missing bars")
		f.metrics.RecordGapBars(symbol, report.synthesized)
	}

	f.logger.Info().
		Str("symbol", symbol).
		Str("timeframe", f.timeframe).
		Int("bars", len(bars)).
		Msg("Bootstrapped bars")
	return bars, nil
}

// maxFillDefault bounds the bars RepairGaps synthesizes for a single gap
const maxFillDefault = 10000

// RepairGaps returns a strictly regular series: bar times are snapped to the
// interval grid, bars whose time does not advance are dropped, and every
// missing interval boundary between two bars is filled with a flat bar at the
// prior close and zero volume. Gap-free input comes back unchanged; empty
// input gives empty output.
func RepairGaps(bars []domain.Bar, interval time.Duration) []domain.Bar {
	out, _ := repairGaps(bars, interval, maxFillDefault)
	return out
}

type repairReport struct {
	dropped     int
	synthesized int
	discarded   int
}

// repairGaps fills at most maxFill bars per gap. A wider gap cannot be
// bridged into a regular series, so the bars before it are discarded and the
// series restarts at the bar after it. maxFill <= 0 disables the bound.
func repairGaps(bars []domain.Bar, interval time.Duration, maxFill int) ([]domain.Bar, repairReport) {
	var report repairReport
	if len(bars) == 0 {
		return []domain.Bar{}, report
	}
	if interval <= 0 {
		return append([]domain.Bar(nil), bars...), report
	}

	out := make([]domain.Bar, 0, len(bars))
	out = append(out, snap(bars[0], interval))
	filled := 0 // synthesized within the current segment
	for _, b := range bars[1:] {
		b = snap(b, interval)
		prev := out[len(out)-1]
		if !b.Time.After(prev.Time) {
			report.dropped++
			continue
		}

		missing := int(b.Time.Sub(prev.Time)/interval) - 1
		if maxFill > 0 && missing > maxFill {
			report.discarded += len(out) - filled
			filled = 0
			out = append(out[:0], b)
			continue
		}
		for ts := prev.Time.Add(interval); ts.Before(b.Time); ts = ts.Add(interval) {
			out = append(out, flatBar(ts, prev.Close))
			filled++
		}
		out = append(out, b)
	}
	report.synthesized = filled
	return out, report
}

func snap(b domain.Bar, interval time.Duration) domain.Bar {
	b.Time = b.Time.Truncate(interval)
	return b
}

func flatBar(ts time.Time, price float64) domain.Bar {
	return domain.Bar{Time: ts, Open: price, High: price, Low: price, Close: price}
}

// dropFuture removes bars stamped after cutoff
func dropFuture(bars []domain.Bar, cutoff time.Time) ([]domain.Bar, int) {
	out := bars[:0:0]
	for _, b := range bars {
		if b.Time.After(cutoff) {
			continue
		}
		out = append(out, b)
	}
	return out, len(bars) - len(out)
}

// Stream converts the venue ticker into samples and hands each to sink until
// ctx is done or the ticker closes. Trade volume seen between two ticks is
// attached to the later sample when the venue streams trades.
func (f *MarketFeeder) Stream(ctx context.Context, symbol string, sink func(domain.MarketDataSample)) error {
	symbol = strings.ToUpper(symbol)
	ticks, err := f.exchange.StreamTicker(ctx, symbol)
	if err != nil {
		return fmt.Errorf("stream %s: %w", symbol, err)
	}
	trades, err := f.exchange.StreamTrades(ctx, symbol)
	if err != nil {
		f.logger.Warn().Err(err).Str("symbol", symbol).Msg("Trade stream unavailable, samples carry no volume")
		trades = nil
	}

	f.logger.Info().Str("symbol", symbol).Msg("Live feed started")
	defer f.logger.Info().Str("symbol", symbol).Msg("Live feed stopped")

	var volume float64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tr, ok := <-trades:
			if !ok {
				trades = nil
				continue
			}
			volume += tr.Qty
		case tk, ok := <-ticks:
			if !ok {
				return ctx.Err()
			}
			if s, valid := sampleFromTicker(symbol, tk, volume); valid {
				volume = 0
				sink(s)
			}
		}
	}
}

func sampleFromTicker(symbol string, tk exchange.Ticker, volume float64) (domain.MarketDataSample, bool) {
	mid := tk.Mid()
	if mid <= 0 {
		return domain.MarketDataSample{}, false
	}
	at := tk.Time
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return domain.MarketDataSample{
		Symbol:     symbol,
		Price:      domain.Float(mid),
		Spread:     domain.Float(tk.Spread()),
		Volume:     volume,
		ReceivedAt: at,
	}, true
}
