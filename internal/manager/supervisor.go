package manager

import (
	"context"
	"errors"
	"time"

	"github.com/sawpanic/cryptotrader/internal/domain"
)

const (
	feedRetryMin = time.Second
	feedRetryMax = 30 * time.Second
	// a stream that stayed up this long reconnects from feedRetryMin again
	feedHealthyAfter = time.Minute
)

// reportFault is the engines' OnFault hook. It runs on the engine goroutine
// and must not block, so events beyond the buffer are left to health polling.
func (m *EngineManager) reportFault(symbol string, err error) {
	select {
	case m.faults <- fault{symbol: symbol, err: err}:
	default:
		m.logger.Warn().Str("symbol", symbol).Msg("Fault queue full, deferring to health poll")
	}
}

// Run supervises engines until ctx is done: fault events are handled as
// they arrive and every engine is polled for ERROR on the health interval.
func (m *EngineManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.HealthPollInterval)
	defer ticker.Stop()

	m.logger.Info().
		Bool("auto_recover", m.cfg.AutoRecover).
		Dur("health_poll_interval", m.cfg.HealthPollInterval).
		Msg("Supervisor started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-m.faults:
			m.handleFault(ctx, f.symbol, f.err)
		case <-ticker.C:
			m.pollHealth(ctx)
		}
	}
}

func (m *EngineManager) pollHealth(ctx context.Context) {
	for _, h := range m.Statuses() {
		m.metrics.SetStatus(h.Symbol, int(h.Status))
		if h.Status == domain.StatusError {
			m.handleFault(ctx, h.Symbol, errors.New(h.LastError))
		}
	}
}

// handleFault applies recovery to one ERROR transition. Without auto
// recovery the fault is logged once and the engine stays in ERROR.
func (m *EngineManager) handleFault(ctx context.Context, symbol string, err error) {
	if !m.cfg.AutoRecover {
		m.noteFault(symbol, err)
		return
	}
	if rerr := m.Recover(ctx, symbol); rerr != nil && !errors.Is(rerr, ErrRecoveryDenied) && !errors.Is(rerr, ErrEngineNotFound) {
		m.logger.Error().Err(rerr).Str("symbol", symbol).Msg("Automatic restart failed")
	}
}

func (m *EngineManager) noteFault(symbol string, err error) {
	l := m.symbolLock(symbol)
	l.Lock()
	defer l.Unlock()

	e, ok := m.lookup(symbol)
	if !ok || e.faultHandled || e.strategy.Health().Status != domain.StatusError {
		return
	}
	e.faultHandled = true
	m.logger.Error().Err(err).Str("symbol", symbol).Msg("Engine in ERROR, automatic recovery disabled")
}

// startFeed pumps live samples into the engine until the entry is torn down
func (m *EngineManager) startFeed(symbol string, e *entry) {
	if m.feed == nil || !m.cfg.Stream {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.feedCancel = cancel
	e.feedDone = done

	go func() {
		defer close(done)
		var wait time.Duration
		for {
			started := time.Now()
			err := m.feed.Stream(ctx, symbol, e.strategy.PushMD)
			if ctx.Err() != nil {
				return
			}
			wait = feedBackoff(wait, time.Since(started))
			m.logger.Warn().Err(err).Str("symbol", symbol).Dur("retry_in", wait).Msg("Market data feed ended, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()
}

// feedBackoff returns the delay before the next reconnect given the previous
// delay and how long the stream ran
func feedBackoff(prev, ran time.Duration) time.Duration {
	if prev <= 0 || ran >= feedHealthyAfter {
		return feedRetryMin
	}
	return min(prev*2, feedRetryMax)
}

func (m *EngineManager) stopFeed(e *entry) {
	if e.feedCancel == nil {
		return
	}
	e.feedCancel()
	<-e.feedDone
	e.feedCancel = nil
}
