// Package engine runs one trading loop per symbol: a bounded market data
// queue, a decision step under a deadline, and a lifecycle the manager can
// start, stop and observe.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/cryptotrader/internal/domain"
)

// ErrFatalCycle wraps faults that move an engine to ERROR
var ErrFatalCycle = errors.New("fatal cycle fault")

// TradingEngine is a per-symbol actor. It owns its queue and health
// counters; collaborators in Deps are shared.
type TradingEngine struct {
	symbol  string
	mode    string
	deps    Deps
	decider Decider
	queue   *Queue
	logger  zerolog.Logger

	// life serialises Start and Stop
	life sync.Mutex

	mu              sync.RWMutex
	params          Params
	status          domain.EngineStatus
	startedAt       time.Time
	stoppedAt       time.Time
	lastHeartbeat   time.Time
	lastErr         string
	cycles          uint64
	consecutiveErrs int
	cancel          context.CancelFunc
	done            chan struct{}
}

var _ Strategy = (*TradingEngine)(nil)

// NewTradingEngine creates a stopped engine
func NewTradingEngine(symbol, mode string, params Params, deps Deps, decider Decider) (*TradingEngine, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, errors.New("symbol is required")
	}
	if decider == nil {
		return nil, errors.New("decider is required")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &TradingEngine{
		symbol:  symbol,
		mode:    mode,
		deps:    deps,
		decider: decider,
		queue:   NewQueue(params.MDQueueMax),
		params:  params,
		status:  domain.StatusStopped,
		logger:  deps.Logger.With().Str("component", "engine").Str("symbol", symbol).Str("mode", mode).Logger(),
	}, nil
}

// Symbol returns the engine's symbol
func (e *TradingEngine) Symbol() string {
	return e.symbol
}

// Status returns the lifecycle state
func (e *TradingEngine) Status() domain.EngineStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

func (e *TradingEngine) setStatus(s domain.EngineStatus) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
	e.deps.Metrics.SetStatus(e.symbol, int(s))
}

// Start spawns the cycle loop. It is a no-op while STARTING or RUNNING. The
// loop outlives ctx; only Stop ends it.
func (e *TradingEngine) Start(ctx context.Context) error {
	e.life.Lock()
	defer e.life.Unlock()

	e.mu.Lock()
	switch e.status {
	case domain.StatusRunning, domain.StatusStarting:
		e.mu.Unlock()
		return nil
	}
	done := e.done
	e.mu.Unlock()

	// a previous loop that faulted has already exited, but make sure
	if done != nil {
		<-done
	}

	e.setStatus(domain.StatusStarting)
	params := e.Params()

	if w, ok := e.decider.(Warmer); ok {
		if err := w.Warmup(ctx, params); err != nil {
			e.mu.Lock()
			e.lastErr = err.Error()
			e.mu.Unlock()
			e.setStatus(domain.StatusError)
			e.logger.Error().Err(err).Msg("Engine warmup failed")
			return fmt.Errorf("warmup %s: %w", e.symbol, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done = make(chan struct{})

	e.mu.Lock()
	e.cancel = cancel
	e.done = done
	e.startedAt = e.deps.now()
	e.stoppedAt = time.Time{}
	e.lastErr = ""
	e.consecutiveErrs = 0
	e.mu.Unlock()

	go e.run(runCtx, done)

	e.setStatus(domain.StatusRunning)
	e.logger.Info().
		Dur("cycle_interval", params.CycleInterval).
		Int("md_queue_max", params.MDQueueMax).
		Msg("Engine started")
	return nil
}

// Stop cancels the loop and waits for the in-flight cycle to finish. It is
// safe on a stopped engine. If ctx ends first the engine is left STOPPING
// and ctx's error is returned.
func (e *TradingEngine) Stop(ctx context.Context) error {
	e.life.Lock()
	defer e.life.Unlock()

	e.mu.Lock()
	cancel, done := e.cancel, e.done
	if e.status == domain.StatusStopped {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if cancel == nil {
		e.setStatus(domain.StatusStopped)
		return nil
	}

	e.setStatus(domain.StatusStopping)
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", e.symbol, ctx.Err())
	}

	e.mu.Lock()
	e.cancel = nil
	e.stoppedAt = e.deps.now()
	e.mu.Unlock()
	e.setStatus(domain.StatusStopped)
	e.logger.Info().Msg("Engine stopped")
	return nil
}

// Done is closed when the current loop exits
func (e *TradingEngine) Done() <-chan struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.done
}

// PushMD enqueues a sample without blocking, evicting the oldest when full
func (e *TradingEngine) PushMD(s domain.MarketDataSample) {
	if s.Symbol == "" {
		s.Symbol = e.symbol
	}
	if s.ReceivedAt.IsZero() {
		s.ReceivedAt = e.deps.now()
	}
	if e.queue.Push(s) {
		e.deps.Metrics.RecordDrop(e.symbol)
		e.logger.Debug().Uint64("dropped_total", e.queue.Dropped()).Msg("Queue full, dropped oldest sample")
	}
	e.deps.Metrics.SetQueueDepth(e.symbol, e.queue.Len())
}

// Health returns a point-in-time snapshot
func (e *TradingEngine) Health() domain.HealthSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var uptime float64
	if !e.startedAt.IsZero() {
		end := e.stoppedAt
		if end.IsZero() {
			end = e.deps.now()
		}
		if end.After(e.startedAt) {
			uptime = end.Sub(e.startedAt).Seconds()
		}
	}
	return domain.HealthSnapshot{
		Symbol:        e.symbol,
		Mode:          e.mode,
		Status:        e.status,
		UptimeSeconds: uptime,
		LastHeartbeat: e.lastHeartbeat,
		QueueDepth:    e.queue.Len(),
		Dropped:       e.queue.Dropped(),
		Cycles:        e.cycles,
		LastError:     e.lastErr,
	}
}

// Params returns the current parameters
func (e *TradingEngine) Params() Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// UpdateParams applies overrides; they take effect from the next cycle
func (e *TradingEngine) UpdateParams(o Overrides) error {
	e.mu.Lock()
	next, err := e.params.Apply(o)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.params = next
	e.mu.Unlock()

	e.queue.Resize(next.MDQueueMax)
	e.logger.Info().
		Dur("cycle_interval", next.CycleInterval).
		Int("md_queue_max", next.MDQueueMax).
		Dur("md_timeout", next.MDTimeout).
		Float64("score_threshold", next.ScoreThreshold).
		Msg("Engine params updated")
	return nil
}

func (e *TradingEngine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		params := e.Params()
		start := time.Now()

		if err := e.cycle(ctx, params); err != nil {
			e.fail(err)
			return
		}

		if wait := params.CycleInterval - time.Since(start); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// nextSample waits on the queue; a timeout yields the empty sample
func (e *TradingEngine) nextSample(ctx context.Context, timeout time.Duration) (domain.MarketDataSample, bool) {
	s, ok := e.queue.Pop(ctx, timeout)
	if !ok {
		return domain.EmptySample(e.symbol), true
	}
	return s, false
}

// cycle runs one iteration and returns a non-nil error only for faults that
// must stop the engine
func (e *TradingEngine) cycle(ctx context.Context, params Params) error {
	timer := e.deps.Metrics.StartCycle(e.symbol)

	sample, timedOut := e.nextSample(ctx, params.MDTimeout)
	if ctx.Err() != nil {
		// stopping; the wait is the designed cancellation point
		return nil
	}
	if timedOut {
		e.deps.Metrics.RecordMDTimeout(e.symbol)
	}
	e.deps.Metrics.SetQueueDepth(e.symbol, e.queue.Len())

	c := Cycle{
		Symbol:   e.symbol,
		Sample:   sample,
		TimedOut: timedOut,
		Params:   params,
		Now:      e.deps.now(),
	}
	err := e.decide(ctx, c, params.DecisionTimeout)

	e.mu.Lock()
	e.lastHeartbeat = e.deps.now()
	e.cycles++
	var fatal error
	switch {
	case errors.Is(err, ErrFatalCycle):
		fatal = err
	case err != nil:
		e.consecutiveErrs++
		e.lastErr = err.Error()
		if e.consecutiveErrs >= params.MaxConsecutiveErrors {
			fatal = fmt.Errorf("%w: %d consecutive decision errors: %v", ErrFatalCycle, e.consecutiveErrs, err)
		}
	default:
		e.consecutiveErrs = 0
	}
	streak := e.consecutiveErrs
	e.mu.Unlock()

	switch {
	case fatal != nil:
		timer.Stop("fatal")
	case err != nil:
		timer.Stop("error")
		e.logger.Warn().Err(err).Int("consecutive_errors", streak).Msg("Decision failed")
	default:
		timer.Stop("ok")
	}
	return fatal
}

// decide runs the decider under its deadline. Stop does not cancel a
// decision in flight; panics become fatal faults.
func (e *TradingEngine) decide(ctx context.Context, c Cycle, timeout time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic in decision: %v", ErrFatalCycle, r)
		}
	}()
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return e.decider.Decide(dctx, c)
}

// fail moves the engine to ERROR and reports the fault
func (e *TradingEngine) fail(err error) {
	e.mu.Lock()
	e.lastErr = err.Error()
	e.stoppedAt = e.deps.now()
	e.mu.Unlock()
	e.setStatus(domain.StatusError)

	e.logger.Error().Err(err).Msg("Engine fault, entering ERROR")
	if e.deps.OnFault != nil {
		e.deps.OnFault(e.symbol, err)
	}
}
