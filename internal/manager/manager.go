// Package manager supervises one TradingEngine per symbol: lifecycle
// operations, fault detection, recovery-gated restarts and live feed wiring.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/cryptotrader/internal/domain"
	"github.com/sawpanic/cryptotrader/internal/engine"
	"github.com/sawpanic/cryptotrader/internal/metrics"
	"github.com/sawpanic/cryptotrader/internal/recovery"
)

var (
	// ErrEngineNotFound is returned for symbols the manager does not track
	ErrEngineNotFound = errors.New("engine not found")

	// ErrRecoveryDenied is returned when the recovery policy refuses an
	// automatic restart; the engine stays in ERROR
	ErrRecoveryDenied = errors.New("recovery denied")

	// ErrUnknownStrategy is returned for an unregistered mode
	ErrUnknownStrategy = engine.ErrUnknownStrategy
)

const (
	TriggerManual = "manual"
	TriggerAuto   = "auto"

	faultBuffer = 64
)

// Config holds manager settings
type Config struct {
	Mode               string
	Defaults           engine.Params
	AutoRecover        bool
	HealthPollInterval time.Duration
	StopTimeout        time.Duration
	Stream             bool
}

// Feeder pumps live samples for a symbol until ctx is done
type Feeder interface {
	Stream(ctx context.Context, symbol string, sink func(domain.MarketDataSample)) error
}

type fault struct {
	symbol string
	err    error
}

type entry struct {
	strategy  engine.Strategy
	mode      string
	overrides engine.Overrides

	feedCancel context.CancelFunc
	feedDone   chan struct{}

	// set once a fault on this instance has been handled
	faultHandled bool
}

// EngineManager owns the symbol to engine map. Engines are created on start
// and discarded on stop or restart.
type EngineManager struct {
	cfg      Config
	registry *engine.Registry
	deps     engine.Deps
	policy   *recovery.Policy
	feed     Feeder
	metrics  *metrics.Registry
	logger   zerolog.Logger

	mu      sync.RWMutex
	engines map[string]*entry
	locks   map[string]*sync.Mutex

	faults chan fault
}

// Option customises an EngineManager
type Option func(*EngineManager)

// WithFeeder enables live market data for started engines
func WithFeeder(f Feeder) Option {
	return func(m *EngineManager) { m.feed = f }
}

// WithRegistry replaces the builtin strategy registry
func WithRegistry(r *engine.Registry) Option {
	return func(m *EngineManager) { m.registry = r }
}

// WithLogger sets the manager logger
func WithLogger(l zerolog.Logger) Option {
	return func(m *EngineManager) { m.logger = l }
}

// New creates a manager. deps is the template handed to every engine; its
// OnFault hook is owned by the manager.
func New(cfg Config, deps engine.Deps, policy *recovery.Policy, opts ...Option) *EngineManager {
	if cfg.Mode == "" {
		cfg.Mode = "momentum"
	}
	if cfg.HealthPollInterval <= 0 {
		cfg.HealthPollInterval = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	m := &EngineManager{
		cfg:      cfg,
		registry: engine.DefaultRegistry(),
		deps:     deps,
		policy:   policy,
		metrics:  deps.Metrics,
		logger:   log.Logger.With().Str("component", "manager").Logger(),
		engines:  make(map[string]*entry),
		locks:    make(map[string]*sync.Mutex),
		faults:   make(chan fault, faultBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.deps.OnFault = m.reportFault
	return m
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// symbolLock serialises lifecycle operations on one symbol
func (m *EngineManager) symbolLock(symbol string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		m.locks[symbol] = l
	}
	return l
}

func (m *EngineManager) lookup(symbol string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.engines[symbol]
	return e, ok
}

// StartEngine creates and starts an engine for symbol. It is a no-op when
// the engine is already STARTING or RUNNING; a tracked engine in STOPPED or
// ERROR is replaced. An empty mode selects the configured default.
func (m *EngineManager) StartEngine(ctx context.Context, symbol, mode string, o engine.Overrides) (domain.HealthSnapshot, error) {
	symbol = normalize(symbol)
	if symbol == "" {
		return domain.HealthSnapshot{}, errors.New("symbol is required")
	}
	if mode == "" {
		mode = m.cfg.Mode
	}

	l := m.symbolLock(symbol)
	l.Lock()
	defer l.Unlock()

	if e, ok := m.lookup(symbol); ok {
		switch e.strategy.Health().Status {
		case domain.StatusRunning, domain.StatusStarting:
			return e.strategy.Health(), nil
		}
		if err := m.teardown(ctx, symbol, e); err != nil {
			return domain.HealthSnapshot{}, err
		}
	}
	return m.launch(ctx, symbol, mode, o)
}

// launch builds, registers and starts a fresh engine. A failed start leaves
// the engine tracked in ERROR.
func (m *EngineManager) launch(ctx context.Context, symbol, mode string, o engine.Overrides) (domain.HealthSnapshot, error) {
	params, err := m.cfg.Defaults.Apply(o)
	if err != nil {
		return domain.HealthSnapshot{}, err
	}
	strategy, err := m.registry.New(mode, symbol, params, m.deps)
	if err != nil {
		return domain.HealthSnapshot{}, err
	}

	e := &entry{strategy: strategy, mode: strings.ToLower(mode), overrides: o}
	m.mu.Lock()
	m.engines[symbol] = e
	m.mu.Unlock()

	if err := strategy.Start(ctx); err != nil {
		m.logger.Error().Err(err).Str("symbol", symbol).Msg("Engine failed to start")
		return strategy.Health(), err
	}
	m.startFeed(symbol, e)

	m.logger.Info().Str("symbol", symbol).Str("mode", e.mode).Msg("Engine started")
	return strategy.Health(), nil
}

// teardown stops an engine and drops its entry. If the stop does not
// complete the entry is kept.
func (m *EngineManager) teardown(ctx context.Context, symbol string, e *entry) error {
	m.stopFeed(e)

	stopCtx, cancel := context.WithTimeout(ctx, m.cfg.StopTimeout)
	defer cancel()
	if err := e.strategy.Stop(stopCtx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.engines[symbol] == e {
		delete(m.engines, symbol)
	}
	m.mu.Unlock()
	m.metrics.ForgetEngine(symbol)
	return nil
}

// StopEngine stops the engine and forgets it
func (m *EngineManager) StopEngine(ctx context.Context, symbol string) error {
	symbol = normalize(symbol)
	l := m.symbolLock(symbol)
	l.Lock()
	defer l.Unlock()

	e, ok := m.lookup(symbol)
	if !ok {
		return fmt.Errorf("%w: %s", ErrEngineNotFound, symbol)
	}
	if err := m.teardown(ctx, symbol, e); err != nil {
		return err
	}
	m.logger.Info().Str("symbol", symbol).Msg("Engine removed")
	return nil
}

// RestartEngine replaces the engine with a fresh one using the same mode
// and overrides. Manual restarts bypass the recovery policy and clear its
// history for the symbol.
func (m *EngineManager) RestartEngine(ctx context.Context, symbol string) (domain.HealthSnapshot, error) {
	symbol = normalize(symbol)
	l := m.symbolLock(symbol)
	l.Lock()
	defer l.Unlock()

	h, err := m.restartLocked(ctx, symbol, TriggerManual)
	if err == nil && m.policy != nil {
		m.policy.Reset(symbol)
	}
	return h, err
}

func (m *EngineManager) restartLocked(ctx context.Context, symbol, trigger string) (domain.HealthSnapshot, error) {
	e, ok := m.lookup(symbol)
	if !ok {
		return domain.HealthSnapshot{}, fmt.Errorf("%w: %s", ErrEngineNotFound, symbol)
	}
	if err := m.teardown(ctx, symbol, e); err != nil {
		return domain.HealthSnapshot{}, err
	}
	m.metrics.RecordRestart(symbol, trigger)
	m.logger.Info().Str("symbol", symbol).Str("trigger", trigger).Msg("Restarting engine")
	return m.launch(ctx, symbol, e.mode, e.overrides)
}

// Recover restarts a faulted engine if the recovery policy allows it.
// Engines that are no longer in ERROR are left alone.
func (m *EngineManager) Recover(ctx context.Context, symbol string) error {
	symbol = normalize(symbol)
	l := m.symbolLock(symbol)
	l.Lock()
	defer l.Unlock()

	e, ok := m.lookup(symbol)
	if !ok {
		return fmt.Errorf("%w: %s", ErrEngineNotFound, symbol)
	}
	h := e.strategy.Health()
	if h.Status != domain.StatusError {
		return nil
	}

	if m.policy != nil && !m.policy.ShouldRecover(symbol) {
		if !e.faultHandled {
			m.metrics.RecordRecovery(symbol, false)
			m.logger.Warn().
				Str("symbol", symbol).
				Str("last_error", h.LastError).
				Msg("Recovery denied, engine left in ERROR")
		}
		e.faultHandled = true
		return fmt.Errorf("%w: %s", ErrRecoveryDenied, symbol)
	}
	m.metrics.RecordRecovery(symbol, true)

	_, err := m.restartLocked(ctx, symbol, TriggerAuto)
	return err
}

// GetEngineStatus returns the snapshot for symbol, or false when the
// manager does not track it
func (m *EngineManager) GetEngineStatus(symbol string) (domain.HealthSnapshot, bool) {
	e, ok := m.lookup(normalize(symbol))
	if !ok {
		return domain.HealthSnapshot{}, false
	}
	return e.strategy.Health(), true
}

// Statuses returns every tracked engine's snapshot ordered by symbol
func (m *EngineManager) Statuses() []domain.HealthSnapshot {
	m.mu.RLock()
	out := make([]domain.HealthSnapshot, 0, len(m.engines))
	for _, e := range m.engines {
		out = append(out, e.strategy.Health())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// GetSummary counts tracked engines by status
func (m *EngineManager) GetSummary() domain.Summary {
	var s domain.Summary
	for _, h := range m.Statuses() {
		s.Add(h.Status)
	}
	return s
}

// Symbols lists tracked symbols
func (m *EngineManager) Symbols() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.engines))
	for sym := range m.engines {
		out = append(out, sym)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// StartAll starts engines for symbols concurrently with the default mode.
// Every symbol is attempted; the first error is returned.
func (m *EngineManager) StartAll(ctx context.Context, symbols []string) error {
	var g errgroup.Group
	for _, sym := range symbols {
		g.Go(func() error {
			if _, err := m.StartEngine(ctx, sym, "", engine.Overrides{}); err != nil {
				return fmt.Errorf("start %s: %w", sym, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops and removes every engine concurrently
func (m *EngineManager) StopAll(ctx context.Context) error {
	var g errgroup.Group
	for _, sym := range m.Symbols() {
		g.Go(func() error {
			err := m.StopEngine(ctx, sym)
			if errors.Is(err, ErrEngineNotFound) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// UpdateParams applies overrides to a running engine. They are kept for
// later restarts.
func (m *EngineManager) UpdateParams(symbol string, o engine.Overrides) (engine.Params, error) {
	symbol = normalize(symbol)
	l := m.symbolLock(symbol)
	l.Lock()
	defer l.Unlock()

	e, ok := m.lookup(symbol)
	if !ok {
		return engine.Params{}, fmt.Errorf("%w: %s", ErrEngineNotFound, symbol)
	}
	if err := e.strategy.UpdateParams(o); err != nil {
		return engine.Params{}, err
	}
	e.overrides = mergeOverrides(e.overrides, o)
	return e.strategy.Params(), nil
}

func mergeOverrides(base, o engine.Overrides) engine.Overrides {
	if o.CycleInterval != nil {
		base.CycleInterval = o.CycleInterval
	}
	if o.MDQueueMax != nil {
		base.MDQueueMax = o.MDQueueMax
	}
	if o.MDTimeout != nil {
		base.MDTimeout = o.MDTimeout
	}
	if o.ScoreThreshold != nil {
		base.ScoreThreshold = o.ScoreThreshold
	}
	return base
}

// PushMD routes a sample to the symbol's engine. Samples for untracked
// symbols are counted and dropped.
func (m *EngineManager) PushMD(symbol string, s domain.MarketDataSample) bool {
	symbol = normalize(symbol)
	e, ok := m.lookup(symbol)
	if !ok {
		m.metrics.RecordUnrouted(symbol)
		return false
	}
	e.strategy.PushMD(s)
	return true
}
