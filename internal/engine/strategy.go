package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/cryptotrader/internal/domain"
	"github.com/sawpanic/cryptotrader/internal/metrics"
	"github.com/sawpanic/cryptotrader/internal/model"
	"github.com/sawpanic/cryptotrader/internal/risk"
	"github.com/sawpanic/cryptotrader/internal/state"
)

var (
	// ErrUnknownStrategy is returned for an unregistered mode
	ErrUnknownStrategy = errors.New("unknown strategy")

	// ErrStrategyExists is returned when a mode is registered twice
	ErrStrategyExists = errors.New("strategy already registered")
)

// Strategy is the capability set the manager drives. TradingEngine is the
// implementation every builtin mode uses.
type Strategy interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health() domain.HealthSnapshot
	Params() Params
	UpdateParams(o Overrides) error
	PushMD(s domain.MarketDataSample)
}

// Cycle is what one decision step sees
type Cycle struct {
	Symbol   string
	Sample   domain.MarketDataSample
	TimedOut bool
	Params   Params
	Now      time.Time
}

// Decider is the per-cycle decision function. It must return within the
// context deadline; errors count towards the engine's fault threshold.
type Decider interface {
	Decide(ctx context.Context, c Cycle) error
}

// Warmer is implemented by deciders that need history before the first cycle
type Warmer interface {
	Warmup(ctx context.Context, p Params) error
}

// OrderPlacer submits orders; satisfied by the execution adapter
type OrderPlacer interface {
	Submit(ctx context.Context, o domain.Order) (domain.OrderAck, error)
}

// BootstrapFunc loads bar history for a symbol
type BootstrapFunc func(ctx context.Context, symbol string) ([]domain.Bar, error)

// Deps are the shared collaborators handed to every engine
type Deps struct {
	Risk       *risk.Engine
	Drawdown   *risk.DailyDrawdownTracker
	KillSwitch *risk.KillSwitch
	Store      state.Store
	Orders     OrderPlacer
	Model      *model.Handle
	Bootstrap  BootstrapFunc
	Interval   time.Duration
	Metrics    *metrics.Registry
	Logger     zerolog.Logger
	Clock      func() time.Time

	// OnFault is called from the engine goroutine when it enters ERROR and
	// must not block
	OnFault func(symbol string, err error)
}

func (d Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

// Factory builds a strategy for one symbol
type Factory func(symbol string, params Params, deps Deps) (Strategy, error)

// Registry maps mode names to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the builtin modes
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister("momentum", NewMomentumStrategy)
	r.MustRegister("observe", NewObserveStrategy)
	return r
}

// Register adds a factory; names are case-insensitive and unique
func (r *Registry) Register(name string, f Factory) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return errors.New("strategy name is required")
	}
	if f == nil {
		return fmt.Errorf("strategy %s: nil factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %s", ErrStrategyExists, name)
	}
	r.factories[name] = f
	return nil
}

// MustRegister panics on registration errors
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// New builds the strategy registered under mode
func (r *Registry) New(mode, symbol string, params Params, deps Deps) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(strings.TrimSpace(mode))]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, mode)
	}
	return f(symbol, params, deps)
}

// Has reports whether mode is registered
func (r *Registry) Has(mode string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(strings.TrimSpace(mode))]
	return ok
}

// Names lists registered modes
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// observer consumes market data without trading
type observer struct{}

func (observer) Decide(context.Context, Cycle) error { return nil }

// NewObserveStrategy runs the engine loop with a decider that never trades
func NewObserveStrategy(symbol string, params Params, deps Deps) (Strategy, error) {
	return NewTradingEngine(symbol, "observe", params, deps, observer{})
}
