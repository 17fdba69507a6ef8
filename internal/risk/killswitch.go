package risk

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/cryptotrader/internal/state"
)

// ScopeGlobal engages the switch for every symbol
const ScopeGlobal = "*"

// KillSwitch stores trade-halt flags in the StateStore so every engine, and
// every process sharing the backend, sees the same state.
type KillSwitch struct {
	store  state.Store
	logger zerolog.Logger
}

// NewKillSwitch creates a kill switch over store
func NewKillSwitch(store state.Store) *KillSwitch {
	return &KillSwitch{
		store:  store,
		logger: log.With().Str("component", "kill_switch").Logger(),
	}
}

func scopeKey(scope string) string {
	if scope == "" || scope == ScopeGlobal {
		return state.GlobalKillKey
	}
	return state.KillKey(scope)
}

// Engage halts trading for a symbol, or for all symbols with ScopeGlobal
func (k *KillSwitch) Engage(ctx context.Context, scope, reason string) error {
	if err := state.SetBool(ctx, k.store, scopeKey(scope), true); err != nil {
		return fmt.Errorf("engage kill switch %s: %w", scope, err)
	}
	k.logger.Warn().Str("scope", scope).Str("reason", reason).Msg("Kill switch engaged")
	return nil
}

// Clear lifts the halt for scope
func (k *KillSwitch) Clear(ctx context.Context, scope string) error {
	if err := k.store.Delete(ctx, scopeKey(scope)); err != nil {
		return fmt.Errorf("clear kill switch %s: %w", scope, err)
	}
	k.logger.Info().Str("scope", scope).Msg("Kill switch cleared")
	return nil
}

// Engaged reports whether trading is halted for symbol, either globally or
// for the symbol itself.
func (k *KillSwitch) Engaged(ctx context.Context, symbol string) (bool, error) {
	on, err := state.GetBool(ctx, k.store, state.GlobalKillKey)
	if err != nil || on {
		return on, err
	}
	return state.GetBool(ctx, k.store, state.KillKey(symbol))
}
