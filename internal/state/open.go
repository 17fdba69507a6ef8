package state

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sawpanic/cryptotrader/internal/config"
)

// Open builds the configured backend. If a remote backend cannot be reached
// the in-memory store is returned instead and the failure is logged; kill
// switches then only hold for this process.
func Open(ctx context.Context, cfg config.StateConfig, logger zerolog.Logger) Store {
	store, err := open(ctx, cfg)
	if err != nil {
		logger.Error().
			Err(err).
			Str("backend", cfg.Backend).
			Msg("State backend unavailable, falling back to in-memory store")
		return NewMemoryStore()
	}
	logger.Info().Str("backend", cfg.Backend).Msg("State store ready")
	return store
}

func open(ctx context.Context, cfg config.StateConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, RedisOptions{Addr: cfg.RedisAddr, DB: cfg.RedisDB, KeyPrefix: cfg.KeyPrefix})
	case "postgres":
		return OpenSQLStore(ctx, DialectPostgres, cfg.PostgresDSN)
	case "sqlite":
		return OpenSQLStore(ctx, DialectSQLite, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}
