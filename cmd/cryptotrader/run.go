package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/cryptotrader/internal/config"
	"github.com/sawpanic/cryptotrader/internal/engine"
	"github.com/sawpanic/cryptotrader/internal/exchange"
	"github.com/sawpanic/cryptotrader/internal/execution"
	"github.com/sawpanic/cryptotrader/internal/feeder"
	httpserver "github.com/sawpanic/cryptotrader/internal/interfaces/http"
	"github.com/sawpanic/cryptotrader/internal/interfaces/http/handlers"
	"github.com/sawpanic/cryptotrader/internal/manager"
	"github.com/sawpanic/cryptotrader/internal/metrics"
	"github.com/sawpanic/cryptotrader/internal/model"
	"github.com/sawpanic/cryptotrader/internal/recovery"
	"github.com/sawpanic/cryptotrader/internal/risk"
	"github.com/sawpanic/cryptotrader/internal/state"
)

const shutdownTimeout = 30 * time.Second

// runtime is the wired process
type runtime struct {
	cfg      *config.Config
	store    state.Store
	exchange exchange.Adapter
	equity   *risk.EquityMonitor
	manager  *manager.EngineManager
	server   *httpserver.Server
}

// buildRuntime wires config, state, exchange, execution, risk, recovery,
// model, feeder, manager and the control surface in that order
func buildRuntime(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) (*runtime, error) {
	m := metrics.NewRegistry(reg)
	store := state.Open(ctx, cfg.State, log.Logger)

	var ex exchange.Adapter
	circuits := map[string]handlers.CircuitFunc{}
	switch cfg.Exchange.Venue {
	case "paper":
		ex = exchange.NewPaper(exchange.WithStartingCash(cfg.Risk.Equity))
	case "binance":
		b := exchange.NewBinance(cfg.Exchange)
		circuits["binance_rest"] = b.BreakerState
		ex = b
	default:
		_ = store.Close()
		return nil, fmt.Errorf("unknown venue %q", cfg.Exchange.Venue)
	}

	orders := execution.New(ex, cfg.Execution, m)

	riskEngine := risk.NewEngine(cfg.Risk)
	equity := risk.NewEquityMonitor(ex, riskEngine, cfg.Risk.EquityRefresh, m)
	if _, err := equity.Refresh(ctx); err != nil {
		log.Warn().Err(err).Float64("equity", cfg.Risk.Equity).Msg("Could not read account equity, starting from configured value")
	}
	tracker := risk.NewDailyDrawdownTracker(time.Now(), riskEngine.Equity())
	kill := risk.NewKillSwitch(store)

	policy := recovery.NewPolicy(recovery.Config{
		MaxRestartsPerHour: cfg.Recovery.MaxRestartsPerHour,
		BackoffBase:        cfg.Recovery.BackoffBase,
	})

	handle := model.NewHandle()
	if cfg.ModelPath != "" {
		// an unusable model leaves scoring untrained; the engines still run
		_ = handle.Load(cfg.ModelPath)
	}

	feed, err := feeder.New(ex, cfg.Exchange, m)
	if err != nil {
		_ = ex.Close()
		_ = store.Close()
		return nil, err
	}

	deps := engine.Deps{
		Risk:       riskEngine,
		Drawdown:   tracker,
		KillSwitch: kill,
		Store:      store,
		Orders:     orders,
		Model:      handle,
		Bootstrap:  feed.BootstrapBars,
		Interval:   feed.Interval(),
		Metrics:    m,
		Logger:     log.Logger,
	}
	mgr := manager.New(manager.Config{
		Mode:               cfg.Mode,
		Defaults:           engine.ParamsFromConfig(cfg.Engine),
		AutoRecover:        cfg.Recovery.AutoRecover,
		HealthPollInterval: cfg.Recovery.HealthPollInterval,
		Stream:             cfg.Exchange.Stream,
	}, deps, policy, manager.WithFeeder(feed))

	rt := &runtime{cfg: cfg, store: store, exchange: ex, equity: equity, manager: mgr}
	if cfg.HTTP.Enabled {
		sc := httpserver.DefaultServerConfig()
		sc.Host = cfg.HTTP.Host
		sc.Port = cfg.HTTP.Port
		rt.server = httpserver.NewServer(sc, mgr,
			httpserver.WithMetrics(m, reg),
			httpserver.WithCircuits(circuits))
	}
	return rt, nil
}

// close releases the exchange and the state store
func (rt *runtime) close() error {
	return errors.Join(rt.exchange.Close(), rt.store.Close())
}

// runTrader is the `run` command
func runTrader(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	applyRunFlags(cfg, cmd.Flags())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt, err := buildRuntime(ctx, cfg, reg)
	if err != nil {
		return err
	}
	return rt.serve(ctx)
}

// applyRunFlags overrides cfg with the run flags the user set
func applyRunFlags(cfg *config.Config, flags *pflag.FlagSet) {
	if flags.Changed("symbols") {
		v, _ := flags.GetString("symbols")
		cfg.Symbols = config.SplitSymbols(v)
	}
	if paper, _ := flags.GetBool("paper"); paper {
		cfg.Exchange.Venue = "paper"
		cfg.Exchange.Stream = true
	}
	if port, _ := flags.GetInt("http-port"); port > 0 {
		cfg.HTTP.Port = port
	}
	if mode, _ := flags.GetString("mode"); mode != "" {
		cfg.Mode = mode
	}
}

// serve runs until ctx is done, then stops engines and releases resources
func (rt *runtime) serve(ctx context.Context) error {
	log.Info().
		Str("app", appName).
		Str("version", version).
		Strs("symbols", rt.cfg.Symbols).
		Str("venue", rt.cfg.Exchange.Venue).
		Str("mode", rt.cfg.Mode).
		Msg("Starting trader")

	superCtx, cancelSuper := context.WithCancel(ctx)
	defer cancelSuper()
	var background errgroup.Group
	background.Go(func() error { return rt.manager.Run(superCtx) })
	background.Go(func() error { return rt.equity.Run(superCtx) })

	serverErr := make(chan error, 1)
	if rt.server != nil {
		go func() { serverErr <- rt.server.Start() }()
	}

	if err := rt.manager.StartAll(ctx, rt.cfg.Symbols); err != nil {
		log.Error().Err(err).Msg("Some engines failed to start")
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if rt.server != nil {
		if err := rt.server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
	}
	cancelSuper()
	_ = background.Wait()

	if err := rt.manager.StopAll(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Engines did not stop cleanly")
		runErr = errors.Join(runErr, err)
	}
	if err := rt.close(); err != nil {
		log.Warn().Err(err).Msg("Resource cleanup failed")
	}
	log.Info().Msg("Trader stopped")
	return runErr
}
