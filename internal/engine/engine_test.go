package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/cryptotrader/internal/domain"
)

func testParams() Params {
	return Params{
		CycleInterval:        5 * time.Millisecond,
		MDQueueMax:           8,
		MDTimeout:            5 * time.Millisecond,
		DecisionTimeout:      time.Second,
		MaxConsecutiveErrors: 3,
		ScoreThreshold:       0.1,
		ATRPeriod:            14,
		MaxSampleAge:         10 * time.Second,
	}
}

type deciderFunc func(ctx context.Context, c Cycle) error

func (f deciderFunc) Decide(ctx context.Context, c Cycle) error { return f(ctx, c) }

type faultRecorder struct {
	mu     sync.Mutex
	faults []error
	ch     chan struct{}
}

func newFaultRecorder() *faultRecorder {
	return &faultRecorder{ch: make(chan struct{}, 8)}
}

func (r *faultRecorder) OnFault(_ string, err error) {
	r.mu.Lock()
	r.faults = append(r.faults, err)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *faultRecorder) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no fault reported")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.faults[len(r.faults)-1]
}

func newTestEngine(t *testing.T, d Decider, faults *faultRecorder) *TradingEngine {
	t.Helper()
	deps := Deps{Logger: zerolog.Nop()}
	if faults != nil {
		deps.OnFault = faults.OnFault
	}
	e, err := NewTradingEngine("btcusdt", "test", testParams(), deps, d)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return e
}

func TestNewTradingEngine_Validation(t *testing.T) {
	_, err := NewTradingEngine(" ", "test", testParams(), Deps{}, observer{})
	assert.Error(t, err)

	_, err = NewTradingEngine("BTCUSDT", "test", testParams(), Deps{}, nil)
	assert.Error(t, err)

	bad := testParams()
	bad.MDQueueMax = 0
	_, err = NewTradingEngine("BTCUSDT", "test", bad, Deps{}, observer{})
	assert.ErrorContains(t, err, "md_queue_max")
}

func TestTradingEngine_StartStop(t *testing.T) {
	var cycles atomic.Int32
	e := newTestEngine(t, deciderFunc(func(context.Context, Cycle) error {
		cycles.Add(1)
		return nil
	}), nil)

	assert.Equal(t, "BTCUSDT", e.Symbol())
	assert.Equal(t, domain.StatusStopped, e.Status())

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Start(context.Background()), "start is idempotent")
	assert.Equal(t, domain.StatusRunning, e.Status())

	require.Eventually(t, func() bool { return cycles.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, domain.StatusStopped, e.Status())
	require.NoError(t, e.Stop(context.Background()), "stop is idempotent")

	h := e.Health()
	assert.Equal(t, "test", h.Mode)
	assert.GreaterOrEqual(t, h.Cycles, uint64(3))
	assert.False(t, h.LastHeartbeat.IsZero())
	assert.Greater(t, h.UptimeSeconds, 0.0)

	// restart after stop
	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, domain.StatusRunning, e.Status())
}

func TestTradingEngine_SurvivesStartContextCancel(t *testing.T) {
	var cycles atomic.Int32
	e := newTestEngine(t, deciderFunc(func(context.Context, Cycle) error {
		cycles.Add(1)
		return nil
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx))
	cancel()

	seen := cycles.Load()
	require.Eventually(t, func() bool { return cycles.Load() > seen+2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StatusRunning, e.Status())
}

func TestTradingEngine_StopWaitsForInFlightDecision(t *testing.T) {
	entered := make(chan struct{})
	var finished atomic.Bool
	var once sync.Once
	e := newTestEngine(t, deciderFunc(func(ctx context.Context, _ Cycle) error {
		once.Do(func() { close(entered) })
		time.Sleep(50 * time.Millisecond)
		assert.NoError(t, ctx.Err(), "stop does not cancel a decision")
		finished.Store(true)
		return nil
	}), nil)

	require.NoError(t, e.Start(context.Background()))
	<-entered
	require.NoError(t, e.Stop(context.Background()))
	assert.True(t, finished.Load())
	assert.Equal(t, domain.StatusStopped, e.Status())
}

func TestTradingEngine_StopDeadline(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	e := newTestEngine(t, deciderFunc(func(context.Context, Cycle) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}), nil)

	require.NoError(t, e.Start(context.Background()))
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.StatusStopping, e.Status())

	close(release)
	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, domain.StatusStopped, e.Status())
}

func TestTradingEngine_PanicIsFatal(t *testing.T) {
	faults := newFaultRecorder()
	e := newTestEngine(t, deciderFunc(func(context.Context, Cycle) error {
		panic("boom")
	}), faults)

	require.NoError(t, e.Start(context.Background()))
	err := faults.wait(t)
	assert.ErrorIs(t, err, ErrFatalCycle)
	assert.ErrorContains(t, err, "boom")

	<-e.Done()
	assert.Equal(t, domain.StatusError, e.Status())
	assert.Contains(t, e.Health().LastError, "boom")
}

func TestTradingEngine_ConsecutiveErrorsAreFatal(t *testing.T) {
	faults := newFaultRecorder()
	var calls atomic.Int32
	e := newTestEngine(t, deciderFunc(func(context.Context, Cycle) error {
		calls.Add(1)
		return errors.New("exchange down")
	}), faults)

	require.NoError(t, e.Start(context.Background()))
	err := faults.wait(t)
	assert.ErrorIs(t, err, ErrFatalCycle)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, domain.StatusError, e.Status())

	// a faulted engine can be started again
	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, domain.StatusRunning, e.Status())
	faults.wait(t)
}

func TestTradingEngine_ErrorStreakResetsOnSuccess(t *testing.T) {
	faults := newFaultRecorder()
	var calls atomic.Int32
	e := newTestEngine(t, deciderFunc(func(context.Context, Cycle) error {
		if calls.Add(1)%2 == 0 {
			return nil
		}
		return errors.New("flaky")
	}), faults)

	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() >= 10 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StatusRunning, e.Status())
	assert.Empty(t, faults.ch)
}

func TestTradingEngine_CycleSeesSamplesAndTimeouts(t *testing.T) {
	var mu sync.Mutex
	var seen []Cycle
	e := newTestEngine(t, deciderFunc(func(_ context.Context, c Cycle) error {
		mu.Lock()
		seen = append(seen, c)
		mu.Unlock()
		return nil
	}), nil)

	e.PushMD(domain.MarketDataSample{Price: domain.Float(101)})
	require.NoError(t, e.Start(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, e.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	first := seen[0]
	assert.False(t, first.TimedOut)
	assert.Equal(t, "BTCUSDT", first.Sample.Symbol, "symbol filled on push")
	assert.False(t, first.Sample.ReceivedAt.IsZero())
	require.NotNil(t, first.Sample.Price)
	assert.Equal(t, 101.0, *first.Sample.Price)

	second := seen[1]
	assert.True(t, second.TimedOut)
	assert.Nil(t, second.Sample.Price)
	assert.Nil(t, second.Sample.Spread)
	assert.Zero(t, second.Sample.Volume)
}

func TestTradingEngine_PushMDDropsOldest(t *testing.T) {
	e := newTestEngine(t, observer{}, nil)
	for i := 0; i < 10; i++ {
		e.PushMD(priced(float64(i)))
	}
	h := e.Health()
	assert.Equal(t, 8, h.QueueDepth)
	assert.Equal(t, uint64(2), h.Dropped)
}

func TestTradingEngine_UpdateParams(t *testing.T) {
	e := newTestEngine(t, observer{}, nil)

	size := 2
	threshold := 0.2
	interval := Duration(50 * time.Millisecond)
	require.NoError(t, e.UpdateParams(Overrides{MDQueueMax: &size, ScoreThreshold: &threshold, CycleInterval: &interval}))

	p := e.Params()
	assert.Equal(t, 2, p.MDQueueMax)
	assert.Equal(t, 0.2, p.ScoreThreshold)
	assert.Equal(t, 50*time.Millisecond, p.CycleInterval)

	for i := 0; i < 5; i++ {
		e.PushMD(priced(float64(i)))
	}
	assert.Equal(t, 2, e.Health().QueueDepth)

	bad := -1
	assert.Error(t, e.UpdateParams(Overrides{MDQueueMax: &bad}))
	assert.Equal(t, 2, e.Params().MDQueueMax, "invalid overrides leave params untouched")
}

type failingWarmer struct{ observer }

func (failingWarmer) Warmup(context.Context, Params) error { return errors.New("no history") }

func TestTradingEngine_WarmupFailure(t *testing.T) {
	e := newTestEngine(t, failingWarmer{}, nil)
	err := e.Start(context.Background())
	assert.ErrorContains(t, err, "no history")
	assert.Equal(t, domain.StatusError, e.Status())
	assert.Equal(t, "no history", e.Health().LastError)
}
