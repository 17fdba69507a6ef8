package feeder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/cryptotrader/internal/config"
	"github.com/sawpanic/cryptotrader/internal/domain"
	"github.com/sawpanic/cryptotrader/internal/exchange"
)

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func bar(offset time.Duration, close, volume float64) domain.Bar {
	return domain.Bar{Time: t0.Add(offset), Open: close, High: close + 1, Low: close - 1, Close: close, Volume: volume}
}

func TestRepairGaps_FillsMissingIntervals(t *testing.T) {
	in := []domain.Bar{bar(0, 100, 5), bar(3*time.Minute, 103, 7)}

	out := RepairGaps(in, time.Minute)
	require.Len(t, out, 4)

	for i, b := range out {
		assert.Equal(t, t0.Add(time.Duration(i)*time.Minute), b.Time)
	}
	for _, synthetic := range out[1:3] {
		assert.Equal(t, 100.0, synthetic.Open)
		assert.Equal(t, 100.0, synthetic.High)
		assert.Equal(t, 100.0, synthetic.Low)
		assert.Equal(t, 100.0, synthetic.Close)
		assert.Zero(t, synthetic.Volume)
	}
	assert.Equal(t, in[0], out[0])
	assert.Equal(t, in[1], out[3])
}

func TestRepairGaps_GapFreeUnchanged(t *testing.T) {
	in := []domain.Bar{bar(0, 100, 1), bar(time.Minute, 101, 2), bar(2*time.Minute, 102, 3)}
	assert.Equal(t, in, RepairGaps(in, time.Minute))
}

func TestRepairGaps_Empty(t *testing.T) {
	assert.Empty(t, RepairGaps(nil, time.Minute))
	assert.Empty(t, RepairGaps([]domain.Bar{}, time.Minute))
}

func TestRepairGaps_DropsNonIncreasing(t *testing.T) {
	in := []domain.Bar{
		bar(0, 100, 1),
		bar(time.Minute, 101, 1),
		bar(time.Minute, 999, 1), // duplicate
		bar(0, 998, 1),           // out of order
		bar(3*time.Minute, 103, 1),
	}
	out, report := repairGaps(in, time.Minute, 0)
	require.Len(t, out, 4)
	assert.Equal(t, 2, report.dropped)
	assert.Equal(t, 1, report.synthesized)
	assert.Equal(t, 101.0, out[2].Close, "filled from the last kept bar")
	for i := 1; i < len(out); i++ {
		assert.Equal(t, time.Minute, out[i].Time.Sub(out[i-1].Time))
	}
}

func TestRepairGaps_SnapsToIntervalGrid(t *testing.T) {
	in := []domain.Bar{bar(12*time.Second, 100, 1), bar(time.Minute+59*time.Second, 101, 1), bar(3*time.Minute+time.Millisecond, 103, 1)}

	out := RepairGaps(in, time.Minute)
	require.Len(t, out, 4)
	for i, b := range out {
		assert.Equal(t, t0.Add(time.Duration(i)*time.Minute), b.Time)
	}
	assert.Equal(t, 101.0, out[2].Close, "filled from the snapped bar")
}

func TestRepairGaps_GapBeyondBoundRestartsSeries(t *testing.T) {
	in := []domain.Bar{
		bar(0, 100, 1),
		bar(2*time.Minute, 102, 1),
		bar(100*time.Minute, 200, 1),
		bar(101*time.Minute, 201, 1),
	}

	out, report := repairGaps(in, time.Minute, 10)
	require.Len(t, out, 2)
	assert.Equal(t, t0.Add(100*time.Minute), out[0].Time)
	assert.Equal(t, 2, report.discarded)
	assert.Zero(t, report.synthesized, "fills before the restart are discarded with their segment")

	// a corrupt timestamp centuries ahead does not allocate the gap
	far := []domain.Bar{bar(0, 100, 1), {Time: time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC), Close: 1}}
	out = RepairGaps(far, time.Minute)
	assert.Len(t, out, 1)
}

func TestBootstrapBars_DropsFutureBars(t *testing.T) {
	paper := exchange.NewPaper()
	defer paper.Close()
	paper.SeedBars("BTCUSDT", []domain.Bar{
		bar(0, 100, 1),
		bar(time.Minute, 101, 1),
		bar(48*time.Hour, 500, 1),
	})

	f, err := New(paper, config.ExchangeConfig{Timeframe: "1m", BootstrapLimit: 10}, nil)
	require.NoError(t, err)
	f.now = func() time.Time { return t0.Add(90 * time.Second) }

	bars, err := f.BootstrapBars(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 101.0, bars[1].Close)
}

func TestBootstrapBars_RepairsVenueHistory(t *testing.T) {
	paper := exchange.NewPaper()
	defer paper.Close()
	paper.SeedBars("BTCUSDT", []domain.Bar{bar(0, 100, 1), bar(2*time.Minute, 102, 1)})

	f, err := New(paper, config.ExchangeConfig{Timeframe: "1m", BootstrapLimit: 10}, nil)
	require.NoError(t, err)

	bars, err := f.BootstrapBars(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, 100.0, bars[1].Close)
	assert.Zero(t, bars[1].Volume)
}

type mockAdapter struct {
	mock.Mock
	exchange.Adapter
}

func (m *mockAdapter) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Bar, error) {
	args := m.Called(ctx, symbol, timeframe, limit)
	bars, _ := args.Get(0).([]domain.Bar)
	return bars, args.Error(1)
}

func TestBootstrapBars_PropagatesVenueError(t *testing.T) {
	m := &mockAdapter{}
	boom := errors.New("venue down")
	m.On("FetchOHLCV", mock.Anything, "ETHUSDT", "5m", 200).Return(nil, boom)

	f, err := New(m, config.ExchangeConfig{Timeframe: "5m", BootstrapLimit: 200}, nil)
	require.NoError(t, err)

	_, err = f.BootstrapBars(context.Background(), "ETHUSDT")
	assert.ErrorIs(t, err, boom)
	m.AssertExpectations(t)
}

func TestNew_RejectsBadTimeframe(t *testing.T) {
	_, err := New(exchange.NewPaper(), config.ExchangeConfig{Timeframe: "soon"}, nil)
	assert.Error(t, err)
}

func TestStream_ConvertsTicksToSamples(t *testing.T) {
	paper := exchange.NewPaper(exchange.WithTickInterval(2 * time.Millisecond))
	defer paper.Close()
	paper.SetPrice("BTCUSDT", 100)

	f, err := New(paper, config.ExchangeConfig{Timeframe: "1m"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	samples := make(chan domain.MarketDataSample, 64)
	done := make(chan error, 1)
	go func() {
		done <- f.Stream(ctx, "btcusdt", func(s domain.MarketDataSample) {
			select {
			case samples <- s:
			default:
			}
		})
	}()

	select {
	case s := <-samples:
		assert.Equal(t, "BTCUSDT", s.Symbol)
		require.NotNil(t, s.Price)
		require.NotNil(t, s.Spread)
		assert.Greater(t, *s.Spread, 0.0)
		assert.InDelta(t, 100, *s.Price, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("no sample received")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestSampleFromTicker_SkipsOneSidedBook(t *testing.T) {
	_, ok := sampleFromTicker("BTCUSDT", exchange.Ticker{Bid: 100}, 0)
	assert.False(t, ok)
}
