package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/cryptotrader/internal/config"
	"github.com/sawpanic/cryptotrader/internal/domain"
	"github.com/sawpanic/cryptotrader/internal/exchange"
)

func newTestAdapter(rps float64, retries int) (*Adapter, *exchange.Paper) {
	paper := exchange.NewPaper()
	return New(paper, config.ExecutionConfig{
		RateLimitRPS: rps,
		MaxRetries:   retries,
		RetryBackoff: time.Millisecond,
	}, nil), paper
}

func TestPlaceOrder_IdempotentForIdenticalParameters(t *testing.T) {
	ctx := context.Background()
	a, paper := newTestAdapter(1000, 0)
	defer paper.Close()

	first, err := a.PlaceOrder(ctx, "BTCUSDT", domain.SideBuy, 0.01, "")
	require.NoError(t, err)
	second, err := a.PlaceOrder(ctx, "BTCUSDT", domain.SideBuy, 0.01, "")
	require.NoError(t, err)

	assert.True(t, first.OK)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.True(t, second.Replayed)
	assert.Len(t, paper.Orders(), 1, "exchange holds a single live order")

	other, err := a.PlaceOrder(ctx, "BTCUSDT", domain.SideBuy, 0.02, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderID, other.OrderID)
}

func TestPlaceOrder_ExplicitClientID(t *testing.T) {
	ctx := context.Background()
	a, paper := newTestAdapter(1000, 0)
	defer paper.Close()

	ack, err := a.PlaceOrder(ctx, "BTCUSDT", domain.SideSell, 1, "manual-1")
	require.NoError(t, err)
	assert.Equal(t, "manual-1", ack.ClientOrderID)
}

func TestPlaceOrder_RateLimitSpacing(t *testing.T) {
	ctx := context.Background()
	a, paper := newTestAdapter(10, 0)
	defer paper.Close()

	start := time.Now()
	_, err := a.PlaceOrder(ctx, "BTCUSDT", domain.SideBuy, 0.01, "")
	require.NoError(t, err)
	_, err = a.PlaceOrder(ctx, "BTCUSDT", domain.SideBuy, 0.02, "")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestPlaceOrder_RateLimitHonoursCancellation(t *testing.T) {
	a, paper := newTestAdapter(0.1, 0)
	defer paper.Close()

	_, err := a.PlaceOrder(context.Background(), "BTCUSDT", domain.SideBuy, 0.01, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = a.PlaceOrder(ctx, "BTCUSDT", domain.SideBuy, 0.02, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, paper.Orders(), 1)
}

func TestPlaceOrder_QueuedCallersOutliveTheirDeadline(t *testing.T) {
	a, paper := newTestAdapter(50, 0)
	defer paper.Close()

	const callers = 15
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := time.Now()
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_, errs[i] = a.PlaceOrder(ctx, "BTCUSDT", domain.SideBuy, 0.01*float64(i+1), "")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
	assert.Len(t, paper.Orders(), callers)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond, "dispatches stay spaced")
}

func TestSubmit_RetriesTransientWithSameID(t *testing.T) {
	ctx := context.Background()
	a, paper := newTestAdapter(1000, 3)
	defer paper.Close()

	paper.LoseAcks(1)
	ack, err := a.PlaceOrder(ctx, "ETHUSDT", domain.SideBuy, 0.5, "")
	require.NoError(t, err)
	assert.True(t, ack.Replayed, "second attempt finds the order the lost ack created")
	assert.Len(t, paper.Orders(), 1)
}

func TestSubmit_RetriesExhausted(t *testing.T) {
	ctx := context.Background()
	a, paper := newTestAdapter(1000, 2)
	defer paper.Close()

	paper.FailNext(5)
	ack, err := a.PlaceOrder(ctx, "ETHUSDT", domain.SideBuy, 0.5, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	assert.False(t, ack.OK)
	assert.NotEmpty(t, ack.ClientOrderID)
	assert.Empty(t, paper.Orders())
}

func TestSubmit_RejectsInvalidOrders(t *testing.T) {
	a, paper := newTestAdapter(1000, 0)
	defer paper.Close()

	_, err := a.PlaceOrder(context.Background(), "BTCUSDT", domain.SideBuy, 0, "")
	assert.ErrorIs(t, err, ErrRejected)
	_, err = a.PlaceOrder(context.Background(), "BTCUSDT", domain.Side("HOLD"), 1, "")
	assert.ErrorIs(t, err, ErrRejected)
}

func TestSubmit_VenueRejectionIsMarked(t *testing.T) {
	a, paper := newTestAdapter(1000, 3)
	defer paper.Close()

	_, err := a.Submit(context.Background(), domain.Order{Symbol: "BTCUSDT", Side: domain.SideBuy, Qty: 1})
	require.NoError(t, err)
	require.NoError(t, paper.Close())

	_, err = a.Submit(context.Background(), domain.Order{Symbol: "BTCUSDT", Side: domain.SideBuy, Qty: 2})
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, exchange.ErrClosed)

	paper2 := exchange.NewPaper()
	defer paper2.Close()
	b := New(paper2, config.ExecutionConfig{RateLimitRPS: 1000, MaxRetries: 1, RetryBackoff: time.Millisecond}, nil)
	paper2.FailNext(5)
	_, err = b.Submit(context.Background(), domain.Order{Symbol: "BTCUSDT", Side: domain.SideBuy, Qty: 1})
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.NotErrorIs(t, err, ErrRejected, "an ambiguous failure is not a rejection")
}

func TestClientOrderID(t *testing.T) {
	base := domain.Order{Symbol: "BTCUSDT", Side: domain.SideBuy, Qty: 0.01}
	id := ClientOrderID(base)

	assert.LessOrEqual(t, len(id), 36)
	assert.Equal(t, id, ClientOrderID(base))

	lower := base
	lower.Symbol = "btcusdt"
	assert.Equal(t, id, ClientOrderID(lower), "symbol case does not matter")

	market := base
	market.Type = domain.OrderMarket
	assert.Equal(t, id, ClientOrderID(market), "empty type means market")

	variants := map[string]func(o *domain.Order){
		"qty":      func(o *domain.Order) { o.Qty = 0.02 },
		"side":     func(o *domain.Order) { o.Side = domain.SideSell },
		"symbol":   func(o *domain.Order) { o.Symbol = "ETHUSDT" },
		"type":     func(o *domain.Order) { o.Type = domain.OrderLimit; o.Price = 100 },
		"reduce":   func(o *domain.Order) { o.ReduceOnly = true },
		"decision": func(o *domain.Order) { o.DecisionTime = time.Unix(1700000000, 0) },
	}
	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			o := base
			mutate(&o)
			assert.NotEqual(t, id, ClientOrderID(o))
		})
	}
}

func TestSubmit_ConcurrentIdenticalOrders(t *testing.T) {
	a, paper := newTestAdapter(1000, 0)
	defer paper.Close()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ack, err := a.PlaceOrder(context.Background(), "BTCUSDT", domain.SideBuy, 0.01, "")
			if err == nil {
				ids[i] = ack.OrderID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, paper.Orders(), 1)
}
