package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/cryptotrader/internal/domain"
)

func priced(v float64) domain.MarketDataSample {
	return domain.MarketDataSample{Symbol: "BTCUSDT", Price: domain.Float(v)}
}

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	q := NewQueue(2)
	assert.False(t, q.Push(priced(1)))
	assert.False(t, q.Push(priced(2)))
	assert.True(t, q.Push(priced(3)))

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(1), q.Dropped())

	s, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, 2.0, *s.Price)
	s, ok = q.TryPop()
	require.True(t, ok)
	assert.Equal(t, 3.0, *s.Price)

	_, ok = q.TryPop()
	assert.False(t, ok)
}

func TestQueue_PopTimesOut(t *testing.T) {
	q := NewQueue(4)
	start := time.Now()
	_, ok := q.Pop(context.Background(), 20*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueue_PopWakesOnPush(t *testing.T) {
	q := NewQueue(4)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(priced(42))
	}()
	s, ok := q.Pop(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, 42.0, *s.Price)
}

func TestQueue_PopHonoursContext(t *testing.T) {
	q := NewQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.Pop(ctx, time.Second)
	assert.False(t, ok)
}

func TestQueue_ResizeKeepsNewest(t *testing.T) {
	q := NewQueue(4)
	for i := 1; i <= 4; i++ {
		q.Push(priced(float64(i)))
	}
	q.Resize(2)
	assert.Equal(t, 2, q.Cap())
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(2), q.Dropped())

	s, _ := q.TryPop()
	assert.Equal(t, 3.0, *s.Price)
	s, _ = q.TryPop()
	assert.Equal(t, 4.0, *s.Price)

	q.Resize(8)
	q.Push(priced(5))
	assert.Equal(t, 8, q.Cap())
	assert.Equal(t, 1, q.Len())
}
