package recovery

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 9, 7, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestPolicy_BackoffAndHourlyBudget(t *testing.T) {
	clock := newFakeClock()
	p := NewPolicy(Config{MaxRestartsPerHour: 3, BackoffBase: time.Second}, WithClock(clock.Now))

	// 1st restart needs no wait
	assert.True(t, p.ShouldRecover("BTCUSDT"))

	// 2nd: needs base (1s) since the 1st
	clock.Advance(500 * time.Millisecond)
	assert.False(t, p.ShouldRecover("BTCUSDT"))
	clock.Advance(500 * time.Millisecond)
	assert.True(t, p.ShouldRecover("BTCUSDT"))

	// 3rd: needs 2*base since the 2nd
	clock.Advance(1500 * time.Millisecond)
	assert.False(t, p.ShouldRecover("BTCUSDT"))
	clock.Advance(500 * time.Millisecond)
	assert.True(t, p.ShouldRecover("BTCUSDT"))

	// 4th within the hour is denied regardless of wait
	clock.Advance(10 * time.Minute)
	assert.False(t, p.ShouldRecover("BTCUSDT"))
	clock.Advance(30 * time.Minute)
	assert.False(t, p.ShouldRecover("BTCUSDT"))

	assert.Len(t, p.History("BTCUSDT"), 3)
}

func TestPolicy_DenialRecordsNothing(t *testing.T) {
	clock := newFakeClock()
	p := NewPolicy(Config{MaxRestartsPerHour: 3, BackoffBase: time.Second}, WithClock(clock.Now))

	require.True(t, p.ShouldRecover("k"))
	for i := 0; i < 5; i++ {
		assert.False(t, p.ShouldRecover("k"))
	}
	assert.Len(t, p.History("k"), 1)
}

func TestPolicy_Reset(t *testing.T) {
	clock := newFakeClock()
	p := NewPolicy(Config{MaxRestartsPerHour: 1, BackoffBase: time.Minute}, WithClock(clock.Now))

	require.True(t, p.ShouldRecover("ETHUSDT"))
	require.False(t, p.ShouldRecover("ETHUSDT"))

	p.Reset("ETHUSDT")
	assert.True(t, p.ShouldRecover("ETHUSDT"))
}

func TestPolicy_KeysIndependent(t *testing.T) {
	clock := newFakeClock()
	p := NewPolicy(Config{MaxRestartsPerHour: 1, BackoffBase: time.Second}, WithClock(clock.Now))

	assert.True(t, p.ShouldRecover("A"))
	assert.False(t, p.ShouldRecover("A"))
	assert.True(t, p.ShouldRecover("B"))
}

func TestPolicy_WindowExpiry(t *testing.T) {
	clock := newFakeClock()
	p := NewPolicy(Config{MaxRestartsPerHour: 2, BackoffBase: time.Second}, WithClock(clock.Now))

	require.True(t, p.ShouldRecover("k"))
	clock.Advance(time.Second)
	require.True(t, p.ShouldRecover("k"))
	clock.Advance(time.Minute)
	require.False(t, p.ShouldRecover("k"))

	// once both age out of the trailing hour the budget is restored
	clock.Advance(Window)
	assert.Empty(t, p.History("k"))
	assert.True(t, p.ShouldRecover("k"))
}

func TestPolicy_ZeroBudgetAlwaysDenies(t *testing.T) {
	p := NewPolicy(Config{MaxRestartsPerHour: 0, BackoffBase: time.Second})
	assert.False(t, p.ShouldRecover("k"))
}

func TestPolicy_NextEligible(t *testing.T) {
	clock := newFakeClock()
	p := NewPolicy(Config{MaxRestartsPerHour: 2, BackoffBase: 4 * time.Second}, WithClock(clock.Now))

	start := clock.Now()
	assert.Equal(t, start, p.NextEligible("k"))

	require.True(t, p.ShouldRecover("k"))
	assert.Equal(t, start.Add(4*time.Second), p.NextEligible("k"))

	clock.Advance(4 * time.Second)
	require.True(t, p.ShouldRecover("k"))
	assert.Equal(t, start.Add(Window), p.NextEligible("k"))
}

func TestPolicy_ConcurrentKeys(t *testing.T) {
	p := NewPolicy(Config{MaxRestartsPerHour: 1, BackoffBase: time.Hour})

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := map[string]int{}
	for i := 0; i < 50; i++ {
		for _, key := range []string{"A", "B", "C"} {
			wg.Add(1)
			go func(k string) {
				defer wg.Done()
				if p.ShouldRecover(k) {
					mu.Lock()
					granted[k]++
					mu.Unlock()
				}
			}(key)
		}
	}
	wg.Wait()

	assert.Equal(t, map[string]int{"A": 1, "B": 1, "C": 1}, granted)
}
