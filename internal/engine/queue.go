package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sawpanic/cryptotrader/internal/domain"
)

// Queue is a fixed-capacity FIFO of market data. Push never blocks: a full
// queue evicts its oldest sample to admit the newest.
type Queue struct {
	mu      sync.Mutex
	buf     []domain.MarketDataSample
	head    int
	size    int
	dropped uint64
	notify  chan struct{}
}

// NewQueue creates a queue holding at most capacity samples
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		buf:    make([]domain.MarketDataSample, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push enqueues s and reports whether an older sample was evicted
func (q *Queue) Push(s domain.MarketDataSample) bool {
	q.mu.Lock()
	evicted := false
	if q.size == len(q.buf) {
		q.buf[q.head] = domain.MarketDataSample{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		evicted = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = s
	q.size++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

// TryPop removes the oldest sample without waiting
func (q *Queue) TryPop() (domain.MarketDataSample, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return domain.MarketDataSample{}, false
	}
	s := q.buf[q.head]
	q.buf[q.head] = domain.MarketDataSample{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return s, true
}

// Pop waits up to timeout for a sample. It returns false on timeout or when
// ctx is done.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (domain.MarketDataSample, bool) {
	if s, ok := q.TryPop(); ok {
		return s, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.notify:
			if s, ok := q.TryPop(); ok {
				return s, true
			}
		case <-timer.C:
			return q.TryPop()
		case <-ctx.Done():
			return domain.MarketDataSample{}, false
		}
	}
}

// Len returns the number of queued samples
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the capacity
func (q *Queue) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Dropped returns how many samples were evicted
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Resize changes the capacity, keeping the newest samples
func (q *Queue) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if capacity == len(q.buf) {
		return
	}
	keep := q.size
	if keep > capacity {
		q.dropped += uint64(keep - capacity)
		keep = capacity
	}
	buf := make([]domain.MarketDataSample, capacity)
	start := q.head + q.size - keep
	for i := 0; i < keep; i++ {
		buf[i] = q.buf[(start+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
	q.size = keep
}
