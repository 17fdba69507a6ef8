package exchange

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sawpanic/cryptotrader/internal/domain"
)

// Paper is an in-memory venue for paper trading and tests. Prices follow a
// seeded random walk per symbol; orders fill immediately and are keyed by
// client order id.
type Paper struct {
	mu        sync.Mutex
	bars      map[string][]domain.Bar
	prices    map[string]float64
	orders    map[string]domain.OrderAck
	placed    []domain.Order
	cash      float64
	positions map[string]float64
	seq       int64
	rejects   int
	lostAcks  int
	seed      int64
	rng       *rand.Rand
	tickEvery time.Duration
	now       func() time.Time

	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Adapter = (*Paper)(nil)

// PaperOption customises a Paper exchange
type PaperOption func(*Paper)

// WithPaperClock replaces the clock
func WithPaperClock(now func() time.Time) PaperOption {
	return func(p *Paper) { p.now = now }
}

// WithTickInterval sets how often streams emit
func WithTickInterval(d time.Duration) PaperOption {
	return func(p *Paper) { p.tickEvery = d }
}

// WithStartingCash sets the quote balance the account opens with
func WithStartingCash(v float64) PaperOption {
	return func(p *Paper) { p.cash = v }
}

// WithSeed fixes the random walk seed
func WithSeed(seed int64) PaperOption {
	return func(p *Paper) { p.seed = seed }
}

// NewPaper creates an empty paper exchange
func NewPaper(opts ...PaperOption) *Paper {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Paper{
		bars:      make(map[string][]domain.Bar),
		prices:    make(map[string]float64),
		orders:    make(map[string]domain.OrderAck),
		positions: make(map[string]float64),
		cash:      10000,
		seed:      1,
		tickEvery: time.Second,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.rng = rand.New(rand.NewSource(p.seed))
	return p
}

// SeedBars fixes the history returned for symbol
func (p *Paper) SeedBars(symbol string, bars []domain.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sym := strings.ToUpper(symbol)
	p.bars[sym] = append([]domain.Bar(nil), bars...)
	if len(bars) > 0 {
		p.prices[sym] = bars[len(bars)-1].Close
	}
}

// SetPrice moves the current price of symbol
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	p.prices[strings.ToUpper(symbol)] = price
	p.mu.Unlock()
}

// FailNext makes the next n placements fail transiently before reaching the book
func (p *Paper) FailNext(n int) {
	p.mu.Lock()
	p.rejects = n
	p.mu.Unlock()
}

// LoseAcks makes the next n placements fill but report a transient failure,
// the ambiguous case an idempotent retry must survive
func (p *Paper) LoseAcks(n int) {
	p.mu.Lock()
	p.lostAcks = n
	p.mu.Unlock()
}

// Orders returns every distinct order accepted so far
func (p *Paper) Orders() []domain.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Order(nil), p.placed...)
}

// FetchOHLCV returns seeded bars, or a deterministic synthetic series ending
// at the current interval
func (p *Paper) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	interval, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	sym := strings.ToUpper(symbol)
	if seeded, ok := p.bars[sym]; ok {
		if limit > 0 && len(seeded) > limit {
			seeded = seeded[len(seeded)-limit:]
		}
		return append([]domain.Bar(nil), seeded...), nil
	}

	if limit <= 0 {
		limit = 100
	}
	rng := rand.New(rand.NewSource(p.seed ^ symbolSeed(sym)))
	price := basePrice(sym)
	end := p.now().UTC().Truncate(interval)
	bars := make([]domain.Bar, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		open := price
		price = math.Max(0.01, price*(1+rng.NormFloat64()*0.002))
		bars = append(bars, domain.Bar{
			Time:   end.Add(-time.Duration(i) * interval),
			Open:   open,
			High:   math.Max(open, price) * (1 + rng.Float64()*0.001),
			Low:    math.Min(open, price) * (1 - rng.Float64()*0.001),
			Close:  price,
			Volume: 10 + rng.Float64()*90,
		})
	}
	p.prices[sym] = price
	return bars, nil
}

// FetchOrderBook returns five synthetic levels each side of the current price
func (p *Paper) FetchOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if depth <= 0 || depth > 5 {
		depth = 5
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	mid := p.priceLocked(strings.ToUpper(symbol))
	book := &OrderBook{Symbol: strings.ToUpper(symbol), Time: p.now().UTC()}
	for i := 1; i <= depth; i++ {
		step := mid * 0.0001 * float64(i)
		book.Bids = append(book.Bids, Level{Price: mid - step, Qty: float64(i)})
		book.Asks = append(book.Asks, Level{Price: mid + step, Qty: float64(i)})
	}
	return book, nil
}

// StreamTicker emits a random walk tick every tick interval
func (p *Paper) StreamTicker(ctx context.Context, symbol string) (<-chan Ticker, error) {
	out := make(chan Ticker, streamBuffer)
	sym := strings.ToUpper(symbol)
	if err := p.stream(ctx, func() {
		mid := p.step(sym)
		t := Ticker{Symbol: sym, Bid: mid * 0.9999, BidQty: 1, Ask: mid * 1.0001, AskQty: 1, Time: p.now().UTC()}
		select {
		case out <- t:
		default:
		}
	}, func() { close(out) }); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamTrades emits one synthetic trade every tick interval
func (p *Paper) StreamTrades(ctx context.Context, symbol string) (<-chan Trade, error) {
	out := make(chan Trade, streamBuffer)
	sym := strings.ToUpper(symbol)
	var id int64
	if err := p.stream(ctx, func() {
		id++
		price := p.step(sym)
		side := domain.SideBuy
		if id%2 == 0 {
			side = domain.SideSell
		}
		tr := Trade{Symbol: sym, ID: fmt.Sprintf("%d", id), Price: price, Qty: 0.1, Side: side, Time: p.now().UTC()}
		select {
		case out <- tr:
		default:
		}
	}, func() { close(out) }); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Paper) stream(ctx context.Context, emit func(), done func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer done()
		ticker := time.NewTicker(p.tickEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				emit()
			}
		}
	}()
	return nil
}

func (p *Paper) step(sym string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	price := p.priceLocked(sym)
	price = math.Max(0.01, price*(1+p.rng.NormFloat64()*0.0005))
	p.prices[sym] = price
	return price
}

func (p *Paper) priceLocked(sym string) float64 {
	if v, ok := p.prices[sym]; ok {
		return v
	}
	v := basePrice(sym)
	p.prices[sym] = v
	return v
}

// PlaceOrder fills immediately at the current price, or the limit price when
// one is set. A known client order id returns the original acknowledgement
// with Replayed set.
func (p *Paper) PlaceOrder(ctx context.Context, o domain.Order) (domain.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderAck{}, err
	}
	if o.ClientOrderID == "" {
		return domain.OrderAck{}, errors.New("client order id is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.OrderAck{}, ErrClosed
	}

	if ack, ok := p.orders[o.ClientOrderID]; ok {
		ack.Replayed = true
		return ack, nil
	}
	if p.rejects > 0 {
		p.rejects--
		return domain.OrderAck{}, fmt.Errorf("%w: paper venue unavailable", ErrTransient)
	}

	p.seq++
	ack := domain.OrderAck{
		OK:            true,
		OrderID:       fmt.Sprintf("paper-%d", p.seq),
		ClientOrderID: o.ClientOrderID,
		Status:        "FILLED",
	}
	o.OrderID = ack.OrderID
	p.orders[o.ClientOrderID] = ack
	p.placed = append(p.placed, o)
	p.fillLocked(o)

	if p.lostAcks > 0 {
		p.lostAcks--
		return domain.OrderAck{}, fmt.Errorf("%w: acknowledgement lost", ErrTransient)
	}
	return ack, nil
}

func (p *Paper) fillLocked(o domain.Order) {
	sym := strings.ToUpper(o.Symbol)
	price := o.Price
	if o.Type != domain.OrderLimit || price <= 0 {
		price = p.priceLocked(sym)
	}
	qty := o.Qty
	if o.Side == domain.SideSell {
		qty = -qty
	}
	p.positions[sym] += qty
	p.cash -= qty * price
}

// Equity marks every position to the current price
func (p *Paper) Equity(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	equity := p.cash
	for sym, qty := range p.positions {
		equity += qty * p.priceLocked(sym)
	}
	return equity, nil
}

// Close stops all streams
func (p *Paper) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	return nil
}

func symbolSeed(sym string) int64 {
	h := fnv.New64a()
	h.Write([]byte(sym))
	return int64(h.Sum64())
}

func basePrice(sym string) float64 {
	switch {
	case strings.HasPrefix(sym, "BTC"):
		return 60000
	case strings.HasPrefix(sym, "ETH"):
		return 3000
	}
	return 10 + float64(uint64(symbolSeed(sym))%9000)/100
}
