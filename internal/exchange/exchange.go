// Package exchange wraps venue network calls for bars, order books, live
// streams and order placement.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sawpanic/cryptotrader/internal/domain"
)

var (
	// ErrTransient marks failures worth retrying: network errors, 5xx, 429
	// and an open circuit breaker
	ErrTransient = errors.New("transient exchange error")

	// ErrDuplicateOrder is reported by a venue that already holds an order
	// with the same client order id
	ErrDuplicateOrder = errors.New("duplicate client order id")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("exchange adapter closed")
)

// Adapter is the venue boundary consumed by the feeder and the order
// execution adapter
type Adapter interface {
	// FetchOHLCV returns up to limit bars ordered oldest first
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Bar, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)
	// StreamTicker emits best bid/ask updates until ctx is done
	StreamTicker(ctx context.Context, symbol string) (<-chan Ticker, error)
	StreamTrades(ctx context.Context, symbol string) (<-chan Trade, error)
	// PlaceOrder submits o; resubmitting the same ClientOrderID never
	// creates a second order
	PlaceOrder(ctx context.Context, o domain.Order) (domain.OrderAck, error)
	// Equity values the whole account in the quote asset
	Equity(ctx context.Context) (float64, error)
	Close() error
}

// Ticker is a best bid/ask update
type Ticker struct {
	Symbol string
	Bid    float64
	BidQty float64
	Ask    float64
	AskQty float64
	Time   time.Time
}

// Mid returns the mid price, or zero when either side is missing
func (t Ticker) Mid() float64 {
	if t.Bid <= 0 || t.Ask <= 0 {
		return 0
	}
	return (t.Bid + t.Ask) / 2
}

// Spread returns ask minus bid
func (t Ticker) Spread() float64 {
	if t.Bid <= 0 || t.Ask <= 0 {
		return 0
	}
	return t.Ask - t.Bid
}

// Trade is a single public trade
type Trade struct {
	Symbol string
	ID     string
	Price  float64
	Qty    float64
	Side   domain.Side // taker side
	Time   time.Time
}

// Level is one price level of a book
type Level struct {
	Price float64
	Qty   float64
}

// OrderBook is a depth snapshot, bids descending and asks ascending
type OrderBook struct {
	Symbol string
	Bids   []Level
	Asks   []Level
	Time   time.Time
}

// BestBid returns the top bid price or zero
func (b *OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the top ask price or zero
func (b *OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// ParseTimeframe converts venue interval strings like "1m", "4h" or "1d"
func ParseTimeframe(tf string) (time.Duration, error) {
	tf = strings.TrimSpace(tf)
	if len(tf) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	var unit time.Duration
	switch tf[len(tf)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid timeframe unit in %q", tf)
	}
	return time.Duration(n) * unit, nil
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
