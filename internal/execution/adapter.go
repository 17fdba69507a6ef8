// Package execution submits orders idempotently: every order carries a
// client order id derived from its defining fields, dispatches are spaced by
// a rate limiter, and transient failures are retried with the same id.
package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/sawpanic/cryptotrader/internal/config"
	"github.com/sawpanic/cryptotrader/internal/domain"
	"github.com/sawpanic/cryptotrader/internal/exchange"
	"github.com/sawpanic/cryptotrader/internal/metrics"
)

var (
	// ErrRetriesExhausted is returned when every attempt failed transiently
	ErrRetriesExhausted = errors.New("order submission retries exhausted")

	// ErrRejected marks an order that can never succeed as submitted: the
	// venue refused it or it failed validation
	ErrRejected = errors.New("order rejected")
)

// clientIDPrefix keeps ids recognisable on the venue; total length stays
// within Binance's 36 character limit
const clientIDPrefix = "ct-"

// Adapter is shared by all engines
type Adapter struct {
	exchange     exchange.Adapter
	limiter      *rate.Limiter
	maxRetries   int
	retryBackoff time.Duration
	metrics      *metrics.Registry
	logger       zerolog.Logger
}

// New creates an adapter dispatching at most cfg.RateLimitRPS requests per
// second with no burst
func New(ex exchange.Adapter, cfg config.ExecutionConfig, m *metrics.Registry) *Adapter {
	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Adapter{
		exchange:     ex,
		limiter:      rate.NewLimiter(limit, 1),
		maxRetries:   retries,
		retryBackoff: cfg.RetryBackoff,
		metrics:      m,
		logger:       log.With().Str("component", "execution").Logger(),
	}
}

// ClientOrderID derives a deterministic id from every economically relevant
// field of o. Quantities and prices are normalised through decimal so 0.01
// and 0.010 give the same id.
func ClientOrderID(o domain.Order) string {
	orderType := o.Type
	if orderType == "" {
		orderType = domain.OrderMarket
	}
	price := ""
	if o.Price > 0 {
		price = decimal.NewFromFloat(o.Price).String()
	}
	decided := ""
	if !o.DecisionTime.IsZero() {
		decided = strconv.FormatInt(o.DecisionTime.UnixNano(), 10)
	}

	canonical := strings.Join([]string{
		strings.ToUpper(o.Symbol),
		string(o.Side),
		decimal.NewFromFloat(o.Qty).String(),
		string(orderType),
		price,
		strconv.FormatBool(o.ReduceOnly),
		decided,
	}, "|")

	sum := sha256.Sum256([]byte(canonical))
	return clientIDPrefix + hex.EncodeToString(sum[:])[:32]
}

// PlaceOrder submits a market order. Without an explicit client order id one
// is derived from symbol, side and qty, so repeating the call never creates
// a second live order.
func (a *Adapter) PlaceOrder(ctx context.Context, symbol string, side domain.Side, qty float64, clientOrderID string) (domain.OrderAck, error) {
	return a.Submit(ctx, domain.Order{
		Symbol:        strings.ToUpper(symbol),
		Side:          side,
		Qty:           qty,
		Type:          domain.OrderMarket,
		ClientOrderID: clientOrderID,
	})
}

// Submit places o, deriving its client order id when empty. Transient
// failures are retried with the same id; rate limiting only suspends.
// Deadlines on ctx do not abort a submission once queued, cancellation does.
func (a *Adapter) Submit(ctx context.Context, o domain.Order) (domain.OrderAck, error) {
	if o.Qty <= 0 {
		return domain.OrderAck{}, fmt.Errorf("%w: invalid order quantity %v", ErrRejected, o.Qty)
	}
	if o.Side != domain.SideBuy && o.Side != domain.SideSell {
		return domain.OrderAck{}, fmt.Errorf("%w: invalid order side %q", ErrRejected, o.Side)
	}
	if o.ClientOrderID == "" {
		o.ClientOrderID = ClientOrderID(o)
	}

	logger := a.logger.With().
		Str("symbol", o.Symbol).
		Str("side", string(o.Side)).
		Float64("qty", o.Qty).
		Str("client_order_id", o.ClientOrderID).
		Logger()

	ctx, release := orderContext(ctx)
	defer release()

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			a.metrics.RecordOrderRetry(o.Symbol)
			if err := sleep(ctx, a.retryBackoff<<(attempt-1)); err != nil {
				return domain.OrderAck{}, err
			}
		}

		waited, err := a.waitTurn(ctx)
		if err != nil {
			return domain.OrderAck{}, err
		}
		a.metrics.ObserveRateLimitWait(waited)

		ack, err := a.exchange.PlaceOrder(ctx, o)
		if err == nil {
			result := "placed"
			if ack.Replayed {
				result = "replayed"
			}
			a.metrics.RecordOrder(o.Symbol, result)
			logger.Info().
				Str("order_id", ack.OrderID).
				Bool("replayed", ack.Replayed).
				Int("attempt", attempt+1).
				Msg("Order accepted")
			return ack, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			logger.Warn().Err(err).Msg("Order submission cancelled, outcome unknown")
			return domain.OrderAck{ClientOrderID: o.ClientOrderID}, err
		}
		if !exchange.IsTransient(err) {
			a.metrics.RecordOrder(o.Symbol, "failed")
			logger.Error().Err(err).Msg("Order rejected")
			return domain.OrderAck{ClientOrderID: o.ClientOrderID}, fmt.Errorf("%w: %w", ErrRejected, err)
		}
		logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Order submission failed, retrying with same client id")
	}

	a.metrics.RecordOrder(o.Symbol, "failed")
	logger.Error().Err(lastErr).Int("attempts", a.maxRetries+1).Msg("Order submission retries exhausted")
	return domain.OrderAck{ClientOrderID: o.ClientOrderID},
		fmt.Errorf("%w: %s after %d attempts: %v", ErrRetriesExhausted, o.ClientOrderID, a.maxRetries+1, lastErr)
}

// orderContext detaches an order from the caller's deadline so a slot
// reserved on the limiter is always used. Explicit cancellation still stops
// it.
func orderContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		if errors.Is(ctx.Err(), context.Canceled) {
			cancel()
		}
	})
	return detached, func() {
		stop()
		cancel()
	}
}

// waitTurn reserves the next dispatch slot and sleeps until it is due
func (a *Adapter) waitTurn(ctx context.Context) (time.Duration, error) {
	r := a.limiter.Reserve()
	if !r.OK() {
		return 0, errors.New("order rate limiter cannot grant a slot")
	}
	delay := r.Delay()
	if err := sleep(ctx, delay); err != nil {
		r.Cancel()
		return 0, err
	}
	return delay, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
