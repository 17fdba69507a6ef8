package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/cryptotrader/internal/config"
	"github.com/sawpanic/cryptotrader/internal/domain"
)

const (
	defaultBinanceURL   = "https://api.binance.com"
	defaultBinanceWSURL = "wss://stream.binance.com:9443/ws"

	// Binance rejects a newClientOrderId that is still live with -2010
	binanceCodeRejected = -2010
	// returned by an order lookup for an unknown client order id
	binanceCodeNoSuchOrder = -2013

	streamBuffer     = 256
	streamReadWait   = 90 * time.Second
	streamMaxBackoff = 30 * time.Second
)

// APIError is a non-retryable error body returned by Binance
type APIError struct {
	Status int    `json:"-"`
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error %d (http %d): %s", e.Code, e.Status, e.Msg)
}

func (e *APIError) duplicate() bool {
	return e.Code == binanceCodeRejected && strings.Contains(strings.ToLower(e.Msg), "duplicate")
}

// Binance is the spot REST and WebSocket adapter. REST calls share one rate
// limiter and one circuit breaker; only transient failures trip the breaker.
type Binance struct {
	cfg     config.ExchangeConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	dialer  *websocket.Dialer
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Adapter = (*Binance)(nil)

// BinanceOption customises a Binance adapter
type BinanceOption func(*Binance)

// WithHTTPClient replaces the REST client
func WithHTTPClient(c *http.Client) BinanceOption {
	return func(b *Binance) { b.client = c }
}

// WithBinanceClock replaces the clock used for request timestamps
func WithBinanceClock(now func() time.Time) BinanceOption {
	return func(b *Binance) { b.now = now }
}

// NewBinance creates an adapter from cfg
func NewBinance(cfg config.ExchangeConfig, opts ...BinanceOption) *Binance {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBinanceURL
	}
	if cfg.WSURL == "" {
		cfg.WSURL = defaultBinanceWSURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.WSURL = strings.TrimRight(cfg.WSURL, "/")

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RESTRPS
	if rps <= 0 {
		rps = 10
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Binance{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		dialer:  &websocket.Dialer{HandshakeTimeout: timeout},
		logger:  log.With().Str("component", "exchange").Str("venue", "binance").Logger(),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	b.breaker = gobreaker.NewCircuitBreaker(b.breakerSettings(cfg.Breaker))

	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Binance) breakerSettings(cfg config.BreakerConfig) gobreaker.Settings {
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.Settings{
		Name:        "binance",
		MaxRequests: cfg.HalfOpenRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrTransient)
		},
	}
}

// BreakerState returns the REST circuit breaker state
func (b *Binance) BreakerState() string {
	return b.breaker.State().String()
}

// FetchOHLCV returns klines oldest first
func (b *Binance) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Bar, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("interval", timeframe)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var raw [][]interface{}
	if err := b.do(ctx, http.MethodGet, "/api/v3/klines", params, false, &raw); err != nil {
		return nil, fmt.Errorf("fetch klines %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(raw))
	for _, k := range raw {
		bar, err := parseKline(k)
		if err != nil {
			return nil, fmt.Errorf("fetch klines %s: %w", symbol, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseKline(k []interface{}) (domain.Bar, error) {
	if len(k) < 6 {
		return domain.Bar{}, fmt.Errorf("short kline row (%d fields)", len(k))
	}
	openTime, ok := k[0].(float64)
	if !ok {
		return domain.Bar{}, fmt.Errorf("kline open time is %T", k[0])
	}
	var vals [5]float64
	for i := range vals {
		s, ok := k[i+1].(string)
		if !ok {
			return domain.Bar{}, fmt.Errorf("kline field %d is %T", i+1, k[i+1])
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return domain.Bar{}, fmt.Errorf("kline field %d: %w", i+1, err)
		}
		vals[i] = v
	}
	return domain.Bar{
		Time:   time.UnixMilli(int64(openTime)).UTC(),
		Open:   vals[0],
		High:   vals[1],
		Low:    vals[2],
		Close:  vals[3],
		Volume: vals[4],
	}, nil
}

// FetchOrderBook returns a depth snapshot
func (b *Binance) FetchOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	if depth > 0 {
		params.Set("limit", strconv.Itoa(depth))
	}

	var raw struct {
		LastUpdateID int64      `json:"lastUpdateId"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	if err := b.do(ctx, http.MethodGet, "/api/v3/depth", params, false, &raw); err != nil {
		return nil, fmt.Errorf("fetch depth %s: %w", symbol, err)
	}
	return &OrderBook{
		Symbol: strings.ToUpper(symbol),
		Bids:   parseLevels(raw.Bids),
		Asks:   parseLevels(raw.Asks),
		Time:   b.now().UTC(),
	}, nil
}

func parseLevels(rows [][]string) []Level {
	out := make([]Level, 0, len(rows))
	for _, r := range rows {
		if len(r) < 2 {
			continue
		}
		p, err1 := strconv.ParseFloat(r[0], 64)
		q, err2 := strconv.ParseFloat(r[1], 64)
		if err1 != nil || err2 != nil || q <= 0 {
			continue
		}
		out = append(out, Level{Price: p, Qty: q})
	}
	return out
}

type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
}

func (r orderResponse) ack(replayed bool) domain.OrderAck {
	return domain.OrderAck{
		OK:            true,
		OrderID:       strconv.FormatInt(r.OrderID, 10),
		ClientOrderID: r.ClientOrderID,
		Status:        r.Status,
		Replayed:      replayed,
	}
}

// PlaceOrder submits a signed order. Binance only refuses a reused client
// order id while that order is open, so the id is looked up first and a
// known order, filled or not, is returned instead of placing another.
func (b *Binance) PlaceOrder(ctx context.Context, o domain.Order) (domain.OrderAck, error) {
	if o.ClientOrderID == "" {
		return domain.OrderAck{}, errors.New("client order id is required")
	}

	existing, err := b.queryOrder(ctx, o.Symbol, o.ClientOrderID)
	if err == nil {
		b.logger.Info().
			Str("symbol", o.Symbol).
			Str("client_order_id", o.ClientOrderID).
			Str("status", existing.Status).
			Msg("Order already on the venue, replaying it")
		return existing, nil
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != binanceCodeNoSuchOrder {
		return domain.OrderAck{}, fmt.Errorf("place order %s: %w", o.ClientOrderID, err)
	}

	params := url.Values{}
	params.Set("symbol", strings.ToUpper(o.Symbol))
	params.Set("side", string(o.Side))
	orderType := o.Type
	if orderType == "" {
		orderType = domain.OrderMarket
	}
	params.Set("type", string(orderType))
	params.Set("quantity", decimal.NewFromFloat(o.Qty).String())
	if orderType == domain.OrderLimit {
		params.Set("price", decimal.NewFromFloat(o.Price).String())
		params.Set("timeInForce", "GTC")
	}
	params.Set("newClientOrderId", o.ClientOrderID)
	params.Set("newOrderRespType", "ACK")

	var resp orderResponse
	err = b.do(ctx, http.MethodPost, "/api/v3/order", params, true, &resp)
	if errors.Is(err, ErrDuplicateOrder) {
		b.logger.Info().
			Str("symbol", o.Symbol).
			Str("client_order_id", o.ClientOrderID).
			Msg("Duplicate client order id, replaying existing order")
		return b.queryOrder(ctx, o.Symbol, o.ClientOrderID)
	}
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("place order %s: %w", o.ClientOrderID, err)
	}
	return resp.ack(false), nil
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type priceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// Equity sums free and locked balances, valuing every asset other than the
// quote asset at its last traded price against it. Assets without such a
// pair are left out.
func (b *Binance) Equity(ctx context.Context) (float64, error) {
	var acct accountResponse
	if err := b.do(ctx, http.MethodGet, "/api/v3/account", url.Values{}, true, &acct); err != nil {
		return 0, fmt.Errorf("fetch account: %w", err)
	}
	quote := strings.ToUpper(b.cfg.QuoteAsset)
	if quote == "" {
		quote = "USDT"
	}

	holdings := make(map[string]decimal.Decimal)
	for _, bal := range acct.Balances {
		free, err := decimal.NewFromString(bal.Free)
		if err != nil {
			return 0, fmt.Errorf("parse %s balance: %w", bal.Asset, err)
		}
		locked, err := decimal.NewFromString(bal.Locked)
		if err != nil {
			return 0, fmt.Errorf("parse %s balance: %w", bal.Asset, err)
		}
		if total := free.Add(locked); !total.IsZero() {
			asset := strings.ToUpper(bal.Asset)
			holdings[asset] = holdings[asset].Add(total)
		}
	}

	equity := holdings[quote]
	delete(holdings, quote)
	if len(holdings) == 0 {
		return equity.InexactFloat64(), nil
	}

	var prices []priceResponse
	if err := b.do(ctx, http.MethodGet, "/api/v3/ticker/price", url.Values{}, false, &prices); err != nil {
		return 0, fmt.Errorf("fetch prices: %w", err)
	}
	bySymbol := make(map[string]string, len(prices))
	for _, p := range prices {
		bySymbol[p.Symbol] = p.Price
	}
	for asset, qty := range holdings {
		raw, ok := bySymbol[asset+quote]
		if !ok {
			b.logger.Debug().Str("asset", asset).Str("quote", quote).Msg("No price for asset, left out of equity")
			continue
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return 0, fmt.Errorf("parse %s%s price: %w", asset, quote, err)
		}
		equity = equity.Add(qty.Mul(price))
	}
	return equity.InexactFloat64(), nil
}

func (b *Binance) queryOrder(ctx context.Context, symbol, clientOrderID string) (domain.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("origClientOrderId", clientOrderID)

	var resp orderResponse
	if err := b.do(ctx, http.MethodGet, "/api/v3/order", params, true, &resp); err != nil {
		return domain.OrderAck{}, fmt.Errorf("query order %s: %w", clientOrderID, err)
	}
	return resp.ack(true), nil
}

// do performs one REST call behind the limiter and the breaker
func (b *Binance) do(ctx context.Context, method, path string, params url.Values, signed bool, out interface{}) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.roundTrip(ctx, method, path, params, signed, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

func (b *Binance) roundTrip(ctx context.Context, method, path string, params url.Values, signed bool, out interface{}) error {
	query := params.Encode()
	if signed {
		q := url.Values{}
		for k, v := range params {
			q[k] = v
		}
		q.Set("timestamp", strconv.FormatInt(b.now().UnixMilli(), 10))
		q.Set("recvWindow", "5000")
		query = q.Encode()
		query += "&signature=" + b.sign(query)
	}

	endpoint := b.cfg.BaseURL + path
	if query != "" {
		endpoint += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if b.cfg.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", b.cfg.APIKey)
	}

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrTransient, path, err)
	}

	b.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("REST call")

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		return fmt.Errorf("%w: %s rate limited (http %d)", ErrTransient, path, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s http %d", ErrTransient, path, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil {
			apiErr.Msg = strings.TrimSpace(string(body))
		}
		if apiErr.duplicate() {
			return fmt.Errorf("%w: %v", ErrDuplicateOrder, apiErr)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (b *Binance) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(b.cfg.APISecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

type bookTickerEvent struct {
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

type tradeEvent struct {
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// StreamTicker subscribes to the bookTicker stream. The channel is closed
// when ctx is done or the adapter is closed; updates are dropped while the
// consumer lags.
func (b *Binance) StreamTicker(ctx context.Context, symbol string) (<-chan Ticker, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	out := make(chan Ticker, streamBuffer)
	stream := strings.ToLower(symbol) + "@bookTicker"

	b.runStream(ctx, stream, func(msg []byte) {
		var ev bookTickerEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			return
		}
		t := Ticker{Symbol: ev.Symbol, Time: b.now().UTC()}
		t.Bid, _ = strconv.ParseFloat(ev.BidPrice, 64)
		t.BidQty, _ = strconv.ParseFloat(ev.BidQty, 64)
		t.Ask, _ = strconv.ParseFloat(ev.AskPrice, 64)
		t.AskQty, _ = strconv.ParseFloat(ev.AskQty, 64)
		select {
		case out <- t:
		default:
		}
	}, func() { close(out) })

	return out, nil
}

// StreamTrades subscribes to the public trade stream
func (b *Binance) StreamTrades(ctx context.Context, symbol string) (<-chan Trade, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	out := make(chan Trade, streamBuffer)
	stream := strings.ToLower(symbol) + "@trade"

	b.runStream(ctx, stream, func(msg []byte) {
		var ev tradeEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			return
		}
		tr := Trade{
			Symbol: ev.Symbol,
			ID:     strconv.FormatInt(ev.TradeID, 10),
			Side:   domain.SideBuy,
			Time:   time.UnixMilli(ev.TradeTime).UTC(),
		}
		if ev.IsBuyerMaker {
			tr.Side = domain.SideSell
		}
		tr.Price, _ = strconv.ParseFloat(ev.Price, 64)
		tr.Qty, _ = strconv.ParseFloat(ev.Qty, 64)
		select {
		case out <- tr:
		default:
		}
	}, func() { close(out) })

	return out, nil
}

// runStream keeps one stream connected, reconnecting with backoff, until
// ctx or the adapter is done
func (b *Binance) runStream(ctx context.Context, stream string, handle func([]byte), done func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(b.ctx, cancel)

	wsURL := b.cfg.WSURL + "/" + stream
	logger := b.logger.With().Str("stream", stream).Logger()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		stop()
		cancel()
		done()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer done()
		defer stop()
		defer cancel()

		backoff := time.Second
		for ctx.Err() == nil {
			err := b.readStream(ctx, wsURL, handle)
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Stream disconnected")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > streamMaxBackoff {
				backoff = streamMaxBackoff
			}
		}
	}()
}

func (b *Binance) readStream(ctx context.Context, wsURL string, handle func([]byte)) error {
	conn, _, err := b.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(streamReadWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("websocket read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamReadWait))
		handle(msg)
	}
}

func (b *Binance) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close stops every stream and waits for them to exit
func (b *Binance) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	b.client.CloseIdleConnections()
	return nil
}
