package domain

import "time"

// MarketDataSample is one live observation pushed into an engine queue.
// Nil Price/Spread means the venue gave us nothing for this slot.
type MarketDataSample struct {
	Symbol       string    `json:"symbol"`
	Price        *float64  `json:"price"`
	Spread       *float64  `json:"spread"`
	Volume       float64   `json:"volume"`
	Funding      *float64  `json:"funding,omitempty"`
	OpenInterest *float64  `json:"open_interest,omitempty"`
	Signals      []string  `json:"signals,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

// EmptySample is what an engine cycle sees when the queue wait times out.
func EmptySample(symbol string) MarketDataSample {
	return MarketDataSample{Symbol: symbol, Volume: 0}
}

// IsEmpty reports whether the sample carries no price.
func (s MarketDataSample) IsEmpty() bool {
	return s.Price == nil
}

// Float returns a pointer to v, for building samples.
func Float(v float64) *float64 {
	return &v
}

// Bar is an OHLCV candle keyed by its interval-aligned open time.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// FreshnessResult describes whether a sample is recent enough to trade on
type FreshnessResult struct {
	Fresh  bool          `json:"fresh"`
	Age    time.Duration `json:"age"`
	Reason string        `json:"reason"`
}

// EvaluateFreshness checks a sample's age against maxAge. Samples without a
// receive time or a price are never fresh.
func EvaluateFreshness(s MarketDataSample, now time.Time, maxAge time.Duration) FreshnessResult {
	if s.IsEmpty() {
		return FreshnessResult{Fresh: false, Reason: "no_price"}
	}
	if s.ReceivedAt.IsZero() {
		return FreshnessResult{Fresh: false, Reason: "no_timestamp"}
	}
	age := now.Sub(s.ReceivedAt)
	if maxAge > 0 && age > maxAge {
		return FreshnessResult{Fresh: false, Age: age, Reason: "stale_sample"}
	}
	return FreshnessResult{Fresh: true, Age: age, Reason: "fresh"}
}
