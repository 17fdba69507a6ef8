package domain

import (
	"fmt"
	"strings"
	"time"
)

// Side is the direction of an order
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide accepts buy/sell in any case
func ParseSide(v string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	}
	return "", fmt.Errorf("invalid side %q", v)
}

// Opposite returns the closing side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is MARKET or LIMIT
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// Order is a request to the exchange. Every field except OrderID takes part
// in the client order id derivation.
type Order struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Qty           float64   `json:"qty"`
	Type          OrderType `json:"type"`
	Price         float64   `json:"price,omitempty"`
	ReduceOnly    bool      `json:"reduce_only,omitempty"`
	DecisionTime  time.Time `json:"decision_time,omitempty"`
	ClientOrderID string    `json:"client_order_id"`
	OrderID       string    `json:"order_id,omitempty"`
}

// OrderAck is the exchange's answer to an order placement
type OrderAck struct {
	OK            bool   `json:"ok"`
	OrderID       string `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status,omitempty"`
	Replayed      bool   `json:"replayed,omitempty"`
}
