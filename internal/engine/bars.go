package engine

import (
	"math"
	"time"

	"github.com/sawpanic/cryptotrader/internal/domain"
)

// BarWindow folds live samples into interval bars and keeps the most recent
// ones for indicators
type BarWindow struct {
	interval time.Duration
	max      int
	bars     []domain.Bar
}

// NewBarWindow keeps up to max bars of the given interval
func NewBarWindow(interval time.Duration, max int) *BarWindow {
	if max < 2 {
		max = 2
	}
	return &BarWindow{interval: interval, max: max}
}

// Seed replaces the window with bootstrap history
func (w *BarWindow) Seed(bars []domain.Bar) {
	if len(bars) > w.max {
		bars = bars[len(bars)-w.max:]
	}
	w.bars = append(w.bars[:0], bars...)
}

// Update folds a priced sample into the current bar, opening a new bar when
// the sample falls into a later interval. Older samples are ignored.
func (w *BarWindow) Update(s domain.MarketDataSample) {
	if s.Price == nil || w.interval <= 0 {
		return
	}
	price := *s.Price
	slot := s.ReceivedAt.UTC().Truncate(w.interval)

	if n := len(w.bars); n > 0 {
		last := &w.bars[n-1]
		switch {
		case slot.Equal(last.Time):
			last.High = math.Max(last.High, price)
			last.Low = math.Min(last.Low, price)
			last.Close = price
			last.Volume += s.Volume
			return
		case slot.Before(last.Time):
			return
		}
	}

	w.bars = append(w.bars, domain.Bar{
		Time:   slot,
		Open:   price,
		High:   price,
		Low:    price,
		Close:  price,
		Volume: s.Volume,
	})
	if len(w.bars) > w.max {
		w.bars = append(w.bars[:0], w.bars[len(w.bars)-w.max:]...)
	}
}

// Len returns the number of bars held
func (w *BarWindow) Len() int {
	return len(w.bars)
}

// Last returns the newest bar
func (w *BarWindow) Last() (domain.Bar, bool) {
	if len(w.bars) == 0 {
		return domain.Bar{}, false
	}
	return w.bars[len(w.bars)-1], true
}

// Bars returns a copy of the window
func (w *BarWindow) Bars() []domain.Bar {
	return append([]domain.Bar(nil), w.bars...)
}
