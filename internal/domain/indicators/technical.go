// Package indicators computes bar-based technical indicators with Wilder
// smoothing
package indicators

import (
	"math"

	"github.com/sawpanic/cryptotrader/internal/domain"
)

// trueRanges returns max(high-low, |high-prevClose|, |low-prevClose|) for
// every bar after the first
func trueRanges(bars []domain.Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	out := make([]float64, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prevClose := bars[i-1].Close
		hl := bars[i].High - bars[i].Low
		hc := math.Abs(bars[i].High - prevClose)
		lc := math.Abs(bars[i].Low - prevClose)
		out[i-1] = math.Max(hl, math.Max(hc, lc))
	}
	return out
}

// wilder seeds with the simple mean of the first period values and smooths
// the rest with alpha 1/period
func wilder(values []float64, period int) float64 {
	avg := 0.0
	for _, v := range values[:period] {
		avg += v
	}
	avg /= float64(period)

	alpha := 1.0 / float64(period)
	for _, v := range values[period:] {
		avg = avg*(1-alpha) + v*alpha
	}
	return avg
}

// ATR is the Average True Range over period. It reports false until
// period+1 bars are available.
func ATR(bars []domain.Bar, period int) (float64, bool) {
	if period <= 0 || len(bars) < period+1 {
		return 0, false
	}
	return wilder(trueRanges(bars), period), true
}

// RSI is the Relative Strength Index of closes over period, in [0, 100].
// It reports false until period+1 bars are available.
func RSI(bars []domain.Bar, period int) (float64, bool) {
	if period <= 0 || len(bars) < period+1 {
		return 0, false
	}
	gains := make([]float64, len(bars)-1)
	losses := make([]float64, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		if change := bars[i].Close - bars[i-1].Close; change > 0 {
			gains[i-1] = change
		} else {
			losses[i-1] = -change
		}
	}

	avgGain := wilder(gains, period)
	avgLoss := wilder(losses, period)
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, true
		}
		return 100, true
	}
	return 100 - 100/(1+avgGain/avgLoss), true
}

// Momentum is the close-to-close change over lookback bars in ATR units
func Momentum(bars []domain.Bar, lookback int, atr float64) float64 {
	if lookback <= 0 || len(bars) <= lookback || atr <= 0 {
		return 0
	}
	last := bars[len(bars)-1].Close
	past := bars[len(bars)-1-lookback].Close
	return (last - past) / atr
}
