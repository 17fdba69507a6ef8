package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"1m", time.Minute, false},
		{"15m", 15 * time.Minute, false},
		{"4h", 4 * time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"1w", 7 * 24 * time.Hour, false},
		{"m", 0, true},
		{"0m", 0, true},
		{"5x", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeframe(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTickerMidAndSpread(t *testing.T) {
	tk := Ticker{Bid: 99, Ask: 101}
	assert.Equal(t, 100.0, tk.Mid())
	assert.Equal(t, 2.0, tk.Spread())

	empty := Ticker{Bid: 99}
	assert.Zero(t, empty.Mid())
	assert.Zero(t, empty.Spread())
}
