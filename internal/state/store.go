// Package state holds shared keyed runtime state (kill flags, counters,
// position markers) behind a pluggable backend.
package state

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// ErrUnavailable is returned when the backing store cannot be reached
var ErrUnavailable = errors.New("state store unavailable")

// Store is the keyed runtime state shared by all engines. Each operation is
// atomic for its key; there are no multi-key transactions.
type Store interface {
	// Get returns the value and whether the key exists
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes value under key
	Set(ctx context.Context, key, value string) error

	// Incr atomically adds delta to an integer counter, creating it at zero
	Incr(ctx context.Context, key string, delta int64) (int64, error)

	// Delete removes key; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error

	// Close releases backend resources
	Close() error
}

// GlobalKillKey engages the kill switch for every symbol
const GlobalKillKey = "kill:global"

// KillKey is the per-symbol kill switch flag
func KillKey(symbol string) string {
	return "kill:" + strings.ToUpper(symbol)
}

// PositionKey stores the side currently held for a symbol
func PositionKey(symbol string) string {
	return "position:" + strings.ToUpper(symbol)
}

// PendingOrderKey holds a decided order until the venue confirms it
func PendingOrderKey(symbol string) string {
	return "pending_order:" + strings.ToUpper(symbol)
}

// CounterKey names a per-symbol counter
func CounterKey(name, symbol string) string {
	return "counter:" + name + ":" + strings.ToUpper(symbol)
}

// GetBool reads a flag; a missing key is false
func GetBool(ctx context.Context, s Store, key string) (bool, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, nil
	}
	return b, nil
}

// SetBool writes a flag
func SetBool(ctx context.Context, s Store, key string, v bool) error {
	return s.Set(ctx, key, strconv.FormatBool(v))
}

// GetInt reads an integer; a missing or malformed value is zero
func GetInt(ctx context.Context, s Store, key string) (int64, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}
