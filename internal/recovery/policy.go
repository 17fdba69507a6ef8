// Package recovery throttles automatic engine restarts so a crashing symbol
// cannot spin in a tight restart loop.
package recovery

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Window is the trailing period over which restarts are counted
const Window = time.Hour

// Config configures a Policy
type Config struct {
	MaxRestartsPerHour int
	BackoffBase        time.Duration
}

// Policy decides whether a faulted key may be restarted. Keys are independent;
// each key's history is guarded by the policy mutex and nothing spans keys.
type Policy struct {
	mu      sync.Mutex
	cfg     Config
	history map[string][]time.Time
	now     func() time.Time
	logger  zerolog.Logger
}

// Option customises a Policy
type Option func(*Policy)

// WithClock injects the time source, used by tests
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

// WithLogger sets the policy logger
func WithLogger(l zerolog.Logger) Option {
	return func(p *Policy) { p.logger = l }
}

// NewPolicy creates a restart policy
func NewPolicy(cfg Config, opts ...Option) *Policy {
	p := &Policy{
		cfg:     cfg,
		history: make(map[string][]time.Time),
		now:     time.Now,
		logger:  log.Logger.With().Str("component", "recovery").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ShouldRecover grants or denies a restart for key. A grant is recorded;
// a denial leaves the history untouched.
//
// Denied when the trailing hour already holds MaxRestartsPerHour restarts,
// or when the last restart is too recent: with k restarts already in the
// window the next one must wait BackoffBase * 2^(k-1) after the latest.
func (p *Policy) ShouldRecover(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	recent := p.pruneLocked(key, now)

	if len(recent) >= p.cfg.MaxRestartsPerHour {
		p.logger.Warn().
			Str("key", key).
			Int("restarts_in_window", len(recent)).
			Int("max_restarts_per_hour", p.cfg.MaxRestartsPerHour).
			Msg("Restart denied: hourly budget exhausted")
		return false
	}

	if k := len(recent); k > 0 {
		wait := p.backoff(k)
		elapsed := now.Sub(recent[k-1])
		if elapsed < wait {
			p.logger.Warn().
				Str("key", key).
				Dur("elapsed", elapsed).
				Dur("required", wait).
				Msg("Restart denied: backoff not elapsed")
			return false
		}
	}

	p.history[key] = append(recent, now)
	p.logger.Info().
		Str("key", key).
		Int("restart_number", len(p.history[key])).
		Msg("Restart granted")
	return true
}

// Reset clears a key's history so the next call is granted immediately
func (p *Policy) Reset(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.history, key)
}

// History returns the restart timestamps currently inside the window
func (p *Policy) History(key string) []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	recent := p.pruneLocked(key, p.now())
	out := make([]time.Time, len(recent))
	copy(out, recent)
	return out
}

// NextEligible reports when key could next be granted, or the zero time if
// the hourly budget is exhausted until old entries age out of the window.
func (p *Policy) NextEligible(key string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	recent := p.pruneLocked(key, now)
	k := len(recent)
	if k == 0 {
		return now
	}
	if k >= p.cfg.MaxRestartsPerHour {
		return recent[0].Add(Window)
	}
	next := recent[k-1].Add(p.backoff(k))
	if next.Before(now) {
		return now
	}
	return next
}

// backoff is the wait required after k recorded restarts
func (p *Policy) backoff(k int) time.Duration {
	if k <= 0 {
		return 0
	}
	return p.cfg.BackoffBase * time.Duration(1<<uint(k-1))
}

// pruneLocked drops entries older than the window and returns what is left
func (p *Policy) pruneLocked(key string, now time.Time) []time.Time {
	entries := p.history[key]
	cutoff := now.Add(-Window)
	i := 0
	for i < len(entries) && !entries[i].After(cutoff) {
		i++
	}
	if i == len(entries) {
		delete(p.history, key)
		return nil
	}
	if i > 0 {
		entries = append([]time.Time(nil), entries[i:]...)
		p.history[key] = entries
	}
	return entries
}
