package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const namespace = "cryptotrader"

// Registry holds the runtime's Prometheus collectors. Every recording method
// is safe on a nil *Registry so components can run without metrics.
type Registry struct {
	CycleDuration *prometheus.HistogramVec
	Cycles        *prometheus.CounterVec
	EngineStatus  *prometheus.GaugeVec

	QueueDepth *prometheus.GaugeVec
	MDDropped  *prometheus.CounterVec
	MDTimeouts *prometheus.CounterVec
	MDUnrouted *prometheus.CounterVec

	Orders        *prometheus.CounterVec
	OrderRetries  *prometheus.CounterVec
	RateLimitWait prometheus.Histogram

	RecoveryDecisions *prometheus.CounterVec
	Restarts          *prometheus.CounterVec

	RiskDecisions *prometheus.CounterVec
	GapBars       *prometheus.CounterVec
	Equity        prometheus.Gauge

	HTTPRequests *prometheus.HistogramVec
}

// NewRegistry creates the collectors and registers them on reg
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "engine_cycle_duration_seconds",
				Help:      "Duration of one engine decision cycle",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"symbol"},
		),
		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_cycles_total",
				Help:      "Engine cycles by outcome",
			},
			[]string{"symbol", "result"},
		),
		EngineStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "engine_status",
				Help:      "Engine status (0=stopped 1=starting 2=running 3=stopping 4=error)",
			},
			[]string{"symbol"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "md_queue_depth",
				Help:      "Market data samples waiting in the engine queue",
			},
			[]string{"symbol"},
		),
		MDDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "md_dropped_total",
				Help:      "Samples evicted from a full queue",
			},
			[]string{"symbol"},
		),
		MDTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "md_timeouts_total",
				Help:      "Queue waits that timed out and yielded an empty sample",
			},
			[]string{"symbol"},
		),
		MDUnrouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "md_unrouted_total",
				Help:      "Samples pushed for a symbol without a live engine",
			},
			[]string{"symbol"},
		),
		Orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_total",
				Help:      "Order submissions by result (placed, replayed, failed)",
			},
			[]string{"symbol", "result"},
		),
		OrderRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "order_retries_total",
				Help:      "Order resubmissions with the same client order id",
			},
			[]string{"symbol"},
		),
		RateLimitWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "order_rate_limit_wait_seconds",
				Help:      "Time callers spent suspended by the order rate limiter",
				Buckets:   []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),
		RecoveryDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_decisions_total",
				Help:      "Automatic restart decisions (granted, denied)",
			},
			[]string{"symbol", "result"},
		),
		Restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_restarts_total",
				Help:      "Engine restarts by trigger (manual, auto)",
			},
			[]string{"symbol", "trigger"},
		),
		RiskDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "risk_decisions_total",
				Help:      "Risk evaluations by reason",
			},
			[]string{"symbol", "reason"},
		),
		GapBars: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gap_bars_synthesized_total",
				Help:      "Bars forward-filled during gap repair",
			},
			[]string{"symbol"},
		),
		Equity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "account_equity",
				Help:      "Account equity in the quote asset as last read from the venue",
			},
		),
		HTTPRequests: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Control surface request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method", "code"},
		),
	}

	reg.MustRegister(
		r.CycleDuration,
		r.Cycles,
		r.EngineStatus,
		r.QueueDepth,
		r.MDDropped,
		r.MDTimeouts,
		r.MDUnrouted,
		r.Orders,
		r.OrderRetries,
		r.RateLimitWait,
		r.RecoveryDecisions,
		r.Restarts,
		r.RiskDecisions,
		r.GapBars,
		r.Equity,
		r.HTTPRequests,
	)
	return r
}

// CycleTimer times one engine cycle
type CycleTimer struct {
	registry *Registry
	symbol   string
	start    time.Time
}

// StartCycle begins timing a cycle for symbol
func (r *Registry) StartCycle(symbol string) *CycleTimer {
	return &CycleTimer{registry: r, symbol: symbol, start: time.Now()}
}

// Stop records the cycle duration and outcome
func (t *CycleTimer) Stop(result string) {
	d := time.Since(t.start)
	if t.registry != nil {
		t.registry.CycleDuration.WithLabelValues(t.symbol).Observe(d.Seconds())
		t.registry.Cycles.WithLabelValues(t.symbol, result).Inc()
	}
	log.Debug().
		Str("symbol", t.symbol).
		Str("result", result).
		Dur("duration", d).
		Msg("Engine cycle completed")
}

// SetStatus publishes the numeric engine status
func (r *Registry) SetStatus(symbol string, status int) {
	if r == nil {
		return
	}
	r.EngineStatus.WithLabelValues(symbol).Set(float64(status))
}

// ForgetEngine drops per-symbol gauges of a torn down engine
func (r *Registry) ForgetEngine(symbol string) {
	if r == nil {
		return
	}
	r.EngineStatus.DeleteLabelValues(symbol)
	r.QueueDepth.DeleteLabelValues(symbol)
}

// SetQueueDepth publishes the queue depth
func (r *Registry) SetQueueDepth(symbol string, depth int) {
	if r == nil {
		return
	}
	r.QueueDepth.WithLabelValues(symbol).Set(float64(depth))
}

// RecordDrop counts an evicted sample
func (r *Registry) RecordDrop(symbol string) {
	if r == nil {
		return
	}
	r.MDDropped.WithLabelValues(symbol).Inc()
}

// RecordMDTimeout counts an empty sample produced by a queue timeout
func (r *Registry) RecordMDTimeout(symbol string) {
	if r == nil {
		return
	}
	r.MDTimeouts.WithLabelValues(symbol).Inc()
}

// RecordUnrouted counts a sample with nowhere to go
func (r *Registry) RecordUnrouted(symbol string) {
	if r == nil {
		return
	}
	r.MDUnrouted.WithLabelValues(symbol).Inc()
}

// RecordOrder counts an order outcome
func (r *Registry) RecordOrder(symbol, result string) {
	if r == nil {
		return
	}
	r.Orders.WithLabelValues(symbol, result).Inc()
}

// RecordOrderRetry counts a resubmission
func (r *Registry) RecordOrderRetry(symbol string) {
	if r == nil {
		return
	}
	r.OrderRetries.WithLabelValues(symbol).Inc()
}

// ObserveRateLimitWait records limiter suspension
func (r *Registry) ObserveRateLimitWait(d time.Duration) {
	if r == nil {
		return
	}
	r.RateLimitWait.Observe(d.Seconds())
}

// RecordRecovery counts a recovery policy decision
func (r *Registry) RecordRecovery(symbol string, granted bool) {
	if r == nil {
		return
	}
	result := "denied"
	if granted {
		result = "granted"
	}
	r.RecoveryDecisions.WithLabelValues(symbol, result).Inc()
}

// RecordRestart counts an engine restart
func (r *Registry) RecordRestart(symbol, trigger string) {
	if r == nil {
		return
	}
	r.Restarts.WithLabelValues(symbol, trigger).Inc()
}

// RecordRisk counts a risk decision
func (r *Registry) RecordRisk(symbol, reason string) {
	if r == nil {
		return
	}
	r.RiskDecisions.WithLabelValues(symbol, reason).Inc()
}

// RecordGapBars counts synthetic bars
func (r *Registry) RecordGapBars(symbol string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.GapBars.WithLabelValues(symbol).Add(float64(n))
}

// SetEquity publishes the latest account equity
func (r *Registry) SetEquity(v float64) {
	if r == nil {
		return
	}
	r.Equity.Set(v)
}

// ObserveHTTP records a control surface request
func (r *Registry) ObserveHTTP(route, method, code string, d time.Duration) {
	if r == nil {
		return
	}
	r.HTTPRequests.WithLabelValues(route, method, code).Observe(d.Seconds())
}
