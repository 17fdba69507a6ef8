package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sawpanic/cryptotrader/internal/config"
)

// ErrInvalidParams is returned when params or overrides break an invariant
var ErrInvalidParams = errors.New("invalid engine params")

// Params are the effective per-engine settings
type Params struct {
	CycleInterval        time.Duration `json:"cycle_interval"`
	MDQueueMax           int           `json:"md_queue_max"`
	MDTimeout            time.Duration `json:"md_timeout"`
	DecisionTimeout      time.Duration `json:"decision_timeout"`
	MaxConsecutiveErrors int           `json:"max_consecutive_errors"`
	ScoreThreshold       float64       `json:"score_threshold"`
	ATRPeriod            int           `json:"atr_period"`
	MaxSampleAge         time.Duration `json:"max_sample_age"`
}

// ParamsFromConfig builds engine defaults
func ParamsFromConfig(cfg config.EngineConfig) Params {
	return Params{
		CycleInterval:        cfg.CycleInterval,
		MDQueueMax:           cfg.MDQueueMax,
		MDTimeout:            cfg.EffectiveMDTimeout(),
		DecisionTimeout:      cfg.DecisionTimeout,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		ScoreThreshold:       cfg.ScoreThreshold,
		ATRPeriod:            cfg.ATRPeriod,
		MaxSampleAge:         cfg.MaxSampleAge,
	}
}

// Validate checks the invariants the engine loop relies on
func (p Params) Validate() error {
	var errs []string
	if p.CycleInterval <= 0 {
		errs = append(errs, "cycle_interval must be positive")
	}
	if p.MDQueueMax <= 0 {
		errs = append(errs, "md_queue_max must be positive")
	}
	if p.MDTimeout <= 0 {
		errs = append(errs, "md_timeout must be positive")
	}
	if p.DecisionTimeout <= 0 {
		errs = append(errs, "decision_timeout must be positive")
	}
	if p.MaxConsecutiveErrors <= 0 {
		errs = append(errs, "max_consecutive_errors must be positive")
	}
	if p.ScoreThreshold < 0 || p.ScoreThreshold > 0.5 {
		errs = append(errs, "score_threshold must be within [0, 0.5]")
	}
	if p.ATRPeriod <= 0 {
		errs = append(errs, "atr_period must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidParams, strings.Join(errs, "; "))
	}
	return nil
}

// Duration decodes JSON durations written as "250ms" or as seconds
type Duration time.Duration

// UnmarshalJSON accepts a Go duration string or a number of seconds
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return errors.New("duration must be a string like \"1s\" or a number of seconds")
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalJSON renders the duration string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Overrides change individual params at start or while running. Nil fields
// keep the current value.
type Overrides struct {
	CycleInterval  *Duration `json:"cycle_interval,omitempty"`
	MDQueueMax     *int      `json:"md_queue_max,omitempty"`
	MDTimeout      *Duration `json:"md_timeout,omitempty"`
	ScoreThreshold *float64  `json:"score_threshold,omitempty"`
}

// Empty reports whether no field is set
func (o Overrides) Empty() bool {
	return o.CycleInterval == nil && o.MDQueueMax == nil && o.MDTimeout == nil && o.ScoreThreshold == nil
}

// Apply returns p with o applied and validated
func (p Params) Apply(o Overrides) (Params, error) {
	if o.CycleInterval != nil {
		p.CycleInterval = time.Duration(*o.CycleInterval)
	}
	if o.MDQueueMax != nil {
		p.MDQueueMax = *o.MDQueueMax
	}
	if o.MDTimeout != nil {
		p.MDTimeout = time.Duration(*o.MDTimeout)
	}
	if o.ScoreThreshold != nil {
		p.ScoreThreshold = *o.ScoreThreshold
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}
