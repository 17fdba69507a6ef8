// Package model holds the shared scoring model handle. The handle is loaded
// once per process and scores features with a logistic model.
package model

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/cryptotrader/internal/domain"
)

// ErrNoWeights is returned for a weights file without coefficients
var ErrNoWeights = errors.New("model has no weights")

// Weights is the on-disk logistic model
type Weights struct {
	Version      string             `yaml:"version"`
	Bias         float64            `yaml:"bias"`
	Coefficients map[string]float64 `yaml:"weights"`
}

// Validate rejects empty or non-finite models
func (w *Weights) Validate() error {
	if len(w.Coefficients) == 0 {
		return ErrNoWeights
	}
	if math.IsNaN(w.Bias) || math.IsInf(w.Bias, 0) {
		return fmt.Errorf("bias is not finite")
	}
	for name, v := range w.Coefficients {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("weight %s is not finite", name)
		}
	}
	return nil
}

// Features returns the feature names the model expects, sorted
func (w *Weights) Features() []string {
	names := make([]string, 0, len(w.Coefficients))
	for name := range w.Coefficients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Result is either Trained with a probability of an up move, or Untrained.
// Callers must branch on it; there is no neutral default.
type Result struct {
	trained     bool
	probability float64
}

// Trained wraps a model probability, clamped to [0, 1]
func Trained(p float64) Result {
	return Result{trained: true, probability: math.Max(0, math.Min(1, p))}
}

// Untrained is the result of scoring before a model is loaded
func Untrained() Result {
	return Result{}
}

// IsTrained reports whether a model produced the result
func (r Result) IsTrained() bool {
	return r.trained
}

// Probability returns the up-move probability when trained
func (r Result) Probability() (float64, bool) {
	return r.probability, r.trained
}

// Side returns BUY for p >= 0.5 and SELL below, when trained
func (r Result) Side() (domain.Side, bool) {
	if !r.trained {
		return "", false
	}
	if r.probability >= 0.5 {
		return domain.SideBuy, true
	}
	return domain.SideSell, true
}

// Confidence is the distance from a coin flip scaled to [0, 1]; zero when
// untrained
func (r Result) Confidence() float64 {
	if !r.trained {
		return 0
	}
	return math.Abs(r.probability-0.5) * 2
}

// Handle is the process-wide model. Load initialises it at most once; every
// later Load returns the first outcome.
type Handle struct {
	mu       sync.RWMutex
	attempts int
	path     string
	weights  *Weights
	err      error
}

// NewHandle returns an unloaded handle
func NewHandle() *Handle {
	return &Handle{}
}

// Load reads YAML weights from path on the first call only
func (h *Handle) Load(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.attempts++
	if h.attempts > 1 {
		if path != h.path {
			log.Warn().Str("path", path).Str("loaded", h.path).Msg("Model already initialised, ignoring new path")
		}
		return h.err
	}

	h.path = path
	h.weights, h.err = readWeights(path)
	if h.err != nil {
		log.Error().Err(h.err).Str("path", path).Msg("Model load failed, scoring stays untrained")
		return h.err
	}
	log.Info().
		Str("path", path).
		Str("version", h.weights.Version).
		Int("features", len(h.weights.Coefficients)).
		Msg("Model loaded")
	return nil
}

func readWeights(path string) (*Weights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", path, err)
	}
	var w Weights
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse model %s: %w", path, err)
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return &w, nil
}

// Loaded reports whether scoring will return Trained results
func (h *Handle) Loaded() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.weights != nil
}

// Score applies the logistic model to features; missing features count as
// zero. A nil or unloaded handle returns Untrained.
func (h *Handle) Score(features map[string]float64) Result {
	if h == nil {
		return Untrained()
	}
	h.mu.RLock()
	w := h.weights
	h.mu.RUnlock()
	if w == nil {
		return Untrained()
	}

	z := w.Bias
	for name, coef := range w.Coefficients {
		z += coef * features[name]
	}
	return Trained(1 / (1 + math.Exp(-z)))
}
