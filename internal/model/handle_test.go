package model

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/cryptotrader/internal/domain"
)

func writeModel(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validModel = `
version: "2024-06"
bias: 0.0
weights:
  momentum: 2.0
  spread_bps: -0.1
`

func TestHandle_UntrainedBeforeLoad(t *testing.T) {
	h := NewHandle()
	r := h.Score(map[string]float64{"momentum": 1})
	assert.False(t, r.IsTrained())

	_, ok := r.Probability()
	assert.False(t, ok)
	_, ok = r.Side()
	assert.False(t, ok)
	assert.Zero(t, r.Confidence())

	var nilHandle *Handle
	assert.False(t, nilHandle.Score(nil).IsTrained())
}

func TestHandle_LoadAndScore(t *testing.T) {
	h := NewHandle()
	require.NoError(t, h.Load(writeModel(t, validModel)))
	assert.True(t, h.Loaded())

	neutral := h.Score(map[string]float64{})
	p, ok := neutral.Probability()
	require.True(t, ok)
	assert.InDelta(t, 0.5, p, 1e-12)
	side, _ := neutral.Side()
	assert.Equal(t, domain.SideBuy, side)

	bearish := h.Score(map[string]float64{"momentum": -2})
	side, ok = bearish.Side()
	require.True(t, ok)
	assert.Equal(t, domain.SideSell, side)
	assert.Greater(t, bearish.Confidence(), 0.9)
}

func TestHandle_LoadOnce(t *testing.T) {
	h := NewHandle()
	good := writeModel(t, validModel)
	require.NoError(t, h.Load(good))

	require.NoError(t, h.Load(filepath.Join(t.TempDir(), "missing.yaml")), "second load returns the first outcome")
	assert.True(t, h.Loaded())
}

func TestHandle_FailedLoadIsSticky(t *testing.T) {
	h := NewHandle()
	err := h.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	assert.Error(t, h.Load(writeModel(t, validModel)))
	assert.False(t, h.Loaded())
	assert.False(t, h.Score(nil).IsTrained())
}

func TestHandle_RejectsInvalidWeights(t *testing.T) {
	tests := map[string]string{
		"empty":     "version: x\nweights: {}\n",
		"malformed": "weights: [1, 2\n",
		"nan":       "weights:\n  momentum: .nan\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, NewHandle().Load(writeModel(t, body)))
		})
	}
}

func TestHandle_ConcurrentLoad(t *testing.T) {
	h := NewHandle()
	path := writeModel(t, validModel)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Load(path)
			_ = h.Score(map[string]float64{"momentum": 1})
		}()
	}
	wg.Wait()
	assert.True(t, h.Loaded())
}

func TestTrainedClamps(t *testing.T) {
	p, _ := Trained(1.5).Probability()
	assert.Equal(t, 1.0, p)
	p, _ = Trained(-1).Probability()
	assert.Equal(t, 0.0, p)
}

func TestWeightsFeaturesSorted(t *testing.T) {
	w := Weights{Coefficients: map[string]float64{"b": 1, "a": 2}}
	assert.Equal(t, []string{"a", "b"}, w.Features())
}
