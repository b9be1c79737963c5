package ensemble

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEqualWeightsBeforeWarmup(t *testing.T) {
	b := New(Config{ICWindow: 50, Kappa: 4})
	assert.Equal(t, Weights{Base: 0.5, Prob: 0.5}, b.Weights())
	assert.InDelta(t, 0.5*0.4+0.5*0.2, b.Blend(0.4, 0.2), 1e-9)
}

func TestPredictiveStreamGainsWeight(t *testing.T) {
	b := New(Config{ICWindow: 100, Kappa: 4})
	rng := rand.New(rand.NewSource(7))

	// base perfectly predicts next-bar return, prob is pure noise
	prevBase := 0.0
	for i := 0; i < 120; i++ {
		realized := prevBase // return equals last bar's base score
		base := rng.Float64()*2 - 1
		prob := rng.Float64()*2 - 1
		b.Observe(base, prob, realized)
		prevBase = base
	}
	w := b.Weights()
	assert.Greater(t, w.Base, w.Prob)
	assert.InDelta(t, 1.0, w.Base+w.Prob, 1e-9)
}

func TestQuieterStreamOutweighsNoisyTwin(t *testing.T) {
	b := New(Config{ICWindow: 100, Kappa: 4})
	rng := rand.New(rand.NewSource(3))

	// prob is base scaled 3x: identical correlation with returns but
	// triple the vol, so IC/vol must favor base
	prevBase := 0.0
	for i := 0; i < 120; i++ {
		realized := prevBase
		base := rng.Float64()*2 - 1
		b.Observe(base, 3*base, realized)
		prevBase = base
	}
	w := b.Weights()
	assert.Greater(t, w.Base, w.Prob)
	assert.InDelta(t, 1.0, w.Base+w.Prob, 1e-9)
}

func TestFreezeHoldsWeights(t *testing.T) {
	b := New(Config{ICWindow: 50, Kappa: 4, Freeze: true})
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 80; i++ {
		b.Observe(rng.Float64(), rng.Float64(), rng.Float64())
	}
	assert.Equal(t, Weights{Base: 0.5, Prob: 0.5}, b.Weights())
}

func TestBlendUsesCurrentWeights(t *testing.T) {
	b := New(Config{ICWindow: 50, Kappa: 4})
	b.weights = Weights{Base: 0.8, Prob: 0.2}
	assert.InDelta(t, 0.8*1.0+0.2*(-1.0), b.Blend(1, -1), 1e-9)
}
