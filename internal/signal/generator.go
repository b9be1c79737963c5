// Package signal maps calibrated predictions to per-timeframe directional
// signals under confidence and alpha thresholds.
package signal

import (
	"math"

	"github.com/quantfold/quantfold/internal/domain"
)

// Thresholds gate a raw prediction into a signal. Zero values mean "no gate".
type Thresholds struct {
	MinConfidence float64 `yaml:"min_confidence"`
	MinAlpha      float64 `yaml:"min_alpha"`
	NeutralBand   float64 `yaml:"neutral_band"`
}

// Generator holds the default thresholds plus per-timeframe overrides.
type Generator struct {
	defaults  Thresholds
	overrides map[domain.Timeframe]Thresholds
}

// NewGenerator builds a generator; overrides may be nil.
func NewGenerator(defaults Thresholds, overrides map[domain.Timeframe]Thresholds) *Generator {
	return &Generator{defaults: defaults, overrides: overrides}
}

// thresholdsFor returns the effective thresholds for a timeframe.
func (g *Generator) thresholdsFor(tf domain.Timeframe) Thresholds {
	if t, ok := g.overrides[tf]; ok {
		return t
	}
	return g.defaults
}

// Generate maps one prediction to a signal for the given timeframe and bar.
func (g *Generator) Generate(p domain.Prediction, tf domain.Timeframe, barID int64) domain.Signal {
	th := g.thresholdsFor(tf)
	conf := p.Confidence()

	sig := domain.Signal{Timeframe: tf, BarID: barID, Confidence: conf}
	if math.Abs(p.SModel) < th.NeutralBand {
		return sig
	}

	if p.SModel > 0 {
		sig.Direction = 1
	} else {
		sig.Direction = -1
	}
	sig.Alpha = math.Min(1, math.Abs(p.SModel))

	if conf < th.MinConfidence || sig.Alpha < th.MinAlpha {
		sig.Direction = 0
		sig.Alpha = 0
	}
	return sig
}
