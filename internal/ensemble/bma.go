// Package ensemble blends the meta-classifier score with the probability
// spread through online Bayesian model averaging: weights follow rolling
// information coefficients and volatilities under a softmax with
// temperature kappa.
package ensemble

import (
	"math"
)

// Config tunes the blender.
type Config struct {
	ICWindow int     // rolling window W, default 200
	Kappa    float64 // softmax temperature
	Freeze   bool    // stop recomputing IC/vol, keep current weights
}

// Weights is the current blend.
type Weights struct {
	Base float64 `json:"w_base"`
	Prob float64 `json:"w_prob"`
}

// series is a bounded rolling buffer.
type series struct {
	buf []float64
	cap int
}

func (s *series) push(v float64) {
	if len(s.buf) == s.cap {
		copy(s.buf, s.buf[1:])
		s.buf = s.buf[:s.cap-1]
	}
	s.buf = append(s.buf, v)
}

// Blender maintains the two aligned prediction streams plus realized
// returns. Owned by the driver.
type Blender struct {
	cfg Config

	base    series // meta-classifier score
	prob    series // p_up - p_down
	returns series // realized bar returns, aligned one bar behind

	// previous-bar predictions pending their realized return
	pendingBase, pendingProb float64
	hasPending               bool

	weights Weights
}

// New creates a blender with equal starting weights.
func New(cfg Config) *Blender {
	if cfg.ICWindow <= 0 {
		cfg.ICWindow = 200
	}
	if cfg.Kappa <= 0 {
		cfg.Kappa = 1
	}
	return &Blender{
		cfg:     cfg,
		base:    series{cap: cfg.ICWindow},
		prob:    series{cap: cfg.ICWindow},
		returns: series{cap: cfg.ICWindow},
		weights: Weights{Base: 0.5, Prob: 0.5},
	}
}

// Observe records this bar's two predictions and the realized return of the
// previous bar, then refreshes the weights unless frozen.
func (b *Blender) Observe(baseScore, probScore, realizedReturn float64) {
	if b.hasPending {
		b.base.push(b.pendingBase)
		b.prob.push(b.pendingProb)
		b.returns.push(realizedReturn)
	}
	b.pendingBase = baseScore
	b.pendingProb = probScore
	b.hasPending = true

	if !b.cfg.Freeze {
		b.recompute()
	}
}

// Blend returns w_base*base + w_prob*prob.
func (b *Blender) Blend(baseScore, probScore float64) float64 {
	return b.weights.Base*baseScore + b.weights.Prob*probScore
}

// Weights returns the current blend weights.
func (b *Blender) Weights() Weights { return b.weights }

// recompute refreshes weights from rolling IC over vol via softmax.
func (b *Blender) recompute() {
	if len(b.returns.buf) < 10 {
		return
	}
	icBase := pearson(b.base.buf, b.returns.buf)
	icProb := pearson(b.prob.buf, b.returns.buf)
	volBase := std(b.base.buf)
	volProb := std(b.prob.buf)

	sBase := riskAdjusted(icBase, volBase)
	sProb := riskAdjusted(icProb, volProb)

	// softmax with temperature kappa
	eBase := math.Exp(b.cfg.Kappa * sBase)
	eProb := math.Exp(b.cfg.Kappa * sProb)
	total := eBase + eProb
	if total == 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return
	}
	b.weights = Weights{Base: eBase / total, Prob: eProb / total}
}

// riskAdjusted divides IC by the stream's own volatility so a noisier
// stream needs proportionally more correlation to earn weight.
func riskAdjusted(ic, vol float64) float64 {
	if vol <= 0 {
		return 0
	}
	return ic / vol
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func std(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	s := 0.0
	for _, x := range xs {
		d := x - m
		s += d * d
	}
	return math.Sqrt(s / float64(len(xs)-1))
}

// pearson returns 0 when either series is degenerate.
func pearson(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}
	a, b = a[len(a)-n:], b[len(b)-n:]
	ma, mb := mean(a), mean(b)
	var saa, sbb, sab float64
	for i := 0; i < n; i++ {
		da, db := a[i]-ma, b[i]-mb
		saa += da * da
		sbb += db * db
		sab += da * db
	}
	denom := math.Sqrt(saa * sbb)
	if denom == 0 {
		return 0
	}
	return sab / denom
}
