// Package features turns OHLCV, funding, and cohort flow into the
// warmup-gated feature vector consumed by the model runtime. All outputs are
// finite: NaN or Inf degrades to 0.0 and increments a counter rather than
// poisoning the model.
package features

import (
	"math"

	"github.com/quantfold/quantfold/internal/cohort"
	"github.com/quantfold/quantfold/internal/domain"
)

// WarmupBars is the minimum bar count before Warmed reports true.
const WarmupBars = 50

// window is a bounded rolling series.
type window struct {
	buf []float64
	cap int
}

func newWindow(capacity int) *window {
	return &window{buf: make([]float64, 0, capacity), cap: capacity}
}

func (w *window) push(v float64) {
	if len(w.buf) == w.cap {
		copy(w.buf, w.buf[1:])
		w.buf = w.buf[:w.cap-1]
	}
	w.buf = append(w.buf, v)
}

func (w *window) len() int { return len(w.buf) }

func (w *window) last(n int) []float64 {
	if n > len(w.buf) {
		n = len(w.buf)
	}
	return w.buf[len(w.buf)-n:]
}

func (w *window) at(fromEnd int) float64 {
	return w.buf[len(w.buf)-1-fromEnd]
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

// stdSample is the ddof=1 standard deviation, 0 below two points.
func stdSample(xs []float64) float64 {
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

// Computer maintains the rolling state for one timeframe instance.
// Owned by the driver; not safe for concurrent use.
type Computer struct {
	closes   *window
	highs    *window
	lows     *window
	volumes  *window
	fundings *window
	devs     *window // close - EMA20, dollar scale

	ema20    float64
	emaInit  bool
	barCount int

	lastGK   float64
	lastBar  domain.Bar
	haveBar  bool
	lastCorr float64 // retained when the rolling correlation is undefined

	// DegradedFields counts NaN/Inf outputs replaced by 0.0.
	DegradedFields int64
}

// NewComputer allocates rolling windows of the given capacity (≥ WarmupBars).
func NewComputer(capacity int) *Computer {
	if capacity < WarmupBars {
		capacity = WarmupBars
	}
	return &Computer{
		closes:   newWindow(capacity),
		highs:    newWindow(capacity),
		lows:     newWindow(capacity),
		volumes:  newWindow(capacity),
		fundings: newWindow(capacity),
		devs:     newWindow(capacity),
	}
}

// Push ingests one completed bar.
func (c *Computer) Push(bar domain.Bar) {
	c.closes.push(bar.Close)
	c.highs.push(bar.High)
	c.lows.push(bar.Low)
	c.volumes.push(bar.Volume)
	c.fundings.push(bar.Funding)

	const emaN = 20
	alpha := 2.0 / (emaN + 1.0)
	if !c.emaInit {
		c.ema20 = bar.Close
		c.emaInit = true
	} else {
		c.ema20 = alpha*bar.Close + (1-alpha)*c.ema20
	}
	c.devs.push(bar.Close - c.ema20)

	c.lastGK = garmanKlass(bar)
	c.lastBar = bar
	c.haveBar = true
	c.barCount++
}

// Warmed reports whether at least WarmupBars bars have been ingested.
// Downstream sizing must be zero until this is true.
func (c *Computer) Warmed() bool { return c.barCount >= WarmupBars }

// BarCount returns the number of bars ingested.
func (c *Computer) BarCount() int { return c.barCount }

// garmanKlass is the per-bar Garman-Klass variance estimate.
func garmanKlass(b domain.Bar) float64 {
	if b.Low <= 0 || b.Open <= 0 {
		return 0
	}
	hl := math.Log(b.High / b.Low)
	co := math.Log(b.Close / b.Open)
	v := 0.5*hl*hl - (2*math.Ln2-1)*co*co
	if v < 0 {
		v = 0
	}
	return math.Sqrt(v)
}

// ret returns the simple return over the last n bars, 0 when unavailable.
func (c *Computer) ret(n int) float64 {
	if c.closes.len() <= n {
		return 0
	}
	prev := c.closes.at(n)
	if prev == 0 {
		return 0
	}
	return c.closes.at(0)/prev - 1
}

// realizedVol is the ddof=1 std of the last k log returns.
func (c *Computer) realizedVol(k int) float64 {
	if c.closes.len() < k+1 {
		return 0
	}
	rets := make([]float64, 0, k)
	xs := c.closes.last(k + 1)
	for i := 1; i < len(xs); i++ {
		if xs[i-1] <= 0 || xs[i] <= 0 {
			continue
		}
		rets = append(rets, math.Log(xs[i]/xs[i-1]))
	}
	return stdSample(rets)
}

// corr computes the Pearson correlation of two equal-length series.
// Returns (0, false) when undefined.
func corr(a, b []float64) (float64, bool) {
	if len(a) != len(b) || len(a) < 2 {
		return 0, false
	}
	ma, mb := mean(a), mean(b)
	var saa, sbb, sab float64
	for i := range a {
		da, db := a[i]-ma, b[i]-mb
		saa += da * da
		sbb += db * db
		sab += da * db
	}
	denom := math.Sqrt(saa * sbb)
	if denom == 0 {
		return 0, false
	}
	return sab / denom, true
}

// Compute produces the named feature map for the current state.
func (c *Computer) Compute(snap cohort.Snapshot) map[string]float64 {
	out := map[string]float64{}

	r1 := c.ret(1)
	r3 := c.ret(3)
	out["mom_1"] = r1
	out["mom_3"] = r3

	// Mean-reversion z-score of close - EMA20 against the rolling std of the
	// same dollar-scale deviation. The denominator must stay in dollars: a
	// return-scale std here silently blows the feature out of range.
	devStd := stdSample(c.devs.last(WarmupBars))
	if devStd > 0 {
		out["mr_z"] = c.devs.at(0) / devStd
	} else {
		out["mr_z"] = 0
	}

	out["rv"] = c.realizedVol(20)
	out["gk_vol"] = c.lastGK

	// jump magnitude: excess of |r1| over recent realized vol
	rv := out["rv"]
	jump := math.Abs(r1) - rv
	if jump < 0 {
		jump = 0
	}
	out["jump"] = jump

	volMean := mean(c.volumes.last(20))
	if volMean > 0 {
		out["vol_intensity"] = c.volumes.at(0) / volMean
	} else {
		out["vol_intensity"] = 0
	}

	// price efficiency: |r1| scaled by the bar range
	if c.haveBar && c.lastBar.Close > 0 {
		rng := (c.lastBar.High - c.lastBar.Low) / c.lastBar.Close
		if rng > 0 {
			out["price_eff"] = math.Abs(r1) / rng
		} else {
			out["price_eff"] = 0
		}
	}

	// return/volume correlation, retaining the last finite value when the
	// window is degenerate
	if c.closes.len() >= 21 {
		xs := c.closes.last(21)
		rets := make([]float64, 20)
		for i := 1; i < 21; i++ {
			if xs[i-1] != 0 {
				rets[i-1] = xs[i]/xs[i-1] - 1
			}
		}
		if rho, ok := corr(rets, c.volumes.last(20)); ok {
			c.lastCorr = rho
		}
	}
	out["ret_vol_corr"] = c.lastCorr

	out["vwap_mom"] = r3 // VWAP-momentum proxy

	out["funding"] = c.fundings.at0()
	out["funding_mom"] = c.fundingMomentum()

	out["cohort_diff"] = snap.Pros - snap.Amateurs
	out["cohort_mood"] = snap.Mood

	if c.Warmed() {
		out["is_warmed"] = 1
	} else {
		out["is_warmed"] = 0
	}

	for k, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out[k] = 0
			c.DegradedFields++
		}
	}
	return out
}

func (w *window) at0() float64 {
	if len(w.buf) == 0 {
		return 0
	}
	return w.buf[len(w.buf)-1]
}

func (c *Computer) fundingMomentum() float64 {
	if c.fundings.len() < 2 {
		return 0
	}
	return c.fundings.at(0) - c.fundings.at(1)
}

// Vector orders the named features by the model schema. Missing columns
// yield 0.0.
func Vector(values map[string]float64, schema []string) []float64 {
	out := make([]float64, len(schema))
	for i, name := range schema {
		out[i] = values[name]
	}
	return out
}
