package features

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/quantfold/internal/cohort"
	"github.com/quantfold/quantfold/internal/domain"
)

func pushBars(c *Computer, n int, pxFn func(i int) float64) {
	for i := 0; i < n; i++ {
		px := pxFn(i)
		c.Push(domain.Bar{
			TsMS:    int64(i+1) * 300_000,
			Open:    px * 0.999,
			High:    px * 1.002,
			Low:     px * 0.998,
			Close:   px,
			Volume:  100 + float64(i%7),
			BarID:   int64(i),
			Funding: 0.0001,
		})
	}
}

func TestWarmupGate(t *testing.T) {
	c := NewComputer(64)
	pushBars(c, WarmupBars-1, func(i int) float64 { return 100 })
	assert.False(t, c.Warmed())
	pushBars(c, 1, func(i int) float64 { return 100 })
	assert.True(t, c.Warmed())
}

func TestAllOutputsFinite(t *testing.T) {
	c := NewComputer(64)
	// degenerate flat tape: every denominator that can vanish does
	pushBars(c, 60, func(i int) float64 { return 100 })
	vals := c.Compute(cohort.Snapshot{})
	for name, v := range vals {
		require.False(t, math.IsNaN(v) || math.IsInf(v, 0), "feature %s not finite", name)
	}
}

func TestMomentum(t *testing.T) {
	c := NewComputer(64)
	pushBars(c, 60, func(i int) float64 { return 100 * math.Pow(1.01, float64(i)) })
	vals := c.Compute(cohort.Snapshot{})
	assert.InDelta(t, 0.01, vals["mom_1"], 1e-9)
	assert.InDelta(t, math.Pow(1.01, 3)-1, vals["mom_3"], 1e-9)
}

func TestMeanReversionDollarScale(t *testing.T) {
	c := NewComputer(64)
	// oscillating tape keeps the dollar deviation std well-defined
	pushBars(c, 60, func(i int) float64 { return 50000 + 100*math.Sin(float64(i)/3) })
	vals := c.Compute(cohort.Snapshot{})
	// a dollar-scale denominator keeps z in a sane band; a return-scale one
	// would land in the thousands
	assert.Less(t, math.Abs(vals["mr_z"]), 10.0)
	assert.NotZero(t, vals["mr_z"])
}

func TestCohortDiff(t *testing.T) {
	c := NewComputer(64)
	pushBars(c, 60, func(i int) float64 { return 100 })
	vals := c.Compute(cohort.Snapshot{Pros: 0.4, Amateurs: 0.1, Mood: -0.2})
	assert.InDelta(t, 0.3, vals["cohort_diff"], 1e-9)
	assert.InDelta(t, -0.2, vals["cohort_mood"], 1e-9)
}

func TestVectorSchemaOrder(t *testing.T) {
	vals := map[string]float64{"a": 1, "b": 2}
	vec := Vector(vals, []string{"b", "missing", "a"})
	assert.Equal(t, []float64{2, 0, 1}, vec)
}

func TestCorrelationRetainsLastFinite(t *testing.T) {
	c := NewComputer(64)
	// varying tape first: correlation defined
	pushBars(c, 40, func(i int) float64 { return 100 + float64(i%5) })
	_ = c.Compute(cohort.Snapshot{})
	first := c.lastCorr
	// then a flat tape: correlation undefined, last value retained
	pushBars(c, 30, func(i int) float64 { return 100 })
	vals := c.Compute(cohort.Snapshot{})
	assert.Equal(t, first, vals["ret_vol_corr"])
}
