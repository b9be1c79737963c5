package guards

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/quantfold/internal/domain"
)

func openConfig() Config {
	// thresholds wide open so individual tests tighten one guard at a time
	return Config{
		MicroEnabled:        true,
		MaxSpreadBps:        1000,
		FundingGuardBias:    0,
		MinSignFlipGapS:     0,
		DeltaPiMinBps:       0,
		MaxOrdersPerSec:     0,
		ADVOrderCap:         0,
		ADVHourCap:          0,
		MaxImpactBps:        0,
		ImpactK:             0,
		BaseNotional:        10000,
		MaxImpactBpsHard:    0,
		EnableNetEdgeGating: false,
		BandBps:             0,
	}
}

func longDecision(alpha float64) domain.Decision {
	return domain.Decision{Direction: 1, Alpha: alpha, Details: domain.DecisionDetails{Mode: "agreement"}}
}

func baseContext() Context {
	return Context{
		TsMS:       1_000_000,
		Book:       domain.BookTicker{BidPrice: 49999, BidQty: 2, AskPrice: 50001, AskQty: 2},
		LastPrice:  50000,
		CurrentPos: 0,
		TargetPos:  0.8,
		PredCalBps: 25,
		ADV20USD:   5e8,
	}
}

func TestNeutralDecisionPassesThrough(t *testing.T) {
	c := NewChain(openConfig())
	dec := domain.Decision{Details: domain.DecisionDetails{Mode: "conflict_skip"}}
	out := c.Evaluate(dec, baseContext())
	assert.Equal(t, dec, out)
}

func TestSpreadGuard(t *testing.T) {
	cfg := openConfig()
	cfg.MaxSpreadBps = 0.2
	c := NewChain(cfg)
	out := c.Evaluate(longDecision(0.5), baseContext())
	assert.Equal(t, 0, out.Direction)
	assert.Equal(t, ReasonSpread, out.Details.Mode)
	assert.Greater(t, out.Details.Guard["spread_bps"], 0.2)
}

func TestFundingGuardFiresOnlyWhenAligned(t *testing.T) {
	cfg := openConfig()
	cfg.FundingGuardBias = 0.0005
	c := NewChain(cfg)

	ctx := baseContext()
	ctx.FundingRate = 0.001 // longs pay, decision is long
	out := c.Evaluate(longDecision(0.5), ctx)
	assert.Equal(t, ReasonFunding, out.Details.Mode)

	ctx.FundingRate = -0.001 // shorts pay: long decision passes
	out = c.Evaluate(longDecision(0.5), ctx)
	assert.Equal(t, 1, out.Direction)
}

func TestMinSignFlipGap(t *testing.T) {
	cfg := openConfig()
	cfg.MinSignFlipGapS = 300
	c := NewChain(cfg)
	c.RecordExecution(1_000_000, 5000, 1) // flipped long at t=1000s

	ctx := baseContext()
	ctx.TsMS = 1_060_000 // 60s later
	short := domain.Decision{Direction: -1, Alpha: 0.5}
	out := c.Evaluate(short, ctx)
	assert.Equal(t, ReasonMinSignFlip, out.Details.Mode)

	ctx.TsMS = 1_000_000 + 301_000 // past the gap
	out = c.Evaluate(short, ctx)
	assert.Equal(t, -1, out.Direction)
}

func TestDeltaPiMin(t *testing.T) {
	cfg := openConfig()
	cfg.DeltaPiMinBps = 500 // 0.05 fraction
	c := NewChain(cfg)

	ctx := baseContext()
	ctx.CurrentPos = 0.79
	ctx.TargetPos = 0.80
	out := c.Evaluate(longDecision(0.5), ctx)
	assert.Equal(t, ReasonDeltaPiMin, out.Details.Mode)
}

func TestImpactHardVeto(t *testing.T) {
	cfg := openConfig()
	cfg.ImpactK = 0.2
	cfg.MaxImpactBpsHard = 200
	c := NewChain(cfg)

	// delta-pi 0.8 on 10k base at 50k: qty 0.16, est 0.2*0.16*1e4 = 320 bps
	out := c.Evaluate(longDecision(0.8), baseContext())
	require.Equal(t, ReasonImpactHard, out.Details.Mode)
	assert.Greater(t, out.Details.Guard["impact_bps_est"], 200.0)
	assert.Zero(t, out.Alpha)
}

func TestImpactSoftCapFiresBeforeHard(t *testing.T) {
	cfg := openConfig()
	cfg.ImpactK = 0.2
	cfg.MaxImpactBps = 50
	cfg.MaxImpactBpsHard = 200
	c := NewChain(cfg)
	out := c.Evaluate(longDecision(0.8), baseContext())
	assert.Equal(t, ReasonImpactSoft, out.Details.Mode)
}

func TestNetEdgeGating(t *testing.T) {
	cfg := openConfig()
	cfg.EnableNetEdgeGating = true
	cfg.CostBps = 5
	cfg.SlippageBps = 2
	cfg.MinNetEdgeBps = 10
	// fixed 2 bps impact estimate: k*qty*1e4 = 2 with qty = 0.8*1e4/5e4 = 0.16
	cfg.ImpactK = 2.0 / (0.16 * 10000)
	c := NewChain(cfg)

	out := c.Evaluate(longDecision(0.001), baseContext()) // 10 bps signal
	require.Equal(t, ReasonNetEdge, out.Details.Mode)
	assert.InDelta(t, 1.0, out.Details.Guard["net_edge_bps"], 1e-9) // 10 - 9
}

func TestTotalCostCap(t *testing.T) {
	cfg := openConfig()
	cfg.MaxTotalCostBps = 10
	cfg.CostBps = 5
	cfg.SlippageBps = 2
	// fixed 4 bps impact estimate: k*qty*1e4 = 4 with qty = 0.8*1e4/5e4 = 0.16
	cfg.ImpactK = 4.0 / (0.16 * 10000)
	c := NewChain(cfg)

	out := c.Evaluate(longDecision(0.5), baseContext())
	require.Equal(t, ReasonTotalCost, out.Details.Mode)
	assert.InDelta(t, 11.0, out.Details.Guard["total_cost_bps"], 1e-9)

	cfg.MaxTotalCostBps = 0 // zero disables the cap
	out = NewChain(cfg).Evaluate(longDecision(0.5), baseContext())
	assert.Equal(t, 1, out.Direction)
}

func TestThrottle(t *testing.T) {
	cfg := openConfig()
	cfg.MaxOrdersPerSec = 2
	c := NewChain(cfg)
	c.RecordExecution(999_500, 100, 0)
	c.RecordExecution(999_800, 100, 0)

	out := c.Evaluate(longDecision(0.5), baseContext()) // ts 1_000_000
	assert.Equal(t, ReasonThrottle, out.Details.Mode)

	ctx := baseContext()
	ctx.TsMS = 1_001_000 // the window has rolled off
	out = c.Evaluate(longDecision(0.5), ctx)
	assert.Equal(t, 1, out.Direction)
}

func TestADVOrderCap(t *testing.T) {
	cfg := openConfig()
	cfg.ADVOrderCap = 0.001
	c := NewChain(cfg)

	ctx := baseContext()
	ctx.ADV20USD = 1e6 // cap 1000 USD, est notional 8000
	out := c.Evaluate(longDecision(0.8), ctx)
	assert.Equal(t, ReasonADVOrderCap, out.Details.Mode)
	assert.InDelta(t, 8000.0, out.Details.Guard["est_notional"], 1e-9)
}

func TestADVHourCap(t *testing.T) {
	cfg := openConfig()
	cfg.ADVHourCap = 0.001
	c := NewChain(cfg)
	c.RecordExecution(500_000, 45_000, 0) // within the rolling hour

	ctx := baseContext()
	ctx.ADV20USD = 5e7 // hour cap 50k; 45k + 8k breaches
	out := c.Evaluate(longDecision(0.8), ctx)
	assert.Equal(t, ReasonADVHourCap, out.Details.Mode)
}

func TestCalibrationBandBoundaryIsInBand(t *testing.T) {
	cfg := openConfig()
	cfg.BandBps = 5
	c := NewChain(cfg)

	ctx := baseContext()
	ctx.PredCalBps = 5.0 // exactly at the boundary: in-band
	out := c.Evaluate(longDecision(0.5), ctx)
	assert.Equal(t, ReasonCalBand, out.Details.Mode)

	ctx.PredCalBps = 5.0001
	out = c.Evaluate(longDecision(0.5), ctx)
	assert.Equal(t, 1, out.Direction)
}

func TestChainIdempotent(t *testing.T) {
	cfg := openConfig()
	cfg.BandBps = 50 // fires on baseContext's 25 bps prediction
	c := NewChain(cfg)

	ctx := baseContext()
	once := c.Evaluate(longDecision(0.5), ctx)
	twice := c.Evaluate(once, ctx)
	assert.Equal(t, once, twice)

	// and for a decision that passes every guard
	open := NewChain(openConfig())
	pass := open.Evaluate(longDecision(0.5), ctx)
	assert.Equal(t, pass, open.Evaluate(pass, ctx))
}

func TestVetoPreservesPriorDetails(t *testing.T) {
	cfg := openConfig()
	cfg.MaxSpreadBps = 0.1
	c := NewChain(cfg)

	dec := longDecision(0.5)
	dec.Details.ChosenArm = "model_bma"
	out := c.Evaluate(dec, baseContext())
	assert.Equal(t, "model_bma", out.Details.ChosenArm)
	assert.Equal(t, ReasonSpread, out.Details.Mode)
}

func TestBuildIntent(t *testing.T) {
	orig := longDecision(0.5)
	guarded := orig.Neutral(ReasonCalBand)
	intent := BuildIntent(orig, guarded, 0, 50000)
	assert.Equal(t, domain.OrderHold, intent.Side)
	assert.Zero(t, intent.IntentQty)
	assert.Equal(t, ReasonCalBand, intent.VetoReasonPrimary)
	assert.False(t, intent.ReasonCodes[ReasonCalBand])
	assert.True(t, intent.ReasonCodes[ReasonSpread])

	passed := BuildIntent(orig, orig, 0.1, 50000)
	assert.Equal(t, domain.OrderBuy, passed.Side)
	assert.InDelta(t, 5000.0, passed.IntentNotional, 1e-9)
	assert.Empty(t, passed.VetoReasonPrimary)
}
