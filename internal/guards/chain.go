// Package guards implements the ordered pre-trade veto chain. Guards run
// only on directional decisions, first match wins, and every veto preserves
// the decision's prior details while adding the observed values and
// thresholds that fired. Evaluation is a pure read of chain state, so the
// chain is idempotent: re-running it on its own output changes nothing.
// Executions are folded into chain state separately via RecordExecution.
package guards

import (
	"math"

	"github.com/quantfold/quantfold/internal/domain"
)

// Guard reason codes in evaluation order.
const (
	ReasonSpread      = "spread_guard"
	ReasonFunding     = "funding_guard"
	ReasonMinSignFlip = "min_sign_flip"
	ReasonDeltaPiMin  = "delta_pi_min"
	ReasonImpactSoft  = "impact_guard"
	ReasonImpactHard  = "impact_critical"
	ReasonNetEdge     = "net_edge_insufficient"
	ReasonTotalCost   = "total_cost_cap"
	ReasonThrottle    = "throttle_guard"
	ReasonADVOrderCap = "adv_order_cap"
	ReasonADVHourCap  = "adv_hour_cap"
	ReasonCalBand     = "calibration_band_gate"
)

// guardNames lists every guard for the pass/fail reason-code map.
var guardNames = []string{
	ReasonSpread, ReasonFunding, ReasonMinSignFlip, ReasonDeltaPiMin,
	ReasonImpactSoft, ReasonImpactHard, ReasonNetEdge, ReasonTotalCost,
	ReasonThrottle, ReasonADVOrderCap, ReasonADVHourCap, ReasonCalBand,
}

// Config collects every guard threshold.
type Config struct {
	// microstructure
	MicroEnabled bool
	MaxSpreadBps float64

	// risk_controls
	FundingGuardBias float64
	MinSignFlipGapS  int
	DeltaPiMinBps    float64
	MaxOrdersPerSec  int
	ADVOrderCap      float64 // fraction of ADV20 per order
	ADVHourCap       float64 // fraction of ADV20 per rolling hour
	MaxImpactBps     float64 // soft cap

	// risk
	ImpactK             float64
	BaseNotional        float64
	MaxImpactBpsHard    float64
	EnableNetEdgeGating bool
	MinNetEdgeBps       float64
	MaxTotalCostBps     float64 // fee + slippage + impact ceiling, 0 disables
	CostBps             float64
	SlippageBps         float64

	// calibration
	BandBps float64
}

// Context is the market and position state a single evaluation reads.
type Context struct {
	TsMS        int64
	Book        domain.BookTicker
	FundingRate float64
	LastPrice   float64
	CurrentPos  float64 // signed fraction
	TargetPos   float64 // signed fraction the decision implies
	PredCalBps  float64
	ADV20USD    float64
}

// Chain owns the guard thresholds plus the execution history the throttle,
// flip-gap, and ADV-hour guards read. Owned by the driver.
type Chain struct {
	cfg Config

	lastFlipSign int
	lastFlipTsMS int64
	haveFlip     bool

	orderTimes []int64 // executed order timestamps, pruned to 1s
	hourExecs  []execRecord
}

type execRecord struct {
	tsMS     int64
	notional float64
}

// NewChain creates a guard chain.
func NewChain(cfg Config) *Chain {
	return &Chain{cfg: cfg}
}

// RecordExecution folds one executed order into chain state: throttle and
// ADV-hour windows always, the flip clock only when the position sign
// actually changed.
func (c *Chain) RecordExecution(tsMS int64, notional float64, flippedToSign int) {
	c.orderTimes = append(c.orderTimes, tsMS)
	c.hourExecs = append(c.hourExecs, execRecord{tsMS: tsMS, notional: math.Abs(notional)})
	if flippedToSign != 0 {
		c.lastFlipSign = flippedToSign
		c.lastFlipTsMS = tsMS
		c.haveFlip = true
	}
	c.prune(tsMS)
}

func (c *Chain) prune(nowMS int64) {
	cutOrders := nowMS - 1000
	i := 0
	for i < len(c.orderTimes) && c.orderTimes[i] <= cutOrders {
		i++
	}
	c.orderTimes = c.orderTimes[i:]

	cutHour := nowMS - 3_600_000
	j := 0
	for j < len(c.hourExecs) && c.hourExecs[j].tsMS <= cutHour {
		j++
	}
	c.hourExecs = c.hourExecs[j:]
}

// estNotional is the prospective trade notional in quote USD.
func (c *Chain) estNotional(ctx Context) float64 {
	return math.Abs(ctx.TargetPos-ctx.CurrentPos) * c.cfg.BaseNotional
}

// impactBpsEst estimates quadratic impact in bps for the prospective trade:
// impact_k * qty^2 * price / notional * 1e4 with qty = notional/price.
func (c *Chain) impactBpsEst(ctx Context) float64 {
	notional := c.estNotional(ctx)
	if notional <= 0 || ctx.LastPrice <= 0 {
		return 0
	}
	qty := notional / ctx.LastPrice
	return c.cfg.ImpactK * qty * qty * ctx.LastPrice / notional * 10000.0
}

// Evaluate runs the chain over a decision. Neutral decisions pass through
// untouched. The returned decision carries the firing guard's reason code as
// its mode plus diagnostic fields under Details.Guard.
func (c *Chain) Evaluate(dec domain.Decision, ctx Context) domain.Decision {
	if dec.Direction == 0 {
		return dec
	}

	// 1. spread
	if c.cfg.MicroEnabled {
		if spread := ctx.Book.SpreadBps(); spread > c.cfg.MaxSpreadBps {
			return c.veto(dec, ReasonSpread, ctx, map[string]float64{
				"spread_bps":     spread,
				"max_spread_bps": c.cfg.MaxSpreadBps,
			})
		}
	}

	// 2. funding: paying into the crowd's side
	if c.cfg.FundingGuardBias > 0 &&
		math.Abs(ctx.FundingRate) > c.cfg.FundingGuardBias &&
		sign(ctx.FundingRate) == dec.Direction {
		return c.veto(dec, ReasonFunding, ctx, map[string]float64{
			"funding_rate":       ctx.FundingRate,
			"funding_guard_bias": c.cfg.FundingGuardBias,
		})
	}

	// 3. minimum sign-flip gap
	if c.haveFlip && c.cfg.MinSignFlipGapS > 0 &&
		dec.Direction != c.lastFlipSign &&
		ctx.TsMS-c.lastFlipTsMS < int64(c.cfg.MinSignFlipGapS)*1000 {
		return c.veto(dec, ReasonMinSignFlip, ctx, map[string]float64{
			"since_flip_s": float64(ctx.TsMS-c.lastFlipTsMS) / 1000.0,
			"min_gap_s":    float64(c.cfg.MinSignFlipGapS),
		})
	}

	// 4. delta-pi minimum
	deltaPi := math.Abs(ctx.TargetPos - ctx.CurrentPos)
	if minDelta := c.cfg.DeltaPiMinBps / 10000.0; deltaPi < minDelta {
		return c.veto(dec, ReasonDeltaPiMin, ctx, map[string]float64{
			"delta_pi":     deltaPi,
			"delta_pi_min": minDelta,
		})
	}

	impactBps := c.impactBpsEst(ctx)

	// 5. impact soft cap
	if c.cfg.MaxImpactBps > 0 && impactBps > c.cfg.MaxImpactBps {
		return c.veto(dec, ReasonImpactSoft, ctx, map[string]float64{
			"impact_bps_est": impactBps,
			"max_impact_bps": c.cfg.MaxImpactBps,
		})
	}

	// 6. impact hard veto
	if c.cfg.MaxImpactBpsHard > 0 && impactBps > c.cfg.MaxImpactBpsHard {
		return c.veto(dec, ReasonImpactHard, ctx, map[string]float64{
			"impact_bps_est":      impactBps,
			"max_impact_bps_hard": c.cfg.MaxImpactBpsHard,
		})
	}

	// 7. net-edge gating
	if c.cfg.EnableNetEdgeGating {
		signalBps := dec.Alpha * 10000.0
		netEdge := signalBps - (c.cfg.CostBps + c.cfg.SlippageBps + impactBps)
		if netEdge < c.cfg.MinNetEdgeBps {
			return c.veto(dec, ReasonNetEdge, ctx, map[string]float64{
				"signal_bps":       signalBps,
				"net_edge_bps":     netEdge,
				"min_net_edge_bps": c.cfg.MinNetEdgeBps,
			})
		}
	}

	// total cost cap, regardless of the net-edge toggle
	if c.cfg.MaxTotalCostBps > 0 {
		totalCost := c.cfg.CostBps + c.cfg.SlippageBps + impactBps
		if totalCost > c.cfg.MaxTotalCostBps {
			return c.veto(dec, ReasonTotalCost, ctx, map[string]float64{
				"total_cost_bps":     totalCost,
				"max_total_cost_bps": c.cfg.MaxTotalCostBps,
			})
		}
	}

	// 8. throttle on executed orders in the last second
	if c.cfg.MaxOrdersPerSec > 0 {
		if n := c.ordersInLastSecond(ctx.TsMS); n >= c.cfg.MaxOrdersPerSec {
			return c.veto(dec, ReasonThrottle, ctx, map[string]float64{
				"orders_last_1s":     float64(n),
				"max_orders_per_sec": float64(c.cfg.MaxOrdersPerSec),
			})
		}
	}

	estNotional := c.estNotional(ctx)

	// 9. ADV per-order cap
	if c.cfg.ADVOrderCap > 0 && ctx.ADV20USD > 0 {
		if capUSD := c.cfg.ADVOrderCap * ctx.ADV20USD; estNotional > capUSD {
			return c.veto(dec, ReasonADVOrderCap, ctx, map[string]float64{
				"est_notional":      estNotional,
				"adv_order_cap_usd": capUSD,
			})
		}
	}

	// 10. ADV per-hour cap
	if c.cfg.ADVHourCap > 0 && ctx.ADV20USD > 0 {
		hourSum := c.hourNotional(ctx.TsMS)
		if capUSD := c.cfg.ADVHourCap * ctx.ADV20USD; hourSum+estNotional > capUSD {
			return c.veto(dec, ReasonADVHourCap, ctx, map[string]float64{
				"est_notional":     estNotional,
				"hour_notional":    hourSum,
				"adv_hour_cap_usd": capUSD,
			})
		}
	}

	// 11. calibration band: |x| <= band is in-band, including the boundary
	if c.cfg.BandBps > 0 && math.Abs(ctx.PredCalBps) <= c.cfg.BandBps {
		return c.veto(dec, ReasonCalBand, ctx, map[string]float64{
			"pred_cal_bps": ctx.PredCalBps,
			"band_bps":     c.cfg.BandBps,
		})
	}

	return dec
}

func (c *Chain) ordersInLastSecond(nowMS int64) int {
	n := 0
	for _, ts := range c.orderTimes {
		if nowMS-ts < 1000 {
			n++
		}
	}
	return n
}

func (c *Chain) hourNotional(nowMS int64) float64 {
	sum := 0.0
	for _, e := range c.hourExecs {
		if nowMS-e.tsMS < 3_600_000 {
			sum += e.notional
		}
	}
	return sum
}

// veto neutralizes the decision under the guard's reason code, merging the
// diagnostics into the preserved details.
func (c *Chain) veto(dec domain.Decision, reason string, ctx Context, fields map[string]float64) domain.Decision {
	out := dec.Neutral(reason)
	if out.Details.Guard == nil {
		out.Details.Guard = make(map[string]float64, len(fields)+1)
	}
	for k, v := range fields {
		out.Details.Guard[k] = v
	}
	out.Details.Guard["est_notional"] = c.estNotional(ctx)
	return out
}

// BuildIntent converts a guarded decision plus executor sizing into the
// order-intent record. HOLD intents always carry zero quantity.
func BuildIntent(original, guarded domain.Decision, qty, price float64) domain.OrderIntent {
	intent := domain.OrderIntent{
		ReasonCodes:  make(map[string]bool, len(guardNames)),
		GuardDetails: guarded.Details.Guard,
	}
	vetoed := original.Direction != 0 && guarded.Direction == 0
	for _, name := range guardNames {
		intent.ReasonCodes[name] = !(vetoed && guarded.Details.Mode == name)
	}
	if vetoed {
		intent.VetoReasonPrimary = guarded.Details.Mode
		if original.Details.Mode != "" && original.Details.Mode != guarded.Details.Mode {
			intent.VetoReasonSecondary = original.Details.Mode
		}
	}

	switch {
	case guarded.Direction > 0 && qty > 0:
		intent.Side = domain.OrderBuy
	case guarded.Direction < 0 && qty > 0:
		intent.Side = domain.OrderSell
	default:
		intent.Side = domain.OrderHold
	}
	if intent.Side == domain.OrderHold {
		return intent
	}
	intent.IntentQty = qty
	intent.IntentNotional = qty * price
	return intent
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
