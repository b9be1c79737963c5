// Package exec simulates paper executions: slippage, fees, quadratic impact,
// exchange filters, passive-then-cross splitting, and per-trade PnL
// accounting. The executor is owned by the driver and never touches a live
// venue.
package exec

import (
	"math"

	"github.com/quantfold/quantfold/internal/domain"
)

// Execution modes.
const (
	ModeMarket           = "market"
	ModePassiveThenCross = "passive_then_cross"
)

// Trade legs.
const (
	LegMarket  = "market"
	LegPassive = "passive"
	LegCross   = "cross"
)

// Forced-exit reasons.
const (
	ExitReversal    = "forced_exit_reversal"
	ExitMaxDuration = "forced_exit_max_duration"
	ExitStopLoss    = "forced_exit_stop_loss"
	ExitTakeProfit  = "forced_exit_take_profit"
)

// Filters are the exchange precision constraints, loaded opportunistically.
type Filters struct {
	StepSize    float64 `json:"step_size"`
	MinQty      float64 `json:"min_qty"`
	MinNotional float64 `json:"min_notional"`
	TickSize    float64 `json:"tick_size"`
}

// Config drives one executor instance.
type Config struct {
	Mode                    string
	PassiveTimeoutS         int // passive leg resting budget; <=0 crosses everything
	BaseNotional            float64
	CostBps                 float64
	SlippageBps             float64
	ImpactK                 float64
	ADVCapPct               float64
	StartingEquity          float64
	EnableForcedExits       bool
	MaxPositionDurationBars int
	StopLossBps             float64
	TakeProfitBps           float64
}

// Trade is one simulated fill leg.
type Trade struct {
	TsMS     int64   `json:"ts_ms"`
	BarID    int64   `json:"bar_id"`
	Side     string  `json:"side"` // BUY or SELL
	Qty      float64 `json:"qty"`  // unsigned
	Price    float64 `json:"price"`
	Fee      float64 `json:"fee"`
	Impact   float64 `json:"impact"`
	Realized float64 `json:"realized"` // PnL realized by this leg
	Leg      string  `json:"leg"`
}

// Executor owns the paper book and cost accumulators.
type Executor struct {
	cfg     Config
	filters Filters

	pos       domain.Position
	cumFees   float64
	cumImpact float64

	// EmptyBookNoOps counts trades skipped on a degenerate book or price.
	EmptyBookNoOps int64
}

// New creates an executor with an empty book.
func New(cfg Config) *Executor {
	if cfg.Mode == "" {
		cfg.Mode = ModeMarket
	}
	return &Executor{cfg: cfg}
}

// SetFilters installs venue precision filters; zero values disable each.
func (e *Executor) SetFilters(f Filters) { e.filters = f }

// Position returns a copy of the current book.
func (e *Executor) Position() domain.Position { return e.pos }

// Equity marks the account to price: starting equity plus realized PnL minus
// cumulative fees and impact plus unrealized PnL.
func (e *Executor) Equity(markPx float64) float64 {
	return e.cfg.StartingEquity + e.pos.RealizedPnL - e.cumFees - e.cumImpact + e.Unrealized(markPx)
}

// Unrealized is the mark-to-market PnL of the open position.
func (e *Executor) Unrealized(markPx float64) float64 {
	if e.pos.Qty == 0 || markPx <= 0 {
		return 0
	}
	return e.pos.Qty * (markPx - e.pos.AvgPx)
}

// Execute rebalances the book toward targetFrac. It returns the simulated
// trade legs; an empty slice means no-op. A degenerate price or book is a
// counted no-op, never a panic.
func (e *Executor) Execute(tsMS, barID int64, targetFrac, price float64, book domain.BookTicker, adv20USD float64) []Trade {
	if price <= 0 {
		e.EmptyBookNoOps++
		return nil
	}

	targetQty := targetFrac * e.cfg.BaseNotional / price
	deltaQ := targetQty - e.pos.Qty

	// ADV notional cap applies before the step-size clamp
	if e.cfg.ADVCapPct > 0 && adv20USD > 0 {
		maxNotional := e.cfg.ADVCapPct / 100.0 * adv20USD
		if math.Abs(deltaQ)*price > maxNotional {
			deltaQ = math.Copysign(maxNotional/price, deltaQ)
		}
	}

	deltaQ = e.applyFilters(deltaQ, price)
	if deltaQ == 0 {
		return nil
	}

	var trades []Trade
	switch e.cfg.Mode {
	case ModePassiveThenCross:
		trades = e.passiveThenCross(tsMS, barID, deltaQ, price, book)
	default:
		trades = e.market(tsMS, barID, deltaQ, price)
	}
	return trades
}

// applyFilters floors |q| to the step size preserving sign, then widens
// trades below the venue minimums up to the minimum.
func (e *Executor) applyFilters(q, price float64) float64 {
	if q == 0 {
		return 0
	}
	abs := math.Abs(q)
	if e.filters.StepSize > 0 {
		abs = math.Floor(abs/e.filters.StepSize) * e.filters.StepSize
	}
	if abs == 0 {
		return 0
	}
	if e.filters.MinQty > 0 && abs < e.filters.MinQty {
		abs = e.filters.MinQty
	}
	if e.filters.MinNotional > 0 && abs*price < e.filters.MinNotional {
		abs = e.filters.MinNotional / price
		if e.filters.StepSize > 0 {
			abs = math.Ceil(abs/e.filters.StepSize) * e.filters.StepSize
		}
	}
	return math.Copysign(abs, q)
}

// market simulates a single marketable order with directional slippage.
func (e *Executor) market(tsMS, barID int64, deltaQ, price float64) []Trade {
	px := e.slip(price, deltaQ)
	return []Trade{e.fill(tsMS, barID, deltaQ, px, LegMarket, true)}
}

// passiveThenCross rests up to 25% of the displayed same-side top size as a
// passive fill at top-of-book, then crosses the remainder with slippage.
// Without a resting budget the whole delta crosses immediately.
func (e *Executor) passiveThenCross(tsMS, barID int64, deltaQ, price float64, book domain.BookTicker) []Trade {
	if e.cfg.PassiveTimeoutS <= 0 {
		return e.market(tsMS, barID, deltaQ, price)
	}
	var passivePx, topSize float64
	if deltaQ > 0 {
		passivePx, topSize = book.BidPrice, book.BidQty
	} else {
		passivePx, topSize = book.AskPrice, book.AskQty
	}
	if passivePx <= 0 || topSize <= 0 {
		// no displayed book to rest against: degrade to a pure market order
		e.EmptyBookNoOps++
		return e.market(tsMS, barID, deltaQ, price)
	}

	abs := math.Abs(deltaQ)
	passiveQty := math.Min(abs, 0.25*topSize)
	crossQty := abs - passiveQty
	sgn := math.Copysign(1, deltaQ)

	trades := make([]Trade, 0, 2)
	if passiveQty > 0 {
		// passive leg fills at its resting price with no slippage or impact
		trades = append(trades, e.fill(tsMS, barID, sgn*passiveQty, passivePx, LegPassive, false))
	}
	if crossQty > 0 {
		var crossPx float64
		if deltaQ > 0 {
			crossPx = e.slipFrom(book.AskPrice, deltaQ, price)
		} else {
			crossPx = e.slipFrom(book.BidPrice, deltaQ, price)
		}
		trades = append(trades, e.fill(tsMS, barID, sgn*crossQty, crossPx, LegCross, true))
	}
	return trades
}

// slip moves the reference price against the trade direction.
func (e *Executor) slip(price, deltaQ float64) float64 {
	adj := price * e.cfg.SlippageBps / 10000.0
	if deltaQ > 0 {
		return price + adj
	}
	return price - adj
}

// slipFrom slips from quoted top-of-book, falling back to the last price
// when the quote is empty.
func (e *Executor) slipFrom(quoted, deltaQ, fallback float64) float64 {
	ref := quoted
	if ref <= 0 {
		ref = fallback
	}
	return e.slip(ref, deltaQ)
}

// fill applies one signed fill to the book. Same-side adds reprice the
// weighted average, reduces realize PnL for the closed portion, and a flip
// sets the average to the trade price. withImpact charges the quadratic
// impact cost impact_k * qty^2 * price.
func (e *Executor) fill(tsMS, barID int64, signedQty, px float64, leg string, withImpact bool) Trade {
	qty := math.Abs(signedQty)
	t := Trade{
		TsMS:  tsMS,
		BarID: barID,
		Qty:   qty,
		Price: px,
		Leg:   leg,
	}
	if signedQty > 0 {
		t.Side = string(domain.OrderBuy)
	} else {
		t.Side = string(domain.OrderSell)
	}

	t.Fee = qty * px * e.cfg.CostBps / 10000.0
	if withImpact {
		t.Impact = e.cfg.ImpactK * qty * qty * px
	}
	e.cumFees += t.Fee
	e.cumImpact += t.Impact

	oldQty := e.pos.Qty
	newQty := oldQty + signedQty

	switch {
	case oldQty == 0 || sameSign(oldQty, signedQty):
		// opening or adding: weighted average entry
		total := math.Abs(oldQty) + qty
		e.pos.AvgPx = (math.Abs(oldQty)*e.pos.AvgPx + qty*px) / total
		if oldQty == 0 {
			e.pos.OpenedBarID = barID
		}
	case sameSign(oldQty, newQty):
		// partial reduce: realize the closed portion, average unchanged
		t.Realized = qty * (px - e.pos.AvgPx) * math.Copysign(1, oldQty)
		e.pos.RealizedPnL += t.Realized
	case newQty == 0:
		// full close: realize and reset the average
		t.Realized = math.Abs(oldQty) * (px - e.pos.AvgPx) * math.Copysign(1, oldQty)
		e.pos.RealizedPnL += t.Realized
		e.pos.AvgPx = 0
		e.pos.OpenedBarID = 0
	default:
		// flip: realize the old side in full, new side enters at trade price
		t.Realized = math.Abs(oldQty) * (px - e.pos.AvgPx) * math.Copysign(1, oldQty)
		e.pos.RealizedPnL += t.Realized
		e.pos.AvgPx = px
		e.pos.OpenedBarID = barID
	}

	e.pos.Qty = newQty
	if e.cfg.BaseNotional > 0 {
		e.pos.Frac = newQty * px / e.cfg.BaseNotional
	}
	return t
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// ForcedExit evaluates the configured forced-exit conditions against the
// current mark. A non-empty reason means the driver must flatten.
func (e *Executor) ForcedExit(markPx float64, barID int64, modelReversed bool) string {
	if !e.cfg.EnableForcedExits || e.pos.Qty == 0 || markPx <= 0 || e.pos.AvgPx <= 0 {
		return ""
	}
	if modelReversed {
		return ExitReversal
	}
	if e.cfg.MaxPositionDurationBars > 0 && barID-e.pos.OpenedBarID >= int64(e.cfg.MaxPositionDurationBars) {
		return ExitMaxDuration
	}
	moveBps := (markPx/e.pos.AvgPx - 1) * 10000.0 * math.Copysign(1, e.pos.Qty)
	if e.cfg.StopLossBps > 0 && moveBps <= -e.cfg.StopLossBps {
		return ExitStopLoss
	}
	if e.cfg.TakeProfitBps > 0 && moveBps >= e.cfg.TakeProfitBps {
		return ExitTakeProfit
	}
	return ""
}

// CumFees returns lifetime simulated fees.
func (e *Executor) CumFees() float64 { return e.cumFees }

// CumImpact returns lifetime simulated impact cost.
func (e *Executor) CumImpact() float64 { return e.cumImpact }
