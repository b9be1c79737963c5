// Package domain holds the core value types shared across the per-bar
// pipeline. Types here are plain data: no I/O, no goroutines.
package domain

import (
	"fmt"
	"time"
)

// Timeframe identifies one bar interval instance of the engine.
type Timeframe string

const (
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF12h Timeframe = "12h"
	TF24h Timeframe = "24h"
)

// Minutes returns the bar interval length in minutes, 0 if unknown.
func (tf Timeframe) Minutes() int {
	switch tf {
	case TF5m:
		return 5
	case TF15m:
		return 15
	case TF1h:
		return 60
	case TF12h:
		return 720
	case TF24h:
		return 1440
	}
	return 0
}

// Hours returns the bar interval length in hours.
func (tf Timeframe) Hours() float64 {
	return float64(tf.Minutes()) / 60.0
}

// Bar is an immutable OHLCV aggregate at a fixed interval, keyed by its
// close time. Invariant: High >= max(Open,Close) >= min(Open,Close) >= Low,
// and TsMS is strictly increasing within a timeframe.
type Bar struct {
	TsMS      int64   `json:"ts_ms"` // close time
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	BarID     int64   `json:"bar_id"` // monotonic within a timeframe
	Funding   float64 `json:"funding,omitempty"`
	SpreadBps float64 `json:"spread_bps,omitempty"`
	RV1h      float64 `json:"rv_1h,omitempty"`
}

// Validate checks the OHLC ordering invariant.
func (b Bar) Validate() error {
	hi := b.Open
	if b.Close > hi {
		hi = b.Close
	}
	lo := b.Open
	if b.Close < lo {
		lo = b.Close
	}
	if b.High < hi || lo < b.Low {
		return fmt.Errorf("bar %d: OHLC ordering violated (o=%g h=%g l=%g c=%g)", b.BarID, b.Open, b.High, b.Low, b.Close)
	}
	return nil
}

// Side is the taker side of a fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign maps buy to +1, sell to -1, anything else to 0.
func (s Side) Sign() float64 {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	}
	return 0
}

// FillSource distinguishes tracked-address fills from the public tape.
type FillSource string

const (
	SourceUser   FillSource = "user"
	SourcePublic FillSource = "public"
)

// Fill is one executed trade observed on the venue, deduped upstream by
// (address, tid) across the polling window.
type Fill struct {
	TsMS    int64      `json:"ts_ms"`
	Address string     `json:"address,omitempty"` // empty for public tape
	TID     string     `json:"tid,omitempty"`
	Symbol  string     `json:"symbol"`
	Side    Side       `json:"side"`
	Price   float64    `json:"price"`
	Size    float64    `json:"size"`
	Source  FillSource `json:"source"`

	// PreNormalized marks fills whose size is already in ADV units; they
	// bypass ADV division in the accumulator but still receive decay.
	PreNormalized bool `json:"pre_normalized,omitempty"`
}

// Prediction is a calibrated 3-class distribution from the model runtime.
// Probabilities are nonnegative and sum to 1 within 1e-6.
type Prediction struct {
	PDown    float64 `json:"p_down"`
	PNeutral float64 `json:"p_neutral"`
	PUp      float64 `json:"p_up"`
	SModel   float64 `json:"s_model"` // p_up - p_down
	A        float64 `json:"a"`       // calibration intercept
	B        float64 `json:"b"`       // calibration slope
}

// CalBps returns the calibrated prediction in basis points.
func (p Prediction) CalBps() float64 {
	return 10000.0 * (p.A + p.B*p.SModel)
}

// Confidence is the largest class probability.
func (p Prediction) Confidence() float64 {
	c := p.PDown
	if p.PNeutral > c {
		c = p.PNeutral
	}
	if p.PUp > c {
		c = p.PUp
	}
	return c
}

// Signal is a per-timeframe directional view.
type Signal struct {
	Direction  int       `json:"direction"` // -1, 0, +1
	Alpha      float64   `json:"alpha"`     // [0,1]
	Confidence float64   `json:"confidence"`
	Timeframe  Timeframe `json:"timeframe"`
	BarID      int64     `json:"bar_id"`
}

// DecisionDetails carries diagnostic context alongside a decision. Guards
// append to it; the emitter serializes it into the order_intent stream.
type DecisionDetails struct {
	Mode          string             `json:"mode,omitempty"` // combiner rule or guard reason code
	ChosenArm     string             `json:"chosen_arm,omitempty"`
	BanditWeights map[string]float64 `json:"bandit_weights,omitempty"`
	Overlay       map[string]Signal  `json:"overlay,omitempty"`
	Guard         map[string]float64 `json:"guard,omitempty"` // observed values and thresholds
}

// Clone deep-copies the details so a guard can annotate without aliasing.
func (d DecisionDetails) Clone() DecisionDetails {
	out := d
	if d.BanditWeights != nil {
		out.BanditWeights = make(map[string]float64, len(d.BanditWeights))
		for k, v := range d.BanditWeights {
			out.BanditWeights[k] = v
		}
	}
	if d.Overlay != nil {
		out.Overlay = make(map[string]Signal, len(d.Overlay))
		for k, v := range d.Overlay {
			out.Overlay[k] = v
		}
	}
	if d.Guard != nil {
		out.Guard = make(map[string]float64, len(d.Guard))
		for k, v := range d.Guard {
			out.Guard[k] = v
		}
	}
	return out
}

// Decision is the combined, possibly guard-adjusted trading decision.
// Invariant: Direction == 0 implies Alpha == 0.
type Decision struct {
	Direction int             `json:"direction"`
	Alpha     float64         `json:"alpha"`
	Details   DecisionDetails `json:"details"`
}

// Neutral returns a flat decision that preserves prior details under the
// given mode reason code.
func (d Decision) Neutral(mode string) Decision {
	out := d
	out.Direction = 0
	out.Alpha = 0
	out.Details = d.Details.Clone()
	out.Details.Mode = mode
	return out
}

// OrderSide is the intended order action.
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
	OrderHold OrderSide = "HOLD"
)

// OrderIntent is the gated output of the guard chain plus sizing.
// Invariant: Side == HOLD implies IntentQty == 0.
type OrderIntent struct {
	Side                OrderSide          `json:"side"`
	IntentQty           float64            `json:"intent_qty"`
	IntentNotional      float64            `json:"intent_notional"`
	ReasonCodes         map[string]bool    `json:"reason_codes"` // guard name -> passed
	VetoReasonPrimary   string             `json:"veto_reason_primary,omitempty"`
	VetoReasonSecondary string             `json:"veto_reason_secondary,omitempty"`
	GuardDetails        map[string]float64 `json:"guard_details,omitempty"`
}

// Position is the paper book for one symbol. Qty is signed; AvgPx tracks the
// weighted entry of the open side and resets on full close.
type Position struct {
	Qty         float64 `json:"qty"`
	AvgPx       float64 `json:"avg_px"`
	RealizedPnL float64 `json:"realized_pnl"`

	// Frac is the signed position fraction in [-posMax, posMax].
	Frac float64 `json:"frac"`

	// OpenedBarID is the bar on which the current exposure was opened,
	// used for max-duration forced exits. Zero when flat.
	OpenedBarID int64 `json:"opened_bar_id,omitempty"`
}

// Flat reports whether the book holds no exposure.
func (p Position) Flat() bool { return p.Qty == 0 }

// BookTicker is a top-of-book snapshot used by guards and the passive leg.
type BookTicker struct {
	BidPrice float64 `json:"bid_price"`
	BidQty   float64 `json:"bid_qty"`
	AskPrice float64 `json:"ask_price"`
	AskQty   float64 `json:"ask_qty"`
	TsMS     int64   `json:"ts_ms"`
}

// SpreadBps returns the quoted spread in basis points, 0 on an empty book.
func (bt BookTicker) SpreadBps() float64 {
	mid := (bt.BidPrice + bt.AskPrice) / 2
	if mid <= 0 || bt.AskPrice <= bt.BidPrice {
		return 0
	}
	return (bt.AskPrice - bt.BidPrice) / mid * 10000.0
}

// FundingSnapshot is the venue funding rate with staleness tracking.
type FundingSnapshot struct {
	Rate      float64   `json:"rate"`
	TsMS      int64     `json:"ts_ms"`
	Stale     bool      `json:"stale"`
	FetchedAt time.Time `json:"fetched_at"`
}
