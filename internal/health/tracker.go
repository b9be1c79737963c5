// Package health maintains the rolling KPI window for a running timeframe
// instance: Sharpe, drawdown, in-band share, hit rate, and turnover, plus
// the degradation counters that the error policy requires to surface.
package health

import (
	"math"
	"sync"
)

// Snapshot is one health record, emitted on the health stream every
// health_emit_every_bars bars.
type Snapshot struct {
	Bars            int     `json:"bars"`
	Equity          float64 `json:"equity"`
	PeakEquity      float64 `json:"peak_equity"`
	DrawdownPct     float64 `json:"drawdown_pct"`
	RollingSharpe   float64 `json:"rolling_sharpe"`
	HitRate         float64 `json:"hit_rate"`
	InBandShare     float64 `json:"in_band_share"`
	TurnoverUSD     float64 `json:"turnover_usd"`
	WSReconnects    int64   `json:"ws_reconnects"`
	FillDrops       int64   `json:"fill_drops"`
	SkippedTicks    int64   `json:"skipped_ticks"`
	StaleFunding    int64   `json:"stale_funding"`
	NeutralDegraded bool    `json:"neutral_degraded"`
}

// Tracker accumulates per-bar observations into rolling KPIs. The window
// bounds Sharpe, hit rate, and in-band share; equity peak and turnover are
// session-lifetime. The driver owns the tracker; the mutex only covers the
// metrics exporter reading a snapshot from another goroutine.
type Tracker struct {
	mu sync.Mutex

	window      int
	barsPerYear float64

	returns             []float64 // ring of per-bar equity returns
	hits                []bool    // directional trades that made money
	inBand              []bool    // calibrated prediction within the band
	head                int
	count               int
	hitHead, hitCount   int
	bandHead, bandCount int

	bars       int
	equity     float64
	peakEquity float64
	prevEquity float64
	turnover   float64

	wsReconnects int64
	fillDrops    int64
	skippedTicks int64
	staleFunding int64
	degraded     bool
}

// NewTracker sizes the rolling window in bars. barMinutes anchors the Sharpe
// annualization.
func NewTracker(window int, barMinutes, startingEquity float64) *Tracker {
	if window <= 0 {
		window = 288
	}
	return &Tracker{
		window:      window,
		barsPerYear: 525600.0 / barMinutes,
		returns:     make([]float64, window),
		hits:        make([]bool, window),
		inBand:      make([]bool, window),
		equity:      startingEquity,
		peakEquity:  startingEquity,
		prevEquity:  startingEquity,
	}
}

// ObserveBar records one completed bar. tradedNotional is the absolute USD
// traded this bar; inBand reflects the calibration classification of the
// bar's prediction.
func (t *Tracker) ObserveBar(equity, tradedNotional float64, inBand bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.bars++
	if t.prevEquity > 0 {
		r := equity/t.prevEquity - 1
		t.returns[t.head] = r
		t.head = (t.head + 1) % t.window
		if t.count < t.window {
			t.count++
		}
	}
	t.prevEquity = equity
	t.equity = equity
	if equity > t.peakEquity {
		t.peakEquity = equity
	}
	t.turnover += math.Abs(tradedNotional)

	t.inBand[t.bandHead] = inBand
	t.bandHead = (t.bandHead + 1) % t.window
	if t.bandCount < t.window {
		t.bandCount++
	}
}

// ObserveTradeOutcome records whether a closed directional trade was
// profitable. Flat bars do not call this.
func (t *Tracker) ObserveTradeOutcome(won bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hits[t.hitHead] = won
	t.hitHead = (t.hitHead + 1) % t.window
	if t.hitCount < t.window {
		t.hitCount++
	}
}

// Degradation counters, incremented by the driver per the error policy.

func (t *Tracker) IncSkippedTick()  { t.mu.Lock(); t.skippedTicks++; t.mu.Unlock() }
func (t *Tracker) IncStaleFunding() { t.mu.Lock(); t.staleFunding++; t.mu.Unlock() }

// SetTransportCounters records the polled lifetime totals from the WS
// consumer and the fill ring.
func (t *Tracker) SetTransportCounters(wsReconnects, fillDrops int64) {
	t.mu.Lock()
	t.wsReconnects = wsReconnects
	t.fillDrops = fillDrops
	t.mu.Unlock()
}

// SetDegraded marks the neutral-predictor degradation flag.
func (t *Tracker) SetDegraded(v bool) { t.mu.Lock(); t.degraded = v; t.mu.Unlock() }

// Snapshot computes the current rolling KPIs.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		Bars:            t.bars,
		Equity:          t.equity,
		PeakEquity:      t.peakEquity,
		TurnoverUSD:     t.turnover,
		WSReconnects:    t.wsReconnects,
		FillDrops:       t.fillDrops,
		SkippedTicks:    t.skippedTicks,
		StaleFunding:    t.staleFunding,
		NeutralDegraded: t.degraded,
	}
	if t.peakEquity > 0 {
		s.DrawdownPct = 100 * (t.peakEquity - t.equity) / t.peakEquity
	}
	s.RollingSharpe = t.sharpeLocked()
	if t.hitCount > 0 {
		wins := 0
		for i := 0; i < t.hitCount; i++ {
			if t.hits[i] {
				wins++
			}
		}
		s.HitRate = float64(wins) / float64(t.hitCount)
	}
	if t.bandCount > 0 {
		in := 0
		for i := 0; i < t.bandCount; i++ {
			if t.inBand[i] {
				in++
			}
		}
		s.InBandShare = float64(in) / float64(t.bandCount)
	}
	return s
}

// sharpeLocked annualizes mean/std of the windowed per-bar returns. Fewer
// than two observations, or zero variance, yields 0.
func (t *Tracker) sharpeLocked() float64 {
	if t.count < 2 {
		return 0
	}
	var sum float64
	for i := 0; i < t.count; i++ {
		sum += t.returns[i]
	}
	mean := sum / float64(t.count)
	var ss float64
	for i := 0; i < t.count; i++ {
		d := t.returns[i] - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(t.count-1))
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(t.barsPerYear)
}
