// Package risk converts a decision into a volatility-targeted position
// fraction and enforces the cooldown, warmup-skip, and daily drawdown stop.
package risk

import (
	"math"
	"time"
)

// Config mirrors the risk section of the engine configuration.
type Config struct {
	SigmaTarget          float64
	PosMax               float64
	CooldownBars         int
	BarMinutes           int
	VolFloor             float64
	RebalanceMinPosDelta float64
	DailyStopDDPct       float64
	WarmupSkipBars       int
	DayBoundaryTZ        string
}

// Sizer owns the sizing state for one timeframe instance.
type Sizer struct {
	cfg Config
	loc *time.Location

	cooldownUntilMS int64

	peakEquity float64
	stopped    bool
	stoppedDay string
}

// NewSizer creates a sizer. An unknown time zone falls back to UTC.
func NewSizer(cfg Config) *Sizer {
	loc, err := time.LoadLocation(cfg.DayBoundaryTZ)
	if err != nil || cfg.DayBoundaryTZ == "" {
		loc = time.UTC
	}
	return &Sizer{cfg: cfg, loc: loc}
}

// AnnualizedVol scales a per-bar return std to annual terms:
// std * sqrt(525600 / bar_minutes).
func (s *Sizer) AnnualizedVol(barStd float64) float64 {
	if s.cfg.BarMinutes <= 0 {
		return 0
	}
	return barStd * math.Sqrt(525600.0/float64(s.cfg.BarMinutes))
}

// TargetPosition computes dir * clip((sigma_target/rv) * alpha, ±pos_max).
// A zero rv substitutes the vol floor when configured, otherwise sizes zero.
func (s *Sizer) TargetPosition(dir int, alpha, rvAnnualized float64) float64 {
	if dir == 0 || alpha <= 0 {
		return 0
	}
	rv := rvAnnualized
	if rv == 0 {
		if s.cfg.VolFloor <= 0 {
			return 0
		}
		rv = s.cfg.VolFloor
	}
	frac := (s.cfg.SigmaTarget / rv) * alpha
	if frac > s.cfg.PosMax {
		frac = s.cfg.PosMax
	}
	return float64(dir) * frac
}

// StdSample is the ddof=1 standard deviation used for realized vol.
func StdSample(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := 0.0
	for _, x := range xs {
		m += x
	}
	m /= float64(len(xs))
	s := 0.0
	for _, x := range xs {
		d := x - m
		s += d * d
	}
	return math.Sqrt(s / float64(len(xs)-1))
}

// InCooldown reports whether rebalances are still rejected at tsMS.
func (s *Sizer) InCooldown(tsMS int64) bool {
	return tsMS < s.cooldownUntilMS
}

// MarkExecuted starts the cooldown clock after an execution.
func (s *Sizer) MarkExecuted(tsMS int64) {
	s.cooldownUntilMS = tsMS + int64(s.cfg.CooldownBars)*int64(s.cfg.BarMinutes)*60_000
}

// InWarmupSkip reports whether the bar is inside the initial always-flat
// window.
func (s *Sizer) InWarmupSkip(barsSeen int) bool {
	return barsSeen < s.cfg.WarmupSkipBars
}

// RebalanceWorthwhile applies the minimum position-delta filter.
func (s *Sizer) RebalanceWorthwhile(current, target float64) bool {
	return math.Abs(target-current) >= s.cfg.RebalanceMinPosDelta
}

// UpdateDailyStop tracks session peak equity and reports whether the daily
// drawdown stop is active at tsMS. The stop clears at the next day boundary
// in the configured zone.
func (s *Sizer) UpdateDailyStop(tsMS int64, equity float64) bool {
	day := time.UnixMilli(tsMS).In(s.loc).Format("2006-01-02")

	if s.stopped && day != s.stoppedDay {
		s.stopped = false
		s.peakEquity = equity
	}
	if equity > s.peakEquity {
		s.peakEquity = equity
	}
	if s.stopped {
		return true
	}
	if s.cfg.DailyStopDDPct > 0 && s.peakEquity > 0 {
		ddPct := (s.peakEquity - equity) / s.peakEquity * 100.0
		if ddPct > s.cfg.DailyStopDDPct {
			s.stopped = true
			s.stoppedDay = day
			return true
		}
	}
	return false
}

// Stopped reports the current daily-stop state without updating it.
func (s *Sizer) Stopped() bool { return s.stopped }
