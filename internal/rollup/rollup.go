// Package rollup turns consecutive base-timeframe bars into overlay bars by
// deterministic N-to-1 grouping. Replaying the same base bars yields
// byte-identical overlay bars.
package rollup

import (
	"github.com/quantfold/quantfold/internal/domain"
)

// Engine groups base bars into one overlay stream per configured timeframe.
// Owned by the driver; not safe for concurrent use.
type Engine struct {
	windows map[domain.Timeframe]int
	buffers map[domain.Timeframe][]domain.Bar
	emitted map[domain.Timeframe]int
	lastTs  int64
}

// NewEngine creates an engine for the given overlay windows
// (timeframe -> number of base bars per overlay bar).
func NewEngine(windows map[domain.Timeframe]int) *Engine {
	e := &Engine{
		windows: make(map[domain.Timeframe]int, len(windows)),
		buffers: make(map[domain.Timeframe][]domain.Bar, len(windows)),
		emitted: make(map[domain.Timeframe]int, len(windows)),
	}
	for tf, n := range windows {
		if n <= 0 {
			continue
		}
		e.windows[tf] = n
		e.buffers[tf] = make([]domain.Bar, 0, n)
	}
	return e
}

// Push appends one base bar and returns any overlay bars completed by it.
// A bar whose close time does not advance is ignored (replay no-op).
func (e *Engine) Push(base domain.Bar) map[domain.Timeframe]domain.Bar {
	if base.TsMS <= e.lastTs {
		return nil
	}
	e.lastTs = base.TsMS

	var out map[domain.Timeframe]domain.Bar
	for tf, n := range e.windows {
		buf := append(e.buffers[tf], base)
		if len(buf) < n {
			e.buffers[tf] = buf
			continue
		}
		bar := combine(buf)
		e.buffers[tf] = buf[:0]
		e.emitted[tf]++
		if out == nil {
			out = make(map[domain.Timeframe]domain.Bar, 1)
		}
		out[tf] = bar
	}
	return out
}

// Ready reports whether a timeframe has emitted at least minBars overlays.
func (e *Engine) Ready(tf domain.Timeframe, minBars int) bool {
	return e.emitted[tf] >= minBars
}

// EmittedCount returns the number of overlay bars emitted for a timeframe.
func (e *Engine) EmittedCount(tf domain.Timeframe) int { return e.emitted[tf] }

// combine folds N base bars into one overlay bar. Funding and spread carry
// from the final base bar.
func combine(bars []domain.Bar) domain.Bar {
	first, last := bars[0], bars[len(bars)-1]
	out := domain.Bar{
		TsMS:      last.TsMS,
		Open:      first.Open,
		Close:     last.Close,
		High:      first.High,
		Low:       first.Low,
		BarID:     last.BarID,
		Funding:   last.Funding,
		SpreadBps: last.SpreadBps,
		RV1h:      last.RV1h,
	}
	for _, b := range bars {
		if b.High > out.High {
			out.High = b.High
		}
		if b.Low < out.Low {
			out.Low = b.Low
		}
		out.Volume += b.Volume
	}
	return out
}
