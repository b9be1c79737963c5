// Package cohort integrates trade fills into three per-bar flow channels
// (pros, amateurs, mood) with optional ADV normalization and exponential
// recency decay. The accumulator is owned exclusively by the driver.
package cohort

import (
	"math"
	"time"

	"github.com/quantfold/quantfold/internal/domain"
)

// Channel names the three flow channels.
type Channel string

const (
	ChannelPros     Channel = "pros"
	ChannelAmateurs Channel = "amateurs"
	ChannelMood     Channel = "mood"
)

// Channels lists all channels in deterministic order.
var Channels = []Channel{ChannelPros, ChannelAmateurs, ChannelMood}

// Weights scales the impact of a fill per channel.
type Weights struct {
	Pros     float64
	Amateurs float64
	Mood     float64
}

func (w Weights) of(ch Channel) float64 {
	switch ch {
	case ChannelPros:
		return w.Pros
	case ChannelAmateurs:
		return w.Amateurs
	}
	return w.Mood
}

// Snapshot is the bounded per-channel signal at a point in time.
type Snapshot struct {
	Pros     float64 `json:"pros"`
	Amateurs float64 `json:"amateurs"`
	Mood     float64 `json:"mood"`
}

// Config tunes one accumulator instance.
type Config struct {
	BarInterval  time.Duration
	Window       int     // ring capacity W
	ADV20USD     float64 // 20-day average daily volume in quote USD
	NormalizeADV bool
	DecayEnabled bool
	HalfLife     time.Duration
	TFHours      float64 // timeframe length in hours, scales the ADV slice
}

// ring is a fixed-capacity FIFO of flushed bar aggregates.
type ring struct {
	buf  []float64
	head int
	n    int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]float64, capacity)}
}

func (r *ring) push(v float64) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	// full: overwrite oldest
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring) sum() float64 {
	s := 0.0
	for i := 0; i < r.n; i++ {
		s += r.buf[(r.head+i)%len(r.buf)]
	}
	return s
}

func (r *ring) len() int { return r.n }

// Accumulator holds the per-channel rings plus the mutable current-bar
// accumulators. Not safe for concurrent use.
type Accumulator struct {
	cfg Config

	rings   map[Channel]*ring
	current map[Channel]float64

	currentBucket int64
	haveBucket    bool

	// counters surfaced through health
	LateDropped int64
	ZeroImpact  int64
}

// New creates an accumulator; Window and BarInterval must be positive.
func New(cfg Config) *Accumulator {
	a := &Accumulator{
		cfg:     cfg,
		rings:   make(map[Channel]*ring, len(Channels)),
		current: make(map[Channel]float64, len(Channels)),
	}
	for _, ch := range Channels {
		a.rings[ch] = newRing(cfg.Window)
	}
	return a
}

// UpdateFromFill integrates one fill. Bucket advancement flushes the current
// accumulators into the rings exactly once; fills for an already-flushed
// bucket are dropped and counted.
func (a *Accumulator) UpdateFromFill(fill domain.Fill, w Weights, now time.Time) {
	bucket := fill.TsMS / a.cfg.BarInterval.Milliseconds()

	switch {
	case !a.haveBucket:
		a.currentBucket = bucket
		a.haveBucket = true
	case bucket > a.currentBucket:
		a.flush()
		a.currentBucket = bucket
	case bucket < a.currentBucket:
		a.LateDropped++
		return
	}

	impact := a.impactOf(fill, now)
	if impact == 0 {
		a.ZeroImpact++
		return
	}
	for _, ch := range Channels {
		a.current[ch] += impact * w.of(ch)
	}
}

// impactOf converts a fill to signed, normalized, decayed impact. Decay is
// applied after ADV normalization and before channel weighting; fills marked
// PreNormalized skip the ADV division but still decay.
func (a *Accumulator) impactOf(fill domain.Fill, now time.Time) float64 {
	sign := fill.Side.Sign()
	if sign == 0 || fill.Size <= 0 {
		return 0
	}
	impact := sign * fill.Size

	if a.cfg.NormalizeADV && !fill.PreNormalized {
		slice := a.cfg.ADV20USD * (a.cfg.TFHours / 24.0)
		if slice > 0 {
			impact /= slice
		}
	}
	if a.cfg.DecayEnabled && a.cfg.HalfLife > 0 {
		ageMS := float64(now.UnixMilli() - fill.TsMS)
		if ageMS > 0 {
			impact *= math.Exp(-ageMS / float64(a.cfg.HalfLife.Milliseconds()))
		}
	}
	return impact
}

// flush appends the current accumulators into the rings and zeroes them.
func (a *Accumulator) flush() {
	for _, ch := range Channels {
		a.rings[ch].push(a.current[ch])
		a.current[ch] = 0
	}
}

// Snapshot returns (sum(ring)+current) / max(1, len(ring)+1) per channel.
func (a *Accumulator) Snapshot() Snapshot {
	return Snapshot{
		Pros:     a.channelSignal(ChannelPros),
		Amateurs: a.channelSignal(ChannelAmateurs),
		Mood:     a.channelSignal(ChannelMood),
	}
}

func (a *Accumulator) channelSignal(ch Channel) float64 {
	r := a.rings[ch]
	denom := float64(r.len() + 1)
	if denom < 1 {
		denom = 1
	}
	return (r.sum() + a.current[ch]) / denom
}
