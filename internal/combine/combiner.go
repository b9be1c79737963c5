// Package combine merges per-timeframe signals into a single decision under
// deterministic alignment rules. Rules are evaluated in priority order and
// short-circuit on the first match; post-adjustments then shrink or skip the
// winning signal.
package combine

import (
	"math"
	"sort"

	"github.com/quantfold/quantfold/internal/domain"
)

// Rule reason codes recorded in Decision.Details.Mode.
const (
	ModeConflictSkip     = "conflict_skip"
	ModeAgreement        = "agreement"
	ModeNeutralOverride  = "neutral_override"
	ModeWeightedAverage  = "weighted_average"
	ModeMajorityVote     = "majority_vote"
	ModeConflictBandSkip = "conflict_band_skip"
)

// Config drives the alignment rules.
type Config struct {
	// Required lists the timeframes that must all agree for the agreement
	// rule to fire.
	Required []domain.Timeframe

	// Weights for the weighted-average rule; missing timeframes get 0.
	Weights map[domain.Timeframe]float64

	// OverrideTF is the timeframe whose weakness delegates to the others
	// (the 1h neutral-override rule). Empty disables.
	OverrideTF       domain.Timeframe
	OverrideMinAlpha float64

	// WeightedDirThreshold is the minimum |weighted direction| for the
	// weighted-average rule to emit a nonzero direction.
	WeightedDirThreshold float64

	ConflictMinAlpha    float64
	HalveOn1hOpposition bool
	ConflictBandMult    float64
}

// Combiner applies the alignment rules.
type Combiner struct {
	cfg Config
}

// New creates a combiner; zero thresholds disable the respective checks.
func New(cfg Config) *Combiner {
	if cfg.WeightedDirThreshold == 0 {
		cfg.WeightedDirThreshold = 0.1
	}
	return &Combiner{cfg: cfg}
}

// Combine merges the available signals into one decision. predCalBps and
// bandBps feed the conflict-band post-adjustment. The same inputs always
// yield the same decision.
func (c *Combiner) Combine(signals map[domain.Timeframe]domain.Signal, predCalBps, bandBps float64) domain.Decision {
	dec := c.applyRules(signals)
	dec.Details.Overlay = cloneSignals(signals)
	return c.postAdjust(dec, signals, predCalBps, bandBps)
}

func (c *Combiner) applyRules(signals map[domain.Timeframe]domain.Signal) domain.Decision {
	s5, ok5 := signals[domain.TF5m]
	s15, ok15 := signals[domain.TF15m]

	// Rule 1: conflict skip. Both short timeframes committed but weak and
	// opposed: stand down rather than trade noise.
	if ok5 && ok15 && opposed(s5, s15) &&
		math.Max(s5.Alpha, s15.Alpha) < c.cfg.ConflictMinAlpha {
		return neutralDecision(ModeConflictSkip)
	}

	// Rule 2: agreement across all required timeframes.
	if dir, ok := c.allRequiredAgree(signals); ok {
		var alphaSum, confSum float64
		for _, tf := range c.cfg.Required {
			alphaSum += signals[tf].Alpha
			confSum += signals[tf].Confidence
		}
		n := float64(len(c.cfg.Required))
		return domain.Decision{
			Direction: dir,
			Alpha:     clip01(alphaSum / n),
			Details: domain.DecisionDetails{
				Mode:  ModeAgreement,
				Guard: map[string]float64{"confidence": confSum / n},
			},
		}
	}

	// Rule 3: neutral override. A weak override timeframe delegates to the
	// weighted average of the remaining signals.
	if c.cfg.OverrideTF != "" {
		if so, ok := signals[c.cfg.OverrideTF]; ok && so.Alpha < c.cfg.OverrideMinAlpha {
			rest := make(map[domain.Timeframe]domain.Signal, len(signals))
			for tf, s := range signals {
				if tf != c.cfg.OverrideTF {
					rest[tf] = s
				}
			}
			if len(rest) > 0 {
				dec := c.weightedAverage(rest)
				dec.Details.Mode = ModeNeutralOverride
				return dec
			}
		}
	}

	// Rule 4: weighted average when any weight is configured.
	if c.totalWeight(signals) > 0 {
		return c.weightedAverage(signals)
	}

	// Rule 5: majority vote fallback.
	return c.majorityVote(signals)
}

// allRequiredAgree reports the shared direction when every required
// timeframe is present, non-neutral, and same-signed.
func (c *Combiner) allRequiredAgree(signals map[domain.Timeframe]domain.Signal) (int, bool) {
	if len(c.cfg.Required) == 0 {
		return 0, false
	}
	dir := 0
	for _, tf := range c.cfg.Required {
		s, ok := signals[tf]
		if !ok || s.Direction == 0 {
			return 0, false
		}
		if dir == 0 {
			dir = s.Direction
		} else if s.Direction != dir {
			return 0, false
		}
	}
	return dir, true
}

// sortedTFs returns the present timeframes ordered by interval length so
// float accumulation never depends on map iteration order.
func sortedTFs(signals map[domain.Timeframe]domain.Signal) []domain.Timeframe {
	tfs := make([]domain.Timeframe, 0, len(signals))
	for tf := range signals {
		tfs = append(tfs, tf)
	}
	sort.Slice(tfs, func(i, j int) bool { return tfs[i].Minutes() < tfs[j].Minutes() })
	return tfs
}

func (c *Combiner) totalWeight(signals map[domain.Timeframe]domain.Signal) float64 {
	total := 0.0
	for _, tf := range sortedTFs(signals) {
		total += c.cfg.Weights[tf]
	}
	return total
}

func (c *Combiner) weightedAverage(signals map[domain.Timeframe]domain.Signal) domain.Decision {
	total := c.totalWeight(signals)
	if total == 0 {
		return c.majorityVote(signals)
	}
	var wDir, wAlpha, wConf float64
	for _, tf := range sortedTFs(signals) {
		s := signals[tf]
		w := c.cfg.Weights[tf] / total
		wDir += w * float64(s.Direction)
		wAlpha += w * s.Alpha
		wConf += w * s.Confidence
	}
	dir := 0
	if wDir > c.cfg.WeightedDirThreshold {
		dir = 1
	} else if wDir < -c.cfg.WeightedDirThreshold {
		dir = -1
	}
	alpha := clip01(wAlpha)
	if dir == 0 {
		alpha = 0
	}
	return domain.Decision{
		Direction: dir,
		Alpha:     alpha,
		Details: domain.DecisionDetails{
			Mode:  ModeWeightedAverage,
			Guard: map[string]float64{"weighted_dir": wDir, "confidence": clip01(wConf)},
		},
	}
}

// majorityVote tallies directions; ties resolve to the direction of the
// largest timeframe present, neutral when every vote is zero.
func (c *Combiner) majorityVote(signals map[domain.Timeframe]domain.Signal) domain.Decision {
	votes := map[int]int{}
	var alphaSum float64
	for _, tf := range sortedTFs(signals) {
		votes[signals[tf].Direction]++
		alphaSum += signals[tf].Alpha
	}
	up, down := votes[1], votes[-1]

	dir := 0
	switch {
	case up > down:
		dir = 1
	case down > up:
		dir = -1
	case up == down && up > 0:
		dir = largestTimeframeDir(signals)
	}
	if dir == 0 {
		return neutralDecision(ModeMajorityVote)
	}
	return domain.Decision{
		Direction: dir,
		Alpha:     clip01(alphaSum / float64(len(signals))),
		Details:   domain.DecisionDetails{Mode: ModeMajorityVote},
	}
}

// largestTimeframeDir breaks voting ties with the longest-interval signal.
func largestTimeframeDir(signals map[domain.Timeframe]domain.Signal) int {
	tfs := make([]domain.Timeframe, 0, len(signals))
	for tf := range signals {
		tfs = append(tfs, tf)
	}
	sort.Slice(tfs, func(i, j int) bool { return tfs[i].Minutes() > tfs[j].Minutes() })
	for _, tf := range tfs {
		if d := signals[tf].Direction; d != 0 {
			return d
		}
	}
	return 0
}

// postAdjust applies the 1h-opposition halving and the conflict-band skip to
// the winning decision.
func (c *Combiner) postAdjust(dec domain.Decision, signals map[domain.Timeframe]domain.Signal, predCalBps, bandBps float64) domain.Decision {
	if dec.Direction == 0 {
		return dec
	}

	if c.cfg.HalveOn1hOpposition {
		if s1h, ok := signals[domain.TF1h]; ok && s1h.Direction != 0 && s1h.Direction != dec.Direction {
			dec.Alpha *= 0.5
		}
	}

	if c.cfg.ConflictBandMult > 0 && bandBps > 0 {
		s5, ok5 := signals[domain.TF5m]
		s15, ok15 := signals[domain.TF15m]
		if ok5 && ok15 && opposed(s5, s15) &&
			math.Abs(predCalBps) <= c.cfg.ConflictBandMult*bandBps {
			return dec.Neutral(ModeConflictBandSkip)
		}
	}
	return dec
}

func opposed(a, b domain.Signal) bool {
	return a.Direction != 0 && b.Direction != 0 && a.Direction != b.Direction
}

func neutralDecision(mode string) domain.Decision {
	return domain.Decision{Details: domain.DecisionDetails{Mode: mode}}
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func cloneSignals(signals map[domain.Timeframe]domain.Signal) map[string]domain.Signal {
	out := make(map[string]domain.Signal, len(signals))
	for tf, s := range signals {
		out[string(tf)] = s
	}
	return out
}
