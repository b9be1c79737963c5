// Package bandit selects among the four signal-source arms with an
// epsilon-greedy policy over per-arm reward statistics. State survives
// restarts through an atomic JSON checkpoint written on every selection and
// reward update.
package bandit

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Arm names the selectable signal sources, in checkpoint index order.
const (
	ArmPros      = "pros"
	ArmAmateurs  = "amateurs"
	ArmModelMeta = "model_meta"
	ArmModelBMA  = "model_bma"
)

// Arms is the fixed arm set in index order.
var Arms = []string{ArmPros, ArmAmateurs, ArmModelMeta, ArmModelBMA}

// Config tunes the selection policy.
type Config struct {
	Epsilon float64
	// ModelOptimism adds a variance-aware bonus to arm means during
	// exploitation; 0 disables it.
	ModelOptimism  float64
	CheckpointPath string
}

// State is the persisted per-arm statistics.
type State struct {
	Counts    []int64   `json:"counts"`
	Means     []float64 `json:"means"`
	Variances []float64 `json:"variances"`
	UpdatedAt string    `json:"updated_at"`
}

// Selector owns the bandit state. Owned by the driver.
type Selector struct {
	cfg   Config
	state State
	rng   *rand.Rand

	lastArm    int
	lastSignal float64
	hasLast    bool
}

// New creates a selector, loading any existing checkpoint.
func New(cfg Config, seed int64) *Selector {
	s := &Selector{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(seed)),
		lastArm: -1,
		state: State{
			Counts:    make([]int64, len(Arms)),
			Means:     make([]float64, len(Arms)),
			Variances: make([]float64, len(Arms)),
		},
	}
	if cfg.CheckpointPath != "" {
		if err := s.load(cfg.CheckpointPath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", cfg.CheckpointPath).Msg("bandit checkpoint unreadable, starting fresh")
		}
	}
	return s
}

// Select picks an arm among the eligible ones and records its raw signal
// value for the next reward update. Eligible maps arm name to its current
// raw signal; arms without a signal this bar are excluded.
func (s *Selector) Select(eligible map[string]float64) (string, map[string]float64) {
	idxs := make([]int, 0, len(Arms))
	for i, arm := range Arms {
		if _, ok := eligible[arm]; ok {
			idxs = append(idxs, i)
		}
	}
	if len(idxs) == 0 {
		s.hasLast = false
		return "", s.weights()
	}

	var pick int
	if s.rng.Float64() < s.cfg.Epsilon {
		pick = idxs[s.rng.Intn(len(idxs))]
	} else {
		pick = idxs[0]
		best := s.score(pick)
		for _, i := range idxs[1:] {
			if sc := s.score(i); sc > best {
				best = sc
				pick = i
			}
		}
	}

	s.lastArm = pick
	s.lastSignal = eligible[Arms[pick]]
	s.hasLast = true
	s.checkpoint()
	return Arms[pick], s.weights()
}

// score is the exploitation value of an arm: its mean plus the optional
// variance-aware optimism bonus.
func (s *Selector) score(i int) float64 {
	v := s.state.Means[i]
	if s.cfg.ModelOptimism > 0 && s.state.Counts[i] > 0 {
		v += s.cfg.ModelOptimism * math.Sqrt(s.state.Variances[i]/float64(s.state.Counts[i]))
	}
	return v
}

// Update credits the previously selected arm with reward = barReturnBps
// times its recorded raw signal. If the last-selected arm was ineligible on
// the bar that produced this return, the update is skipped entirely.
func (s *Selector) Update(barReturnBps float64, stillEligible bool) {
	if !s.hasLast || !stillEligible {
		s.hasLast = false
		return
	}
	i := s.lastArm
	reward := barReturnBps * s.lastSignal

	// Welford update of mean and variance
	s.state.Counts[i]++
	n := float64(s.state.Counts[i])
	delta := reward - s.state.Means[i]
	s.state.Means[i] += delta / n
	delta2 := reward - s.state.Means[i]
	if n > 1 {
		s.state.Variances[i] += (delta*delta2 - s.state.Variances[i]) / (n - 1)
	}
	s.hasLast = false
	s.checkpoint()
}

// weights exposes the normalized arm means for diagnostics.
func (s *Selector) weights() map[string]float64 {
	out := make(map[string]float64, len(Arms))
	var lo float64
	for _, m := range s.state.Means {
		if m < lo {
			lo = m
		}
	}
	var total float64
	shifted := make([]float64, len(Arms))
	for i, m := range s.state.Means {
		shifted[i] = m - lo
		total += shifted[i]
	}
	for i, arm := range Arms {
		if total > 0 {
			out[arm] = shifted[i] / total
		} else {
			out[arm] = 1.0 / float64(len(Arms))
		}
	}
	return out
}

// Snapshot returns a copy of the persisted state.
func (s *Selector) Snapshot() State {
	out := State{
		Counts:    append([]int64(nil), s.state.Counts...),
		Means:     append([]float64(nil), s.state.Means...),
		Variances: append([]float64(nil), s.state.Variances...),
		UpdatedAt: s.state.UpdatedAt,
	}
	return out
}

func (s *Selector) load(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("parse checkpoint: %w", err)
	}
	if len(st.Counts) != len(Arms) || len(st.Means) != len(Arms) || len(st.Variances) != len(Arms) {
		return fmt.Errorf("checkpoint arm count mismatch: %d counts, want %d", len(st.Counts), len(Arms))
	}
	s.state = st
	return nil
}

// checkpoint persists the state atomically: write to a temp file in the same
// directory, fsync, then rename over the target.
func (s *Selector) checkpoint() {
	if s.cfg.CheckpointPath == "" {
		return
	}
	s.state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	b, err := json.Marshal(s.state)
	if err != nil {
		log.Error().Err(err).Msg("bandit checkpoint marshal failed")
		return
	}
	dir := filepath.Dir(s.cfg.CheckpointPath)
	tmp, err := os.CreateTemp(dir, ".bandit-*.tmp")
	if err != nil {
		log.Error().Err(err).Msg("bandit checkpoint temp file failed")
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		log.Error().Err(err).Msg("bandit checkpoint write failed")
		return
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		log.Error().Err(err).Msg("bandit checkpoint sync failed")
		return
	}
	if err := tmp.Close(); err != nil {
		log.Error().Err(err).Msg("bandit checkpoint close failed")
		return
	}
	if err := os.Rename(tmp.Name(), s.cfg.CheckpointPath); err != nil {
		log.Error().Err(err).Msg("bandit checkpoint rename failed")
	}
}
