package bandit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allArms(v float64) map[string]float64 {
	out := map[string]float64{}
	for _, a := range Arms {
		out[a] = v
	}
	return out
}

func TestGreedyPicksBestMean(t *testing.T) {
	s := New(Config{Epsilon: 0}, 1)
	// teach it that model_meta pays
	for i := 0; i < 5; i++ {
		s.lastArm = 2
		s.lastSignal = 1
		s.hasLast = true
		s.Update(10, true)
	}
	arm, _ := s.Select(allArms(0.5))
	assert.Equal(t, ArmModelMeta, arm)
}

func TestIneligibleArmsExcluded(t *testing.T) {
	s := New(Config{Epsilon: 0}, 1)
	arm, _ := s.Select(map[string]float64{ArmAmateurs: 0.2})
	assert.Equal(t, ArmAmateurs, arm)

	arm, _ = s.Select(map[string]float64{})
	assert.Equal(t, "", arm)
}

func TestRewardSkippedWhenLastArmIneligible(t *testing.T) {
	s := New(Config{Epsilon: 0}, 1)
	_, _ = s.Select(allArms(1))
	s.Update(100, false) // last arm produced no signal this bar: skip
	for _, c := range s.Snapshot().Counts {
		assert.Zero(t, c)
	}
}

func TestRewardIsReturnTimesSignal(t *testing.T) {
	s := New(Config{Epsilon: 0}, 1)
	_, _ = s.Select(map[string]float64{ArmPros: 0.5})
	s.Update(20, true)

	st := s.Snapshot()
	require.Equal(t, int64(1), st.Counts[0])
	assert.InDelta(t, 10.0, st.Means[0], 1e-9) // 20 bps * 0.5
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bandit_state.json")
	s := New(Config{Epsilon: 0, CheckpointPath: path}, 1)
	_, _ = s.Select(map[string]float64{ArmModelBMA: 1})
	s.Update(15, true)

	// checkpoint exists and carries the four-arm shape
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var st State
	require.NoError(t, json.Unmarshal(b, &st))
	require.Len(t, st.Counts, 4)
	assert.NotEmpty(t, st.UpdatedAt)

	// a fresh selector resumes from the checkpoint
	s2 := New(Config{Epsilon: 0, CheckpointPath: path}, 2)
	assert.Equal(t, s.Snapshot().Means, s2.Snapshot().Means)
	assert.Equal(t, int64(1), s2.Snapshot().Counts[3])
}

func TestCorruptCheckpointStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bandit_state.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))
	s := New(Config{CheckpointPath: path}, 1)
	for _, c := range s.Snapshot().Counts {
		assert.Zero(t, c)
	}
}

func TestWeightsNormalized(t *testing.T) {
	s := New(Config{Epsilon: 0}, 1)
	_, w := s.Select(allArms(1))
	sum := 0.0
	for _, v := range w {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}
