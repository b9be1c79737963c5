package model

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(t *testing.T, dir, name string, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func writeArtifacts(t *testing.T, dir string) string {
	t.Helper()
	writeJSON(t, dir, "features.json", map[string]any{
		"feature_columns": []string{"mom_1", "mr_z"},
	})
	writeJSON(t, dir, "model.json", map[string]any{
		"weights":    [][]float64{{-2, 0}, {0, 0}, {2, 0}},
		"intercepts": []float64{0, 0, 0},
	})
	return writeJSON(t, dir, "LATEST.json", map[string]any{
		"meta_classifier": "model.json",
		"feature_columns": "features.json",
		"calibration":     map[string]float64{"a": 0.0, "b": 0.5, "band_bps": 5},
		"feature_dim":     2,
		"git_commit":      "deadbeef",
		"trained_at_utc":  "2026-01-01T00:00:00Z",
	})
}

func TestLoadAndInfer(t *testing.T) {
	dir := t.TempDir()
	rt := Load(writeArtifacts(t, dir))
	require.False(t, rt.Degraded())
	require.Equal(t, []string{"mom_1", "mr_z"}, rt.Schema)

	p := rt.Infer([]float64{1.0, 0.0})
	assert.InDelta(t, 1.0, p.PDown+p.PNeutral+p.PUp, 1e-6)
	assert.Greater(t, p.PUp, p.PDown)
	assert.InDelta(t, p.PUp-p.PDown, p.SModel, 1e-9)
	// calibrated bps = 1e4 * (a + b*s)
	assert.InDelta(t, 10000*0.5*p.SModel, p.CalBps(), 1e-6)
}

func TestDeterministicReplay(t *testing.T) {
	dir := t.TempDir()
	rt := Load(writeArtifacts(t, dir))
	x := []float64{0.3, -1.2}
	p1 := rt.Infer(x)
	p2 := rt.Infer(x)
	assert.Equal(t, p1, p2)
}

func TestMissingModelDegradesNeutral(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, dir, "features.json", []string{"mom_1"})
	manifest := writeJSON(t, dir, "LATEST.json", map[string]any{
		"meta_classifier": "nope.json",
		"feature_columns": "features.json",
	})
	rt := Load(manifest)
	require.True(t, rt.Degraded())
	p := rt.Infer([]float64{5})
	assert.Equal(t, 0.33, p.PDown)
	assert.Equal(t, 0.34, p.PNeutral)
	assert.Equal(t, 0.33, p.PUp)
	assert.Zero(t, p.SModel)
}

func TestMissingManifestDegradesNeutral(t *testing.T) {
	rt := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.True(t, rt.Degraded())
	assert.Zero(t, rt.Infer(nil).SModel)
}

func TestRawListSchema(t *testing.T) {
	dir := t.TempDir()
	path := writeJSON(t, dir, "features.json", []string{"a", "b", "c"})
	schema, err := loadSchema(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, schema)
}

func TestPlattCalibratorChain(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, dir, "features.json", []string{"mom_1", "mr_z"})
	writeJSON(t, dir, "model.json", map[string]any{
		"weights":    [][]float64{{-2, 0}, {0, 0}, {2, 0}},
		"intercepts": []float64{0, 0, 0},
	})
	writeJSON(t, dir, "calibrator.json", map[string]any{
		"kind": "platt", "platt_a": 0.0, "platt_b": 0.5,
	})
	manifest := writeJSON(t, dir, "LATEST.json", map[string]any{
		"meta_classifier": "model.json",
		"calibrator":      "calibrator.json",
		"feature_columns": "features.json",
	})
	rt := Load(manifest)
	require.False(t, rt.Degraded())
	p := rt.Infer([]float64{1.0, 0.0})
	assert.InDelta(t, 1.0, p.PDown+p.PNeutral+p.PUp, 1e-6)
	// platt with b=0.5 shrinks the raw score but keeps its sign
	assert.Greater(t, p.SModel, 0.0)
}
