// Package model loads the frozen classifier artifact set and serves 3-class
// probability predictions. Any load failure degrades to a neutral predictor
// with a single startup warning; inference itself never fails.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/quantfold/internal/domain"
)

// Manifest describes one trained artifact set. Loaded from LATEST.json or a
// versioned manifest.json next to the artifacts.
type Manifest struct {
	MetaClassifier string      `json:"meta_classifier"`
	Calibrator     string      `json:"calibrator"` // empty or null disables
	FeatureColumns string      `json:"feature_columns"`
	Calibration    Calibration `json:"calibration"`
	FeatureDim     int         `json:"feature_dim"`
	GitCommit      string      `json:"git_commit"`
	TrainedAtUTC   string      `json:"trained_at_utc"`
}

// Calibration maps the model score to basis points: 1e4 * (a + b*s).
type Calibration struct {
	A       float64 `json:"a"`
	B       float64 `json:"b"`
	BandBps float64 `json:"band_bps"`
}

// Predictor maps a schema-ordered feature vector to a 3-class distribution.
type Predictor interface {
	Infer(x []float64) domain.Prediction
}

// Runtime is the loaded artifact set plus its feature schema.
type Runtime struct {
	Schema      []string
	Calibration Calibration
	predictor   Predictor
	degraded    bool
}

// Degraded reports whether the runtime fell back to the neutral predictor.
func (r *Runtime) Degraded() bool { return r.degraded }

// Infer delegates to the loaded backend.
func (r *Runtime) Infer(x []float64) domain.Prediction { return r.predictor.Infer(x) }

// Load reads the manifest and constructs the runtime. Artifact paths are
// resolved relative to the manifest's directory. A broken artifact never
// fails Load: the runtime degrades to neutral and logs one warning.
func Load(manifestPath string) *Runtime {
	b, err := os.ReadFile(manifestPath)
	if err != nil {
		log.Warn().Err(err).Str("path", manifestPath).
			Msg("manifest unreadable, degrading to neutral predictor")
		return NewNeutral(nil, Calibration{})
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		log.Warn().Err(err).Str("path", manifestPath).
			Msg("manifest unparsable, degrading to neutral predictor")
		return NewNeutral(nil, Calibration{})
	}
	dir := filepath.Dir(manifestPath)

	schema, err := loadSchema(resolve(dir, m.FeatureColumns))
	if err != nil {
		log.Warn().Err(err).Str("path", m.FeatureColumns).
			Msg("feature schema unreadable, degrading to neutral predictor")
		return NewNeutral(nil, m.Calibration)
	}
	if m.FeatureDim > 0 && len(schema) > 0 && len(schema) != m.FeatureDim {
		log.Warn().Int("schema_len", len(schema)).Int("feature_dim", m.FeatureDim).
			Msg("feature schema length does not match manifest feature_dim")
	}

	rt := &Runtime{Schema: schema, Calibration: m.Calibration}

	pred, err := loadLinearSoftmax(resolve(dir, m.MetaClassifier), len(schema))
	if err != nil {
		log.Warn().Err(err).Str("path", m.MetaClassifier).
			Msg("model load failed, degrading to neutral predictor")
		rt.predictor = neutralPredictor{cal: m.Calibration}
		rt.degraded = true
		return rt
	}

	if m.Calibrator != "" {
		cal, err := loadCalibrator(resolve(dir, m.Calibrator))
		if err != nil {
			log.Warn().Err(err).Str("path", m.Calibrator).
				Msg("calibrator load failed, using raw probabilities")
		} else {
			pred.calibrator = cal
		}
	}
	pred.cal = m.Calibration
	rt.predictor = pred
	return rt
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// loadSchema accepts either {"feature_columns": [...]} or a raw JSON list.
func loadSchema(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var wrapped struct {
		FeatureColumns []string `json:"feature_columns"`
	}
	if err := json.Unmarshal(b, &wrapped); err == nil && len(wrapped.FeatureColumns) > 0 {
		return wrapped.FeatureColumns, nil
	}
	var raw []string
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("schema file %s is neither wrapped nor a raw list: %w", path, err)
	}
	return raw, nil
}

// linearSoftmax is the shipped backend: a 3-class linear model with softmax
// output, stored as JSON weights.
type linearSoftmax struct {
	Weights    [3][]float64 `json:"weights"` // rows: down, neutral, up
	Intercepts [3]float64   `json:"intercepts"`

	calibrator *calibrator
	cal        Calibration
}

func loadLinearSoftmax(path string, dim int) (*linearSoftmax, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m linearSoftmax
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for i := range m.Weights {
		if dim > 0 && len(m.Weights[i]) != dim {
			return nil, fmt.Errorf("weight row %d has %d columns, want %d", i, len(m.Weights[i]), dim)
		}
	}
	return &m, nil
}

// Infer computes the softmax distribution and applies the calibrator chain:
// first to probabilities, then to features, in that order.
func (m *linearSoftmax) Infer(x []float64) domain.Prediction {
	var z [3]float64
	for i := 0; i < 3; i++ {
		z[i] = m.Intercepts[i]
		n := len(m.Weights[i])
		if len(x) < n {
			n = len(x)
		}
		for j := 0; j < n; j++ {
			z[i] += m.Weights[i][j] * x[j]
		}
	}
	p := softmax(z)

	if m.calibrator != nil {
		if q, ok := m.calibrator.applyToProbs(p); ok {
			p = q
		} else if q, ok := m.calibrator.applyToFeatures(x); ok {
			p = q
		}
	}

	return domain.Prediction{
		PDown:    p[0],
		PNeutral: p[1],
		PUp:      p[2],
		SModel:   p[2] - p[0],
		A:        m.cal.A,
		B:        m.cal.B,
	}
}

func softmax(z [3]float64) [3]float64 {
	max := z[0]
	for _, v := range z[1:] {
		if v > max {
			max = v
		}
	}
	var e [3]float64
	var sum float64
	for i, v := range z {
		e[i] = math.Exp(v - max)
		sum += e[i]
	}
	for i := range e {
		e[i] /= sum
	}
	return e
}

// calibrator reshapes raw probabilities. Two stages are attempted in order:
// a temperature/platt adjustment on the probabilities, then a linear pass
// over the original feature vector.
type calibrator struct {
	Kind string `json:"kind"` // "platt" | "feature_linear"

	// platt stage: rescales s = p_up - p_down through a sigmoid
	PlattA float64 `json:"platt_a"`
	PlattB float64 `json:"platt_b"`

	// feature_linear stage
	Weights    [3][]float64 `json:"weights"`
	Intercepts [3]float64   `json:"intercepts"`
}

func loadCalibrator(path string) (*calibrator, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c calibrator
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *calibrator) applyToProbs(p [3]float64) ([3]float64, bool) {
	if c.Kind != "platt" {
		return p, false
	}
	s := p[2] - p[0]
	adj := 1.0/(1.0+math.Exp(-(c.PlattA+c.PlattB*s)))*2.0 - 1.0 // back to [-1,1]
	// redistribute up/down mass around the unchanged neutral share
	active := p[0] + p[2]
	up := active * (1 + adj) / 2
	down := active - up
	return [3]float64{down, p[1], up}, true
}

func (c *calibrator) applyToFeatures(x []float64) ([3]float64, bool) {
	if c.Kind != "feature_linear" || len(c.Weights[0]) == 0 {
		return [3]float64{}, false
	}
	var z [3]float64
	for i := 0; i < 3; i++ {
		z[i] = c.Intercepts[i]
		n := len(c.Weights[i])
		if len(x) < n {
			n = len(x)
		}
		for j := 0; j < n; j++ {
			z[i] += c.Weights[i][j] * x[j]
		}
	}
	return softmax(z), true
}

// neutralPredictor is the degraded fallback: a fixed near-uniform
// distribution that produces no directional signal.
type neutralPredictor struct {
	cal Calibration
}

func (n neutralPredictor) Infer([]float64) domain.Prediction {
	return domain.Prediction{
		PDown:    0.33,
		PNeutral: 0.34,
		PUp:      0.33,
		SModel:   0,
		A:        n.cal.A,
		B:        n.cal.B,
	}
}

// NewNeutral builds a degraded runtime directly, for offline mode and tests.
func NewNeutral(schema []string, cal Calibration) *Runtime {
	return &Runtime{Schema: schema, Calibration: cal, predictor: neutralPredictor{cal: cal}, degraded: true}
}
