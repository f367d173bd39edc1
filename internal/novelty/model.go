package novelty

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Model is a versioned scoring artifact. Predict returns a score in [0,100] and the
// per-feature contribution in score points.
type Model interface {
	Version() string
	Predict(f Features) (float64, map[string]float64)
}

// LinearModel scores bias + sum(weight * feature), clamped to [0,1] and scaled to 100.
type LinearModel struct {
	ModelVersion string             `yaml:"version"`
	Bias         float64            `yaml:"bias"`
	Weights      map[string]float64 `yaml:"weights"`
}

// DefaultModel is the built-in artifact used when no model path is configured.
func DefaultModel() *LinearModel {
	return &LinearModel{
		ModelVersion: "linear-v1",
		Bias:         0.05,
		Weights: map[string]float64{
			FeatureMeanDistance: 0.70,
			FeatureIsRecent:     0.15,
			FeatureCPCBreadth:   0.10,
			FeatureRecency:      -0.10,
			FeatureCitations:    -0.05,
		},
	}
}

// LoadModel reads a linear model artifact from YAML.
func LoadModel(path string) (*LinearModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read novelty model: %w", err)
	}
	var m LinearModel
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse novelty model: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate rejects artifacts that are unversioned, name unknown features, or would make
// the score decrease as neighbour distance grows.
func (m *LinearModel) Validate() error {
	if m.ModelVersion == "" {
		return fmt.Errorf("novelty model: version is required")
	}
	known := make(map[string]bool, len(FeatureNames))
	for _, n := range FeatureNames {
		known[n] = true
	}
	for name := range m.Weights {
		if !known[name] {
			return fmt.Errorf("novelty model %s: unknown feature %q", m.ModelVersion, name)
		}
	}
	if m.Weights[FeatureMeanDistance] < 0 {
		return fmt.Errorf("novelty model %s: %s weight must be non-negative", m.ModelVersion, FeatureMeanDistance)
	}
	return nil
}

func (m *LinearModel) Version() string { return m.ModelVersion }

func (m *LinearModel) Predict(f Features) (float64, map[string]float64) {
	values := f.Values()
	breakdown := make(map[string]float64, len(FeatureNames)+1)
	sum := m.Bias
	breakdown["bias"] = m.Bias * 100
	for _, name := range FeatureNames {
		c := m.Weights[name] * values[name]
		sum += c
		breakdown[name] = c * 100
	}
	return clamp01(sum) * 100, breakdown
}
