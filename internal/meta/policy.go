package meta

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/bytevantage/optionflow/internal/models"
)

// Policy maps a feature vector deterministically to a raw nine-dim
// allocation. The cap/renormalize pass happens outside the policy.
type Policy interface {
	Infer(features FeatureVector) [models.NumMetaGroups]float64
	Version() string
}

// policyArtifact is the on-disk format: the frozen actor exported as a
// linear head (weights 9x35 plus bias) after training.
type policyArtifact struct {
	Version string      `json:"version"`
	Weights [][]float64 `json:"weights"`
	Bias    []float64   `json:"bias"`
}

// LinearPolicy is the deterministic frozen actor.
type LinearPolicy struct {
	version string
	weights [models.NumMetaGroups][FeatureDim]float64
	bias    [models.NumMetaGroups]float64
}

// LoadPolicy reads the policy artifact. A missing file returns (nil, nil)
// and callers fall back to uniform allocations; a corrupt file is an error
// the engine treats as fatal at startup.
func LoadPolicy(path string) (*LinearPolicy, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-provided artifact path
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading policy artifact %q: %w", path, err)
	}

	var artifact policyArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("policy artifact %q is corrupt: %w", path, err)
	}
	if len(artifact.Weights) != models.NumMetaGroups || len(artifact.Bias) != models.NumMetaGroups {
		return nil, fmt.Errorf("policy artifact %q has wrong output dim: want %d rows", path, models.NumMetaGroups)
	}

	p := &LinearPolicy{version: artifact.Version}
	for i, row := range artifact.Weights {
		if len(row) != FeatureDim {
			return nil, fmt.Errorf("policy artifact %q row %d has %d features, want %d", path, i, len(row), FeatureDim)
		}
		copy(p.weights[i][:], row)
		p.bias[i] = artifact.Bias[i]
	}
	return p, nil
}

// Version implements Policy.
func (p *LinearPolicy) Version() string { return p.version }

// Infer implements Policy: a linear head followed by softmax, so the raw
// output is a positive vector summing to one before capping.
func (p *LinearPolicy) Infer(features FeatureVector) [models.NumMetaGroups]float64 {
	var logits [models.NumMetaGroups]float64
	for i := 0; i < models.NumMetaGroups; i++ {
		sum := p.bias[i]
		for j := 0; j < FeatureDim; j++ {
			sum += p.weights[i][j] * features[j]
		}
		logits[i] = sum
	}
	return softmax(logits)
}

func softmax(logits [models.NumMetaGroups]float64) [models.NumMetaGroups]float64 {
	maxLogit := logits[0]
	for _, l := range logits[1:] {
		if l > maxLogit {
			maxLogit = l
		}
	}
	var out [models.NumMetaGroups]float64
	var total float64
	for i, l := range logits {
		out[i] = math.Exp(l - maxLogit)
		total += out[i]
	}
	for i := range out {
		out[i] /= total
	}
	return out
}
