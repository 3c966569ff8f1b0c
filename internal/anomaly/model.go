package anomaly

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-json"
)

// ErrModelUnavailable is returned when the model artifact is missing or
// cannot be used.
var ErrModelUnavailable = errors.New("anomaly model unavailable")

const eulerGamma = 0.5772156649

// Model is a standard scaler followed by an isolation forest, exported from
// the offline trainer as one JSON document. It is immutable once loaded and
// safe for concurrent use.
type Model struct {
	Scaler Scaler `json:"scaler"`
	Forest Forest `json:"forest"`
}

type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

type Forest struct {
	MaxSamples int     `json:"max_samples"`
	Offset     float64 `json:"offset"`
	Trees      []Tree  `json:"trees"`
}

// Tree is a flattened isolation tree; Nodes[0] is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Node is either a split (samples with x[Feature] <= Threshold go Left) or
// a leaf holding Size training samples.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Leaf      bool    `json:"leaf"`
	Size      int     `json:"size"`
}

// LoadModel reads and validates a model artifact.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s not found", ErrModelUnavailable, path)
		}
		return nil, fmt.Errorf("reading model %s: %w", path, err)
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrModelUnavailable, path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return &m, nil
}

// Validate checks dimensions and tree structure so that evaluation can
// never index out of range.
func (m *Model) Validate() error {
	if len(m.Scaler.Mean) != NumFeatures || len(m.Scaler.Scale) != NumFeatures {
		return fmt.Errorf("scaler has %d/%d dimensions, want %d",
			len(m.Scaler.Mean), len(m.Scaler.Scale), NumFeatures)
	}
	if m.Forest.MaxSamples < 2 {
		return errors.New("forest max_samples must be >= 2")
	}
	if len(m.Forest.Trees) == 0 {
		return errors.New("forest has no trees")
	}
	for ti, t := range m.Forest.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= NumFeatures {
				return fmt.Errorf("tree %d node %d: feature %d out of range", ti, ni, n.Feature)
			}
			// Children must come after their parent, which also rules out cycles.
			if n.Left <= ni || n.Left >= len(t.Nodes) || n.Right <= ni || n.Right >= len(t.Nodes) {
				return fmt.Errorf("tree %d node %d: bad child index", ti, ni)
			}
		}
	}
	return nil
}

// Standardize applies the scaler. A zero scale is treated as 1.
func (m *Model) Standardize(f Features) Features {
	var out Features
	for i := range f {
		s := m.Scaler.Scale[i]
		if s == 0 {
			s = 1
		}
		out[i] = (f[i] - m.Scaler.Mean[i]) / s
	}
	return out
}

// Decision returns the isolation-forest decision value for an already
// standardized vector: positive for typical inputs, negative for outliers.
func (m *Model) Decision(x Features) float64 {
	var total float64
	for _, t := range m.Forest.Trees {
		total += t.pathLength(x)
	}
	mean := total / float64(len(m.Forest.Trees))
	scoreSamples := -math.Pow(2, -mean/averagePathLength(m.Forest.MaxSamples))
	return scoreSamples - m.Forest.Offset
}

func (t Tree) pathLength(x Features) float64 {
	i, depth := 0, 0
	for {
		n := t.Nodes[i]
		if n.Leaf {
			return float64(depth) + averagePathLength(n.Size)
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// search in a binary search tree of n items.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}
