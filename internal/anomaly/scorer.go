package anomaly

import (
	"errors"
	"fmt"
	"math"

	"github.com/1sec-project/tailguard/internal/metrics"
	"github.com/rs/zerolog"
)

// Config controls model loading and score calibration.
type Config struct {
	ModelPath           string  `yaml:"model_path"`
	Threshold           float64 `yaml:"threshold"`
	Slope               float64 `yaml:"slope"`
	PatternFloor        float64 `yaml:"pattern_floor"`
	SuppressOnSignature bool    `yaml:"suppress_on_signature"`
}

func DefaultConfig() Config {
	return Config{
		ModelPath:           "models/anomaly_model.json",
		Threshold:           0.6,
		Slope:               10,
		PatternFloor:        0.75,
		SuppressOnSignature: true,
	}
}

func (c Config) Validate() error {
	if c.Threshold <= 0 || c.Threshold >= 1 {
		return errors.New("anomaly.threshold must be within (0,1)")
	}
	if c.Slope <= 0 {
		return errors.New("anomaly.slope must be > 0")
	}
	if c.PatternFloor < 0 || c.PatternFloor > 1 {
		return errors.New("anomaly.pattern_floor must be within [0,1]")
	}
	return nil
}

// Scorer maps feature vectors to a calibrated anomaly score. Without a
// model it is disabled and every call returns (false, 0).
type Scorer struct {
	model   *Model
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewScorer loads the model at cfg.ModelPath. A missing or invalid artifact
// is not an error: the scorer comes up disabled and logs why.
func NewScorer(cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Scorer {
	s := &Scorer{
		cfg:     cfg,
		logger:  logger.With().Str("component", "anomaly").Logger(),
		metrics: m,
	}
	model, err := LoadModel(cfg.ModelPath)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", cfg.ModelPath).Msg("anomaly scoring disabled")
		return s
	}
	s.model = model
	s.logger.Info().
		Str("path", cfg.ModelPath).
		Int("trees", len(model.Forest.Trees)).
		Msg("anomaly model loaded")
	return s
}

// NewScorerWithModel builds an enabled scorer around an in-memory model.
func NewScorerWithModel(cfg Config, model *Model, logger zerolog.Logger, m *metrics.Metrics) (*Scorer, error) {
	if model == nil {
		return nil, ErrModelUnavailable
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return &Scorer{
		model:   model,
		cfg:     cfg,
		logger:  logger.With().Str("component", "anomaly").Logger(),
		metrics: m,
	}, nil
}

// Enabled reports whether a model is loaded.
func (s *Scorer) Enabled() bool {
	return s != nil && s.model != nil
}

// Score evaluates f. Any pattern-family hit floors the score at the
// configured value and forces an anomaly; otherwise the line is anomalous
// when the forest calls it an outlier or the score exceeds the threshold.
func (s *Scorer) Score(f Features) (bool, float64) {
	if !s.Enabled() {
		return false, 0
	}
	decision := s.model.Decision(s.model.Standardize(f))
	score := 1 / (1 + math.Exp(s.cfg.Slope*decision))

	var anomalous bool
	if f.PatternHits() {
		score = math.Max(score, s.cfg.PatternFloor)
		anomalous = true
	} else {
		anomalous = decision < 0 || score > s.cfg.Threshold
	}
	s.metrics.ObserveScore(score)
	return anomalous, score
}

// ScoreLine extracts features from line and scores them.
func (s *Scorer) ScoreLine(line string) (bool, float64) {
	if !s.Enabled() {
		return false, 0
	}
	return s.Score(Extract(line))
}
