package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/1sec-project/tailguard/internal/metrics"
	"github.com/rs/zerolog"
)

// Chain runs detectors in a fixed order and stops at the first match.
type Chain struct {
	detectors []Detector
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

func NewChain(logger zerolog.Logger, m *metrics.Metrics, detectors ...Detector) *Chain {
	return &Chain{
		detectors: detectors,
		logger:    logger.With().Str("component", "detect").Logger(),
		metrics:   m,
	}
}

// Detectors returns the detectors in evaluation order.
func (c *Chain) Detectors() []Detector {
	return c.detectors
}

// Run evaluates in against each detector in order and returns the first
// match with that detector's full evidence list. A detector that errors or
// panics is logged, counted and skipped.
func (c *Chain) Run(ctx context.Context, in Input) Result {
	for _, d := range c.detectors {
		res, err := c.safeDetect(ctx, d, in)
		if err != nil {
			c.logger.Error().Err(err).
				Str("detector", d.Name()).
				Msg("detector failed, continuing chain")
			c.metrics.DetectorFaulted(d.Name())
			continue
		}
		if res.Matched {
			if res.Detector == "" {
				res.Detector = d.Name()
			}
			c.metrics.DetectorMatched(d.Name())
			return res
		}
	}
	return NoMatch
}

// safeDetect calls d.Detect inside a recover() so a panicking detector
// cannot take the engine loop down with it.
func (c *Chain) safeDetect(ctx context.Context, d Detector, in Input) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = NoMatch
			err = fmt.Errorf("%w: %s: %v", ErrDetectorFault, d.Name(), rec)
		}
	}()
	return d.Detect(ctx, in)
}

// Sweep prunes idle per-source state in every detector that keeps any and
// returns the total number of entries dropped.
func (c *Chain) Sweep(now time.Time) int {
	n := 0
	for _, d := range c.detectors {
		if s, ok := d.(Sweeper); ok {
			n += s.Sweep(now)
		}
	}
	return n
}

// NewDefaultChain builds the standard detector order: the injection
// families, CSRF, upload, brute force, scanner fingerprinting and finally
// IP reputation, the only detector that may block on the network. rep may
// be nil, in which case reputation never matches.
func NewDefaultChain(cfg Config, rep ReputationSource, logger zerolog.Logger, m *metrics.Metrics, bfOpts ...BruteForceOption) (*Chain, *BruteForceDetector, error) {
	bf, err := NewBruteForceDetector(cfg.BruteForce, bfOpts...)
	if err != nil {
		return nil, nil, err
	}
	detectors := []Detector{
		NewSQLiDetector(),
		NewXSSDetector(),
		NewCRLFDetector(),
		NewCommandDetector(),
		NewTraversalDetector(),
		NewNoSQLDetector(),
		NewCSRFDetector(cfg.CSRF),
		NewUploadDetector(cfg.Upload),
		bf,
		NewScannerDetector(cfg.Scanner),
	}
	if cfg.Reputation.Enabled && rep != nil {
		detectors = append(detectors, NewReputationDetector(cfg.Reputation, rep, logger))
	}
	return NewChain(logger, m, detectors...), bf, nil
}
