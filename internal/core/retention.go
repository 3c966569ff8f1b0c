package core

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/1sec-project/tailguard/internal/store"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Purger deletes alerts and counters older than a number of days.
type Purger interface {
	PurgeOlderThan(ctx context.Context, days int) (store.PurgeResult, error)
}

// Retention runs the purge on a cron schedule.
type Retention struct {
	cron   *cron.Cron
	purger Purger
	days   atomic.Int64
	logger zerolog.Logger
}

func NewRetention(cfg RetentionConfig, p Purger, logger zerolog.Logger) (*Retention, error) {
	r := &Retention{
		cron:   cron.New(),
		purger: p,
		logger: logger.With().Str("component", "retention").Logger(),
	}
	r.days.Store(int64(cfg.Days))
	if _, err := r.cron.AddFunc(cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := r.RunNow(ctx); err != nil {
			r.logger.Error().Err(err).Msg("retention purge failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("scheduling retention %q: %w", cfg.Schedule, err)
	}
	return r, nil
}

// SetDays changes the retention window for subsequent runs.
func (r *Retention) SetDays(days int) {
	r.days.Store(int64(days))
}

func (r *Retention) Days() int {
	return int(r.days.Load())
}

// RunNow purges immediately.
func (r *Retention) RunNow(ctx context.Context) (store.PurgeResult, error) {
	days := r.Days()
	res, err := r.purger.PurgeOlderThan(ctx, days)
	if err != nil {
		return res, err
	}
	r.logger.Info().
		Int("days", days).
		Int64("alerts", res.Alerts).
		Int64("counters", res.Counters).
		Msg("retention purge complete")
	return res, nil
}

func (r *Retention) Start() {
	r.cron.Start()
}

// Stop stops the scheduler and waits for a running purge.
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}
