package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/1sec-project/tailguard/internal/alert"
	"github.com/1sec-project/tailguard/internal/anomaly"
	"github.com/1sec-project/tailguard/internal/detect"
	"github.com/1sec-project/tailguard/internal/feed"
	"github.com/1sec-project/tailguard/internal/metrics"
	"github.com/1sec-project/tailguard/internal/normalize"
	"github.com/1sec-project/tailguard/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Feed is the consumer side of the encrypted store.
type Feed interface {
	Read() (feed.Batch, error)
	Commit(end int64) error
	Wake() <-chan struct{}
}

// AlertStore is the query side of the alert store.
type AlertStore interface {
	RecentAlerts(ctx context.Context, limit int, attackType string) ([]store.Alert, error)
	Alert(ctx context.Context, id int64) (store.Alert, error)
	StatsByType(ctx context.Context, days int) (map[string]int64, error)
	TopAttackers(ctx context.Context, limit int) ([]store.Attacker, error)
	AttackTimeline(ctx context.Context, hours int) ([]store.TimelineBucket, error)
	GeoAggregate(ctx context.Context) ([]store.GeoPoint, error)
}

// Components are the collaborators the engine drives. Scorer and Bus may be
// nil.
type Components struct {
	Feed    Feed
	Chain   *detect.Chain
	Scorer  *anomaly.Scorer
	Alerts  *alert.Manager
	Store   AlertStore
	Bus     *EventBus
	Metrics *metrics.Metrics
}

// State is the engine lifecycle state.
type State int

const (
	StateStopped State = iota
	StateRunning
	// StateStopping means Stop timed out and the loop has not exited yet.
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// ErrStopPending is returned by Start while a loop from an earlier run is
// still finishing its cycle.
var ErrStopPending = errors.New("previous engine loop has not exited")

// Statistics is the payload of stats_update.
type Statistics struct {
	ByType map[string]int64 `json:"by_type"`
	Total  int64            `json:"total"`
	TopIPs []store.Attacker `json:"top_ips"`
}

// Engine runs the detection loop: read pending records, score and classify
// each line, persist alerts, publish events, commit.
type Engine struct {
	cfg     *Config
	feed    Feed
	chain   *detect.Chain
	scorer  *anomaly.Scorer
	alerts  *alert.Manager
	store   AlertStore
	bus     *EventBus
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	state  State
	runID  string
	cancel context.CancelFunc
	done   chan struct{}

	unavailableLogged bool
}

// NewEngine wires the components into an engine. It does not start it.
func NewEngine(cfg *Config, c Components, logger zerolog.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	switch {
	case c.Feed == nil:
		return nil, errors.New("engine requires a feed")
	case c.Chain == nil:
		return nil, errors.New("engine requires a detector chain")
	case c.Alerts == nil:
		return nil, errors.New("engine requires an alert manager")
	case c.Store == nil:
		return nil, errors.New("engine requires an alert store")
	}
	bus := c.Bus
	if bus == nil {
		bus = NewEventBus(logger, c.Metrics)
	}
	return &Engine{
		cfg:     cfg,
		feed:    c.Feed,
		chain:   c.Chain,
		scorer:  c.Scorer,
		alerts:  c.Alerts,
		store:   c.Store,
		bus:     bus,
		metrics: c.Metrics,
		logger:  logger.With().Str("component", "engine").Logger(),
		now:     time.Now,
	}, nil
}

// Subscribe registers fn for event on the engine's bus.
func (e *Engine) Subscribe(event string, fn Handler) {
	e.bus.On(event, fn)
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *EventBus {
	return e.bus
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settle()
	return e.state
}

// Start launches the loop. Starting a running engine is a no-op.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settle()
	switch e.state {
	case StateRunning:
		return nil
	case StateStopping:
		return ErrStopPending
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.runID = uuid.NewString()
	e.state = StateRunning
	e.logger.Info().Str("run_id", e.runID).Msg("engine started")
	go e.run(ctx, e.done)
	return nil
}

// Stop signals the loop and waits up to engine.stop_timeout for the current
// cycle to finish. On timeout the engine stays in StateStopping and a later
// Stop waits again. Stopping a stopped engine is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	e.settle()
	if e.state == StateStopped {
		e.mu.Unlock()
		return nil
	}
	e.state = StateStopping
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	select {
	case <-done:
		e.mu.Lock()
		e.settle()
		e.mu.Unlock()
		e.logger.Info().Msg("engine stopped")
		return nil
	case <-time.After(e.cfg.Engine.StopTimeout):
		return fmt.Errorf("engine loop did not stop within %s", e.cfg.Engine.StopTimeout)
	}
}

// settle moves a stopping engine to stopped once its loop has exited.
// Callers hold e.mu.
func (e *Engine) settle() {
	if e.state != StateStopping {
		return
	}
	select {
	case <-e.done:
		e.state = StateStopped
	default:
	}
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	every := e.cfg.Detectors.BruteForce.SweepInterval
	if every <= 0 {
		every = time.Minute
	}
	sweep := time.NewTicker(every)
	defer sweep.Stop()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			e.sweep()
			continue
		case <-timer.C:
		case <-e.feed.Wake():
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		e.cycle(ctx)
		timer.Reset(e.cfg.Feed.PollInterval)
	}
}

func (e *Engine) sweep() {
	n := e.chain.Sweep(e.now())
	for _, d := range e.chain.Detectors() {
		if bf, ok := d.(*detect.BruteForceDetector); ok {
			e.metrics.SetBruteForceSources(bf.Sources())
		}
	}
	if n > 0 {
		e.logger.Debug().Int("dropped", n).Msg("swept idle detector state")
	}
}

// cycle processes everything currently pending in the store. A persistence
// failure stops the batch; lines before the failing one are committed, the
// failing line and the rest are read again next cycle.
func (e *Engine) cycle(ctx context.Context) {
	batch, err := e.feed.Read()
	if errors.Is(err, feed.ErrStoreUnavailable) {
		if !e.unavailableLogged {
			e.logger.Info().Msg("waiting for encrypted store")
			e.unavailableLogged = true
		}
		return
	}
	e.unavailableLogged = false
	if err != nil {
		e.logger.Error().Err(err).Msg("reading encrypted store")
		return
	}

	commit := batch.End
	for i, line := range batch.Lines {
		if ctx.Err() != nil {
			commit = lastEnd(batch.Lines, i)
			break
		}
		if err := e.ProcessLine(ctx, line.Text); err != nil {
			e.metrics.PersistenceFailed()
			e.logger.Error().Err(err).Msg("alert persistence failed, will retry the remaining lines")
			commit = lastEnd(batch.Lines, i)
			break
		}
	}
	if commit < 0 {
		return
	}
	if err := e.feed.Commit(commit); err != nil {
		e.logger.Error().Err(err).Int64("offset", commit).Msg("committing store offset")
	}
}

// lastEnd is the commit point after lines[:i] were processed, or -1 when
// nothing was.
func lastEnd(lines []feed.Line, i int) int64 {
	if i == 0 {
		return -1
	}
	return lines[i-1].End
}

// ProcessLine runs one plaintext line through the scorer, the detector
// chain and the alert manager. Only persistence failures are returned; any
// other fault is logged and the line counts as processed.
func (e *Engine) ProcessLine(ctx context.Context, text string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error().Interface("panic", rec).Msg("line processing panic recovered")
			err = nil
		}
	}()
	e.metrics.LineProcessed()

	in := detect.NewInput(text, normalize.Text(text))
	anomalous, score := false, 0.0
	if e.scorer.Enabled() {
		anomalous, score = e.scorer.ScoreLine(text)
		in.Score, in.Scored = score, true
	}

	res := e.chain.Run(ctx, in)
	if res.Matched {
		a, err := e.alerts.Raise(ctx, res.AttackType, res.Evidence, text, nil, 1)
		if err != nil {
			return err
		}
		e.publish(ctx, a, text)
	}

	if anomalous && !(res.Matched && e.cfg.Anomaly.SuppressOnSignature) {
		s := score
		a, err := e.alerts.Raise(ctx, detect.AttackAnomaly,
			[]string{fmt.Sprintf("anomaly_score:%.3f", score)}, text, &s, score)
		if err != nil {
			return err
		}
		e.publish(ctx, a, text)
	}
	return nil
}

// publish emits the persisted row for a, so subscribers see the same shape
// RecentAlerts returns.
func (e *Engine) publish(ctx context.Context, a alert.Alert, line string) {
	row, err := e.store.Alert(ctx, a.ID)
	if err != nil {
		e.logger.Warn().Err(err).Int64("id", a.ID).Msg("re-reading alert, publishing in-memory copy")
		row = rowFromAlert(a, line)
	}
	e.bus.Emit(EventNewAlert, row)
	stats, err := e.Statistics(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("computing statistics")
		return
	}
	e.bus.Emit(EventStatsUpdate, stats)
}

func rowFromAlert(a alert.Alert, line string) store.Alert {
	country, city := a.Location.Country, a.Location.City
	row := store.Alert{
		ID:         a.ID,
		Timestamp:  a.Timestamp.UTC().Format(store.TimeLayout),
		AttackType: string(a.AttackType),
		Severity:   a.Severity.String(),
		Pattern:    a.Pattern,
		SourceIP:   a.SourceIP,
		Country:    &country,
		City:       &city,
		LogLine:    strings.TrimSpace(line),
		MLScore:    a.MLScore,
		Confidence: a.Confidence,
	}
	if a.Location.HasCoords {
		lat, lon := a.Location.Latitude, a.Location.Longitude
		row.Latitude, row.Longitude = &lat, &lon
	}
	return row
}

// Statistics summarizes the configured stats window.
func (e *Engine) Statistics(ctx context.Context) (Statistics, error) {
	byType, err := e.store.StatsByType(ctx, e.cfg.Engine.StatsDays)
	if err != nil {
		return Statistics{}, err
	}
	var total int64
	for _, n := range byType {
		total += n
	}
	top, err := e.store.TopAttackers(ctx, e.cfg.Engine.TopIPs)
	if err != nil {
		return Statistics{}, err
	}
	return Statistics{ByType: byType, Total: total, TopIPs: top}, nil
}

func (e *Engine) RecentAlerts(ctx context.Context, limit int, attackType string) ([]store.Alert, error) {
	return e.store.RecentAlerts(ctx, limit, attackType)
}

func (e *Engine) StatsByType(ctx context.Context, days int) (map[string]int64, error) {
	return e.store.StatsByType(ctx, days)
}

func (e *Engine) TopAttackers(ctx context.Context, limit int) ([]store.Attacker, error) {
	return e.store.TopAttackers(ctx, limit)
}

func (e *Engine) AttackTimeline(ctx context.Context, hours int) ([]store.TimelineBucket, error) {
	return e.store.AttackTimeline(ctx, hours)
}

func (e *Engine) GeoData(ctx context.Context) ([]store.GeoPoint, error) {
	return e.store.GeoAggregate(ctx)
}
