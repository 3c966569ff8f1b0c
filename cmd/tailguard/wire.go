package main

// ---------------------------------------------------------------------------
// wire.go: builds the collaborators the engine and commands share
// ---------------------------------------------------------------------------

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/1sec-project/tailguard/internal/alert"
	"github.com/1sec-project/tailguard/internal/anomaly"
	"github.com/1sec-project/tailguard/internal/atrest"
	"github.com/1sec-project/tailguard/internal/core"
	"github.com/1sec-project/tailguard/internal/detect"
	"github.com/1sec-project/tailguard/internal/feed"
	"github.com/1sec-project/tailguard/internal/intel"
	"github.com/1sec-project/tailguard/internal/metrics"
	"github.com/1sec-project/tailguard/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// codecFromConfig builds the at-rest cipher from the configured key.
func codecFromConfig(cfg *core.Config) (*atrest.Cipher, error) {
	if cfg.Feed.Key == "" {
		return nil, fmt.Errorf("no at-rest key: set feed.key or %s", core.EnvKey)
	}
	key, err := atrest.ParseKey(cfg.Feed.Key)
	if err != nil {
		return nil, err
	}
	return atrest.NewCipher(key)
}

// newDetection builds the detector chain and scorer. rep may be nil.
func newDetection(cfg *core.Config, rep detect.ReputationSource, logger zerolog.Logger, m *metrics.Metrics) (*detect.Chain, *anomaly.Scorer, error) {
	chain, _, err := detect.NewDefaultChain(cfg.Detectors, rep, logger, m)
	if err != nil {
		return nil, nil, fmt.Errorf("building detector chain: %w", err)
	}
	return chain, anomaly.NewScorer(cfg.Anomaly, logger, m), nil
}

// runtime holds everything `up` starts and must later close.
type runtime struct {
	cfg       *core.Config
	logger    zerolog.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	feed      *feed.Feed
	store     *store.Store
	audit     *alert.AuditLog
	engine    *core.Engine
	retention *core.Retention
	server    *http.Server
}

func buildRuntime(cfg *core.Config, logger zerolog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	rt.metrics = metrics.New(rt.registry)

	codec, err := codecFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Feed.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	rt.feed, err = feed.New(cfg.Feed, codec, logger, rt.metrics)
	if err != nil {
		return nil, err
	}
	if cfg.Feed.Watch {
		if err := rt.feed.Watch(); err != nil {
			logger.Warn().Err(err).Msg("store watcher unavailable, polling only")
		}
	}

	rt.store, err = store.Open(cfg.Store.Path)
	if err != nil {
		rt.close()
		return nil, err
	}

	hc := &http.Client{}
	var rep detect.ReputationSource
	if cfg.Intel.Reputation.APIKey != "" && cfg.Detectors.Reputation.Enabled {
		c, err := intel.NewAbuseIPDBClient(cfg.Intel.Reputation, cfg.Intel.Breaker, hc, logger, rt.metrics)
		if err != nil {
			rt.close()
			return nil, err
		}
		rep = c
	}
	chain, scorer, err := newDetection(cfg, rep, logger, rt.metrics)
	if err != nil {
		rt.close()
		return nil, err
	}

	var opts []alert.Option
	if cfg.Intel.Geo.Enabled {
		opts = append(opts, alert.WithGeolocator(intel.NewGeoClient(cfg.Intel.Geo, cfg.Intel.Breaker, hc, logger, rt.metrics)))
	}
	if cfg.Audit.Enabled {
		rt.audit, err = alert.OpenAuditLog(cfg.Audit.Path)
		if err != nil {
			rt.close()
			return nil, err
		}
		opts = append(opts, alert.WithAudit(rt.audit))
	}
	manager := alert.NewManager(rt.store, logger, rt.metrics, opts...)

	bus := core.NewEventBus(logger, rt.metrics)
	if cfg.Bus.NATS.Enabled {
		mirror, err := core.NewNATSMirror(cfg.Bus.NATS, logger)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("starting NATS mirror: %w", err)
		}
		bus.Mirror(mirror)
	}

	rt.engine, err = core.NewEngine(cfg, core.Components{
		Feed:    rt.feed,
		Chain:   chain,
		Scorer:  scorer,
		Alerts:  manager,
		Store:   rt.store,
		Bus:     bus,
		Metrics: rt.metrics,
	}, logger)
	if err != nil {
		bus.Close()
		rt.close()
		return nil, err
	}

	if cfg.Retention.Enabled {
		rt.retention, err = core.NewRetention(cfg.Retention, rt.store, logger)
		if err != nil {
			rt.close()
			return nil, err
		}
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{Registry: rt.registry}))
		rt.server = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return rt, nil
}

func (rt *runtime) start() error {
	if rt.server != nil {
		go func() {
			if err := rt.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.logger.Error().Err(err).Str("addr", rt.server.Addr).Msg("metrics server failed")
			}
		}()
	}
	if rt.retention != nil {
		rt.retention.Start()
	}
	return rt.engine.Start()
}

// shutdown stops the engine first so no alert is written after the store
// closes.
func (rt *runtime) shutdown() {
	if rt.engine != nil {
		if err := rt.engine.Stop(); err != nil {
			rt.logger.Warn().Err(err).Msg("engine stop")
		}
		rt.engine.Bus().Close()
	}
	if rt.retention != nil {
		rt.retention.Stop()
	}
	if rt.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rt.server.Shutdown(ctx); err != nil {
			rt.logger.Warn().Err(err).Msg("metrics server shutdown")
		}
		cancel()
	}
	rt.close()
}

func (rt *runtime) close() {
	if rt.feed != nil {
		rt.feed.Close()
	}
	if rt.audit != nil {
		rt.audit.Close()
	}
	if rt.store != nil {
		rt.store.Close()
	}
}
