package core

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/1sec-project/tailguard/internal/alert"
	"github.com/1sec-project/tailguard/internal/anomaly"
	"github.com/1sec-project/tailguard/internal/detect"
	"github.com/1sec-project/tailguard/internal/feed"
	"github.com/1sec-project/tailguard/internal/store"
	"github.com/rs/zerolog"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

// stubFeed hands out queued lines with synthetic byte offsets and drops
// them once committed.
type stubFeed struct {
	mu      sync.Mutex
	pending []string
	offset  int64
	commits []int64
	err     error
	wake    chan struct{}
}

func newStubFeed(lines ...string) *stubFeed {
	return &stubFeed{pending: lines, wake: make(chan struct{}, 1)}
}

func (f *stubFeed) push(lines ...string) {
	f.mu.Lock()
	f.pending = append(f.pending, lines...)
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *stubFeed) Read() (feed.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return feed.Batch{End: f.offset}, f.err
	}
	b := feed.Batch{End: f.offset}
	off := f.offset
	for _, l := range f.pending {
		off += int64(len(l) + 1)
		b.Lines = append(b.Lines, feed.Line{Text: l, End: off})
	}
	b.End = off
	return b, nil
}

func (f *stubFeed) Commit(end int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	off := f.offset
	n := 0
	for _, l := range f.pending {
		next := off + int64(len(l)+1)
		if next > end {
			break
		}
		off = next
		n++
	}
	f.pending = f.pending[n:]
	f.offset = end
	f.commits = append(f.commits, end)
	return nil
}

func (f *stubFeed) Wake() <-chan struct{} { return f.wake }

func (f *stubFeed) remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// flakyStore fails every insert while failing is set.
type flakyStore struct {
	*store.Store
	mu      sync.Mutex
	failing bool
}

func (s *flakyStore) InsertAlert(ctx context.Context, a store.NewAlert) (int64, error) {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return 0, store.ErrPersistence
	}
	return s.Store.InsertAlert(ctx, a)
}

func (s *flakyStore) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

// unreadableStore fails single-row reads.
type unreadableStore struct {
	*store.Store
}

func (unreadableStore) Alert(context.Context, int64) (store.Alert, error) {
	return store.Alert{}, errors.New("database is locked")
}

// stuckDetector blocks every call until release is closed.
type stuckDetector struct {
	entered chan struct{}
	release chan struct{}
}

func (stuckDetector) Name() string { return "stuck" }
func (d stuckDetector) Detect(context.Context, detect.Input) (detect.Result, error) {
	select {
	case d.entered <- struct{}{}:
	default:
	}
	<-d.release
	return detect.NoMatch, nil
}

type panicDetector struct{}

func (panicDetector) Name() string { return "panicky" }
func (panicDetector) Detect(context.Context, detect.Input) (detect.Result, error) {
	panic("boom")
}

// lengthModel flags lines longer than 400 characters.
func lengthModel() *anomaly.Model {
	m := &anomaly.Model{
		Scaler: anomaly.Scaler{Mean: make([]float64, anomaly.NumFeatures), Scale: make([]float64, anomaly.NumFeatures)},
		Forest: anomaly.Forest{
			MaxSamples: 256,
			Offset:     -0.5,
			Trees: []anomaly.Tree{{Nodes: []anomaly.Node{
				{Feature: anomaly.FeatLength, Threshold: 3.0, Left: 1, Right: 2},
				{Leaf: true, Size: 256},
				{Leaf: true, Size: 1},
			}}},
		},
	}
	for i := range m.Scaler.Scale {
		m.Scaler.Scale[i] = 1
	}
	m.Scaler.Mean[anomaly.FeatLength] = 100
	m.Scaler.Scale[anomaly.FeatLength] = 100
	return m
}

type testEnv struct {
	engine *Engine
	feed   *stubFeed
	store  *flakyStore
}

func newTestEnv(t *testing.T, cfg *Config, chain *detect.Chain) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Feed.PollInterval = 10 * time.Millisecond

	st, err := store.Open(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	fs := &flakyStore{Store: st}

	if chain == nil {
		chain, _, err = detect.NewDefaultChain(cfg.Detectors, nil, zerolog.Nop(), nil)
		if err != nil {
			t.Fatal(err)
		}
	}
	scorer, err := anomaly.NewScorerWithModel(cfg.Anomaly, lengthModel(), zerolog.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	f := newStubFeed()
	e, err := NewEngine(cfg, Components{
		Feed:   f,
		Chain:  chain,
		Scorer: scorer,
		Alerts: alert.NewManager(fs, zerolog.Nop(), nil),
		Store:  st,
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Stop() })
	return &testEnv{engine: e, feed: f, store: fs}
}

func (env *testEnv) alerts(t *testing.T) []store.Alert {
	t.Helper()
	as, err := env.store.RecentAlerts(context.Background(), 100, "")
	if err != nil {
		t.Fatal(err)
	}
	return as
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

const (
	sqliLine   = "2026-02-10T12:00:00Z  203.0.113.9  GET /products?id=1' OR 1=1 --  200  12ms"
	benignLine = "2026-02-10T12:00:01Z  203.0.113.9  GET /index.html  200  3ms"
)

func longBenignLine() string {
	return "2026-02-10T12:00:02Z  198.51.100.2  GET /search?q=" + strings.Repeat("a", 1500) + "  200  5ms"
}

// ─── ProcessLine ─────────────────────────────────────────────────────────────

func TestProcessLine_SignatureAlertSuppressesML(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	var events []string
	env.engine.Subscribe(EventNewAlert, func(p any) {
		events = append(events, p.(store.Alert).AttackType)
	})
	var stats []Statistics
	env.engine.Subscribe(EventStatsUpdate, func(p any) { stats = append(stats, p.(Statistics)) })

	if err := env.engine.ProcessLine(context.Background(), sqliLine); err != nil {
		t.Fatal(err)
	}
	as := env.alerts(t)
	if len(as) != 1 || as[0].AttackType != string(detect.AttackSQLi) {
		t.Fatalf("alerts = %+v, want one SQL Injection alert", as)
	}
	if as[0].SourceIP != "203.0.113.9" || as[0].MLScore != nil {
		t.Errorf("alert = %+v", as[0])
	}
	if len(events) != 1 || events[0] != string(detect.AttackSQLi) {
		t.Errorf("new_alert events = %v", events)
	}
	if len(stats) != 1 || stats[0].Total != 1 || stats[0].ByType[string(detect.AttackSQLi)] != 1 {
		t.Errorf("stats_update = %+v", stats)
	}
	if len(stats[0].TopIPs) != 1 || stats[0].TopIPs[0].SourceIP != "203.0.113.9" {
		t.Errorf("top ips = %+v", stats[0].TopIPs)
	}
}

func TestProcessLine_NewAlertCarriesStoredRow(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	var got []store.Alert
	env.engine.Subscribe(EventNewAlert, func(p any) { got = append(got, p.(store.Alert)) })

	if err := env.engine.ProcessLine(context.Background(), "  "+sqliLine+"  "); err != nil {
		t.Fatal(err)
	}
	as := env.alerts(t)
	if len(got) != 1 || len(as) != 1 {
		t.Fatalf("events = %d, rows = %d", len(got), len(as))
	}
	ev, row := got[0], as[0]
	if ev.ID != row.ID || ev.Timestamp != row.Timestamp || ev.LogLine != sqliLine || ev.Severity != row.Severity {
		t.Errorf("event = %+v\nrow   = %+v", ev, row)
	}
	if ev.Country == nil || *ev.Country != "Unknown" || ev.Latitude != nil {
		t.Errorf("location = %v / %v", ev.Country, ev.Latitude)
	}
	if _, err := time.Parse(store.TimeLayout, ev.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", ev.Timestamp, err)
	}
}

func TestPublish_FallsBackWhenRowUnreadable(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.engine.store = unreadableStore{env.store.Store}
	var got []store.Alert
	env.engine.Subscribe(EventNewAlert, func(p any) { got = append(got, p.(store.Alert)) })

	if err := env.engine.ProcessLine(context.Background(), sqliLine); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("events = %d, want 1", len(got))
	}
	ev := got[0]
	if ev.ID != 1 || ev.AttackType != string(detect.AttackSQLi) || ev.LogLine != sqliLine || ev.Country == nil {
		t.Errorf("fallback row = %+v", ev)
	}
	if _, err := time.Parse(store.TimeLayout, ev.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", ev.Timestamp, err)
	}
}

func TestProcessLine_MLAlertWhenNotSuppressed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Anomaly.SuppressOnSignature = false
	env := newTestEnv(t, cfg, nil)

	if err := env.engine.ProcessLine(context.Background(), sqliLine); err != nil {
		t.Fatal(err)
	}
	as := env.alerts(t)
	if len(as) != 2 {
		t.Fatalf("alerts = %d, want signature + ML", len(as))
	}
	ml := as[0]
	if ml.AttackType != string(detect.AttackAnomaly) || ml.MLScore == nil || *ml.MLScore < 0.75 {
		t.Errorf("ML alert = %+v", ml)
	}
}

func TestProcessLine_LongLineIsAnomalous(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	if err := env.engine.ProcessLine(context.Background(), longBenignLine()); err != nil {
		t.Fatal(err)
	}
	as := env.alerts(t)
	if len(as) != 1 || as[0].AttackType != string(detect.AttackAnomaly) {
		t.Fatalf("alerts = %+v, want one ML Anomaly", as)
	}
	if s := *as[0].MLScore; s <= 0 || s > 1 {
		t.Errorf("ml_score = %v, want (0,1]", s)
	}
	if !strings.HasPrefix(as[0].Pattern, "anomaly_score:") {
		t.Errorf("pattern = %q", as[0].Pattern)
	}
}

func TestProcessLine_BenignLineNoAlert(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	if err := env.engine.ProcessLine(context.Background(), benignLine); err != nil {
		t.Fatal(err)
	}
	if as := env.alerts(t); len(as) != 0 {
		t.Errorf("alerts = %+v, want none", as)
	}
}

func TestProcessLine_PanickingDetectorDoesNotBlock(t *testing.T) {
	chain := detect.NewChain(zerolog.Nop(), nil, panicDetector{}, detect.NewSQLiDetector())
	env := newTestEnv(t, nil, chain)
	ctx := context.Background()

	if err := env.engine.ProcessLine(ctx, sqliLine); err != nil {
		t.Fatal(err)
	}
	if err := env.engine.ProcessLine(ctx, longBenignLine()); err != nil {
		t.Fatal(err)
	}
	as := env.alerts(t)
	if len(as) != 2 {
		t.Fatalf("alerts = %d, want 2", len(as))
	}
	if as[1].AttackType != string(detect.AttackSQLi) || as[0].AttackType != string(detect.AttackAnomaly) {
		t.Errorf("types = %q, %q", as[1].AttackType, as[0].AttackType)
	}
}

func TestProcessLine_PersistenceFailureReturned(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.store.setFailing(true)
	err := env.engine.ProcessLine(context.Background(), sqliLine)
	if !errors.Is(err, store.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
}

func TestProcessLine_PanickingSubscriberIsolated(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	got := 0
	env.engine.Subscribe(EventNewAlert, func(any) { panic("subscriber bug") })
	env.engine.Subscribe(EventNewAlert, func(any) { got++ })

	if err := env.engine.ProcessLine(context.Background(), sqliLine); err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Errorf("second subscriber calls = %d, want 1", got)
	}
}

// ─── Cycle ───────────────────────────────────────────────────────────────────

func TestCycle_CommitsWholeBatch(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.feed.push(benignLine, sqliLine, benignLine)

	env.engine.cycle(context.Background())
	if n := env.feed.remaining(); n != 0 {
		t.Errorf("remaining = %d, want 0", n)
	}
	if as := env.alerts(t); len(as) != 1 {
		t.Errorf("alerts = %d, want 1", len(as))
	}
}

func TestCycle_PersistenceFailureKeepsFailingLine(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.feed.push(benignLine, sqliLine, benignLine)
	env.store.setFailing(true)

	env.engine.cycle(context.Background())
	if n := env.feed.remaining(); n != 2 {
		t.Fatalf("remaining = %d, want the failing line and the rest", n)
	}

	env.store.setFailing(false)
	env.engine.cycle(context.Background())
	if n := env.feed.remaining(); n != 0 {
		t.Errorf("remaining after retry = %d, want 0", n)
	}
	if as := env.alerts(t); len(as) != 1 {
		t.Errorf("alerts after retry = %d, want exactly 1", len(as))
	}
}

func TestCycle_FirstLineFailureCommitsNothing(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.feed.push(sqliLine)
	env.store.setFailing(true)

	env.engine.cycle(context.Background())
	if len(env.feed.commits) != 0 {
		t.Errorf("commits = %v, want none", env.feed.commits)
	}
}

func TestCycle_StoreUnavailable(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.feed.err = feed.ErrStoreUnavailable
	env.engine.cycle(context.Background())
	env.engine.cycle(context.Background())
	if len(env.feed.commits) != 0 {
		t.Errorf("commits = %v, want none", env.feed.commits)
	}
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestEngine_StartStopIdempotent(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	e := env.engine

	if e.State() != StateStopped {
		t.Fatalf("initial state = %v", e.State())
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	if e.State() != StateRunning {
		t.Fatalf("state = %v, want running", e.State())
	}

	env.feed.push(sqliLine)
	waitFor(t, "line to be processed", func() bool { return env.feed.remaining() == 0 })

	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	if e.State() != StateStopped {
		t.Errorf("state = %v, want stopped", e.State())
	}
	if as := env.alerts(t); len(as) != 1 {
		t.Errorf("alerts = %d, want 1", len(as))
	}
}

func TestEngine_Restart(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	e := env.engine
	e.Start()
	e.Stop()
	e.Start()
	env.feed.push(sqliLine)
	waitFor(t, "line after restart", func() bool { return env.feed.remaining() == 0 })
	e.Stop()
}

func TestEngine_StopTimeoutBlocksRestart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.StopTimeout = 20 * time.Millisecond
	d := stuckDetector{entered: make(chan struct{}, 1), release: make(chan struct{})}
	env := newTestEnv(t, cfg, detect.NewChain(zerolog.Nop(), nil, d))
	e := env.engine

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	env.feed.push(benignLine)
	select {
	case <-d.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("detector never called")
	}

	if err := e.Stop(); err == nil {
		t.Fatal("Stop() returned nil while the cycle was stuck")
	}
	if e.State() != StateStopping {
		t.Fatalf("state = %v, want stopping", e.State())
	}
	first := e.done
	if err := e.Start(); !errors.Is(err, ErrStopPending) {
		t.Fatalf("Start() = %v, want ErrStopPending", err)
	}
	if e.done != first {
		t.Fatal("Start() launched a second loop")
	}

	close(d.release)
	if err := e.Stop(); err != nil {
		t.Fatalf("second Stop() = %v", err)
	}
	if e.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", e.State())
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start() after loop exited = %v", err)
	}
	waitFor(t, "line after restart", func() bool { return env.feed.remaining() == 0 })
}

func TestNewEngine_RequiresComponents(t *testing.T) {
	if _, err := NewEngine(nil, Components{}, zerolog.Nop()); err == nil {
		t.Error("NewEngine accepted empty components")
	}
}

func TestEngine_QueriesDelegateToStore(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	env.engine.ProcessLine(ctx, sqliLine)

	recent, err := env.engine.RecentAlerts(ctx, 10, "")
	if err != nil || len(recent) != 1 {
		t.Fatalf("RecentAlerts = %v, %v", recent, err)
	}
	byType, _ := env.engine.StatsByType(ctx, 1)
	if byType[string(detect.AttackSQLi)] != 1 {
		t.Errorf("StatsByType = %v", byType)
	}
	top, _ := env.engine.TopAttackers(ctx, 5)
	if len(top) != 1 {
		t.Errorf("TopAttackers = %v", top)
	}
	tl, _ := env.engine.AttackTimeline(ctx, 24)
	if len(tl) != 1 {
		t.Errorf("AttackTimeline = %v", tl)
	}
	geo, _ := env.engine.GeoData(ctx)
	if len(geo) != 0 {
		t.Errorf("GeoData = %v, want none without a geolocator", geo)
	}
}
