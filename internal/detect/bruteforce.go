package detect

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// BruteForceDetector counts requests to authentication endpoints per source
// over a trailing window. Windows live in a bounded LRU so a flood of
// distinct sources evicts the least recently seen instead of growing
// without limit.
type BruteForceDetector struct {
	mu        sync.Mutex
	windows   *lru.Cache[string, []time.Time]
	endpoints map[string]struct{}
	window    time.Duration
	threshold int
	now       func() time.Time
}

// BruteForceOption configures a BruteForceDetector.
type BruteForceOption func(*BruteForceDetector)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) BruteForceOption {
	return func(d *BruteForceDetector) { d.now = now }
}

func NewBruteForceDetector(cfg BruteForceConfig, opts ...BruteForceOption) (*BruteForceDetector, error) {
	windows, err := lru.New[string, []time.Time](cfg.MaxSources)
	if err != nil {
		return nil, fmt.Errorf("creating brute-force window cache: %w", err)
	}
	d := &BruteForceDetector{
		windows:   windows,
		endpoints: make(map[string]struct{}, len(cfg.Endpoints)),
		window:    cfg.Window,
		threshold: cfg.Threshold,
		now:       time.Now,
	}
	for _, e := range cfg.Endpoints {
		d.endpoints[strings.ToLower(strings.TrimSuffix(e, "/"))] = struct{}{}
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

func (d *BruteForceDetector) Name() string { return "bruteforce" }

func (d *BruteForceDetector) Detect(_ context.Context, in Input) (Result, error) {
	path := strings.ToLower(strings.TrimSuffix(in.Request.Path, "/"))
	if _, ok := d.endpoints[path]; !ok {
		return NoMatch, nil
	}
	src := in.Request.SourceIP
	if src == "" {
		src = "unknown"
	}

	d.mu.Lock()
	now := d.now()
	hits, _ := d.windows.Get(src)
	hits = d.prune(append(hits, now), now)
	d.windows.Add(src, hits)
	count := len(hits)
	d.mu.Unlock()

	if count <= d.threshold {
		return NoMatch, nil
	}
	ev := fmt.Sprintf("more_than_%d_requests_in_%s_from_%s", d.threshold, d.window, src)
	return match(d.Name(), AttackBruteForce, []string{ev}), nil
}

// prune drops timestamps that fell out of the window. hits is ordered.
func (d *BruteForceDetector) prune(hits []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(hits) && now.Sub(hits[i]) >= d.window {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0:0], hits[i:]...)
}

// Sweep removes sources whose windows are empty at now and returns how many
// were dropped.
func (d *BruteForceDetector) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for _, src := range d.windows.Keys() {
		hits, ok := d.windows.Peek(src)
		if !ok {
			continue
		}
		// Live windows are left as-is; Detect prunes them on next access.
		if len(d.prune(hits, now)) == 0 {
			d.windows.Remove(src)
			removed++
		}
	}
	return removed
}

// Sources returns how many sources currently hold a window.
func (d *BruteForceDetector) Sources() int {
	return d.windows.Len()
}
