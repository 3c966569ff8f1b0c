package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/1sec-project/tailguard/internal/store"
	"github.com/rs/zerolog"
)

type stubPurger struct {
	days []int
	err  error
}

func (p *stubPurger) PurgeOlderThan(_ context.Context, days int) (store.PurgeResult, error) {
	p.days = append(p.days, days)
	return store.PurgeResult{Alerts: 3, Counters: 1}, p.err
}

func TestRetention_RunNowUsesCurrentDays(t *testing.T) {
	p := &stubPurger{}
	r, err := NewRetention(RetentionConfig{Enabled: true, Days: 30, Schedule: "@daily"}, p, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.RunNow(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Alerts != 3 {
		t.Errorf("result = %+v", res)
	}
	r.SetDays(7)
	r.RunNow(context.Background())
	if len(p.days) != 2 || p.days[0] != 30 || p.days[1] != 7 {
		t.Errorf("purge days = %v", p.days)
	}
}

func TestRetention_PropagatesError(t *testing.T) {
	p := &stubPurger{err: errors.New("disk full")}
	r, _ := NewRetention(RetentionConfig{Days: 1, Schedule: "@hourly"}, p, zerolog.Nop())
	if _, err := r.RunNow(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestRetention_BadSchedule(t *testing.T) {
	if _, err := NewRetention(RetentionConfig{Days: 1, Schedule: "whenever"}, &stubPurger{}, zerolog.Nop()); err == nil {
		t.Error("bad schedule accepted")
	}
}

func TestRetention_StartStop(t *testing.T) {
	r, err := NewRetention(RetentionConfig{Days: 1, Schedule: "@daily"}, &stubPurger{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	r.Start()
	r.Stop()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

func TestReloadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tailguard.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: warn\nretention:\n  days: 9\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	current := DefaultConfig()
	p := &stubPurger{}
	r, _ := NewRetention(current.Retention, p, zerolog.Nop())

	changes, err := ReloadConfig(current, path, r, zerolog.Nop())
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 2 {
		t.Errorf("changes = %v", changes)
	}
	if current.LogLevel() != "warn" || zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Errorf("level = %q / %v", current.LogLevel(), zerolog.GlobalLevel())
	}
	if r.Days() != 9 || current.Retention.Days != 9 {
		t.Errorf("retention days = %d / %d", r.Days(), current.Retention.Days)
	}

	changes, _ = ReloadConfig(current, path, r, zerolog.Nop())
	if len(changes) != 1 || changes[0] != "no changes detected" {
		t.Errorf("second reload changes = %v", changes)
	}
}

func TestReloadConfig_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tailguard.yaml")
	os.WriteFile(path, []byte("retention:\n  days: 0\n"), 0o600)
	current := DefaultConfig()
	if _, err := ReloadConfig(current, path, nil, zerolog.Nop()); err == nil {
		t.Error("invalid config applied")
	}
	if current.Retention.Days != 30 {
		t.Errorf("current config modified: %d", current.Retention.Days)
	}
	if _, err := ReloadConfig(current, "", nil, zerolog.Nop()); err == nil {
		t.Error("empty path accepted")
	}
}
