package main

// ---------------------------------------------------------------------------
// cmd_stats.go: aggregate views over the alert store
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/1sec-project/tailguard/internal/store"
)

type statsReport struct {
	Days      int                     `json:"days"`
	Total     int64                   `json:"total_alerts"`
	ByType    map[string]int64        `json:"by_type"`
	Attackers []store.Attacker        `json:"top_attackers"`
	Timeline  []store.TimelineBucket  `json:"timeline"`
	Geo       []store.GeoPoint        `json:"geo"`
	Drift     []store.CounterMismatch `json:"counter_drift,omitempty"`
}

func cmdStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	days := fs.Int("days", 7, "Window for per-type counts")
	top := fs.Int("top", 10, "Number of top source addresses")
	hours := fs.Int("hours", 24, "Window for the hourly timeline")
	check := fs.Bool("check", false, "Also verify counters against stored alerts")
	format := fs.String("format", "table", "Output format: table, json")
	jsonOut := fs.Bool("json", false, "Shorthand for --format json")
	fs.Parse(args)

	if *jsonOut {
		*format = "json"
	}
	cfg := mustLoadConfig(envConfig(*configPath))
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		errorf("%v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r := statsReport{Days: *days}
	if r.Total, err = st.AlertCount(ctx); err != nil {
		errorf("%v", err)
	}
	if r.ByType, err = st.StatsByType(ctx, *days); err != nil {
		errorf("%v", err)
	}
	if r.Attackers, err = st.TopAttackers(ctx, *top); err != nil {
		errorf("%v", err)
	}
	if r.Timeline, err = st.AttackTimeline(ctx, *hours); err != nil {
		errorf("%v", err)
	}
	if r.Geo, err = st.GeoAggregate(ctx); err != nil {
		errorf("%v", err)
	}
	if *check {
		if r.Drift, err = st.CounterMismatches(ctx); err != nil {
			errorf("%v", err)
		}
	}

	w, cleanup := outputWriter("")
	defer cleanup()
	if parseFormat(*format) == FormatJSON {
		writeJSON(w, r)
		return
	}
	renderStats(w, r, *check)
}

func renderStats(w io.Writer, r statsReport, checked bool) {
	fmt.Fprintf(w, "%s %d\n\n", bold("Stored alerts:"), r.Total)
	fmt.Fprintf(w, "%s (last %d days)\n", bold("Attacks by type"), r.Days)
	types := make([]string, 0, len(r.ByType))
	for t := range r.ByType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		if r.ByType[types[i]] != r.ByType[types[j]] {
			return r.ByType[types[i]] > r.ByType[types[j]]
		}
		return types[i] < types[j]
	})
	byType := NewTable(w, "TYPE", "COUNT")
	for _, t := range types {
		byType.AddRow(t, strconv.FormatInt(r.ByType[t], 10))
	}
	byType.Render()

	fmt.Fprintf(w, "\n%s\n", bold("Top sources"))
	attackers := NewTable(w, "SOURCE", "COUNT", "COUNTRY", "CITY", "LAST SEEN")
	for _, a := range r.Attackers {
		attackers.AddRow(a.SourceIP, strconv.FormatInt(a.Count, 10), strOrEmpty(a.Country), strOrEmpty(a.City), a.LastSeen)
	}
	attackers.Render()

	fmt.Fprintf(w, "\n%s\n", bold("Hourly timeline"))
	timeline := NewTable(w, "HOUR", "TYPE", "COUNT")
	for _, b := range r.Timeline {
		timeline.AddRow(b.Hour, b.AttackType, strconv.FormatInt(b.Count, 10))
	}
	timeline.Render()

	if len(r.Geo) > 0 {
		fmt.Fprintf(w, "\n%s\n", bold("Locations"))
		geo := NewTable(w, "COUNTRY", "CITY", "LAT", "LON", "COUNT")
		for _, g := range r.Geo {
			geo.AddRow(g.Country, g.City,
				strconv.FormatFloat(g.Latitude, 'f', 4, 64),
				strconv.FormatFloat(g.Longitude, 'f', 4, 64),
				strconv.FormatInt(g.Count, 10))
		}
		geo.Render()
	}

	if !checked {
		return
	}
	if len(r.Drift) == 0 {
		fmt.Fprintf(w, "\n%s counters match stored alerts\n", green("✓"))
		return
	}
	fmt.Fprintf(w, "\n%s %d counter(s) disagree with stored alerts\n", red("✗"), len(r.Drift))
	drift := NewTable(w, "DATE", "TYPE", "COUNTER", "ALERTS")
	for _, d := range r.Drift {
		drift.AddRow(d.Date, d.AttackType, strconv.FormatInt(d.Counter, 10), strconv.FormatInt(d.Alerts, 10))
	}
	drift.Render()
}
