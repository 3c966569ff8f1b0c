package main

// ---------------------------------------------------------------------------
// cmd_alerts.go: read alerts from the alert store
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/1sec-project/tailguard/internal/store"
)

func cmdAlerts(args []string) {
	fs := flag.NewFlagSet("alerts", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	attackType := fs.String("type", "", "Filter by attack type, e.g. \"SQL Injection\"")
	limit := fs.Int("limit", 20, "Maximum alerts to show")
	id := fs.Int64("id", 0, "Show a single alert by id")
	format := fs.String("format", "table", "Output format: table, json, csv")
	jsonOut := fs.Bool("json", false, "Shorthand for --format json")
	output := fs.String("output", "", "Write output to file")
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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var alerts []store.Alert
	if *id > 0 {
		a, err := st.Alert(ctx, *id)
		if err != nil {
			errorf("%v", err)
		}
		alerts = []store.Alert{a}
	} else {
		alerts, err = st.RecentAlerts(ctx, *limit, *attackType)
		if err != nil {
			errorf("%v", err)
		}
	}

	w, cleanup := outputWriter(*output)
	defer cleanup()
	renderAlerts(w, alerts, parseFormat(*format))
}

func renderAlerts(w io.Writer, alerts []store.Alert, f OutputFormat) {
	switch f {
	case FormatJSON:
		writeJSON(w, map[string]any{"alerts": alerts, "total": len(alerts)})
		return
	case FormatCSV:
		rows := make([][]string, 0, len(alerts))
		for _, a := range alerts {
			rows = append(rows, []string{
				strconv.FormatInt(a.ID, 10), a.Timestamp, a.AttackType, a.Severity,
				a.SourceIP, strOrEmpty(a.Country), a.Pattern, scoreOrEmpty(a.MLScore), a.LogLine,
			})
		}
		writeCSV(w, []string{"id", "timestamp", "attack_type", "severity", "source_ip", "country", "pattern", "ml_score", "log_line"}, rows)
		return
	}

	if len(alerts) == 0 {
		fmt.Fprintln(w, dim("No alerts."))
		return
	}
	tbl := NewTable(w, "ID", "TIME", "TYPE", "SEVERITY", "SOURCE", "COUNTRY", "PATTERN")
	for _, a := range alerts {
		tbl.AddRow(
			strconv.FormatInt(a.ID, 10),
			a.Timestamp,
			a.AttackType,
			severityColor(a.Severity),
			a.SourceIP,
			strOrEmpty(a.Country),
			truncate(a.Pattern, 48),
		)
	}
	tbl.Render()
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func scoreOrEmpty(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', 3, 64)
}
