package main

// ---------------------------------------------------------------------------
// cmd_purge.go: run the retention purge once
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/1sec-project/tailguard/internal/core"
	"github.com/1sec-project/tailguard/internal/store"
)

func cmdPurge(args []string) {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	days := fs.Int("days", 0, "Keep this many days (default: retention.days)")
	fs.Parse(args)

	cfg := mustLoadConfig(envConfig(*configPath))
	if *days > 0 {
		cfg.Retention.Days = *days
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		errorf("%v", err)
	}
	defer st.Close()

	logger := core.NewLogger(cfg.Logging, os.Stderr)
	r, err := core.NewRetention(cfg.Retention, st, logger)
	if err != nil {
		errorf("%v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	res, err := r.RunNow(ctx)
	if err != nil {
		errorf("%v", err)
	}
	fmt.Fprintf(os.Stdout, "%s removed %d alert(s) and %d counter(s) older than %d days\n",
		green("✓"), res.Alerts, res.Counters, cfg.Retention.Days)
}
