package main

// ---------------------------------------------------------------------------
// cmd_up.go: run the detection engine
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/1sec-project/tailguard/internal/core"
)

func cmdUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	dryRun := fs.Bool("dry-run", false, "Validate config and wiring, then exit")
	quiet := fs.Bool("quiet", false, "Suppress non-essential output")
	fs.BoolVar(quiet, "q", false, "Suppress non-essential output")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	cfg := mustLoadConfig(*configPath)
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
		if err := cfg.Validate(); err != nil {
			errorf("%v", err)
		}
	}
	logger := core.NewLogger(cfg.Logging, os.Stderr)

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		errorf("%v", err)
	}

	if *dryRun {
		rt.shutdown()
		fmt.Fprintf(os.Stdout, "%s Config valid, all components built.\n", green("✓"))
		return
	}

	if err := rt.start(); err != nil {
		rt.shutdown()
		errorf("starting engine: %v", err)
	}
	if !*quiet {
		metricsStatus := dim("metrics off")
		if rt.server != nil {
			metricsStatus = "metrics on " + cfg.Metrics.Listen
		}
		fmt.Fprintf(os.Stderr, "%s tailguard watching %s (%s mode), %s\n",
			green("✓"), cfg.Feed.Path, cfg.Feed.Mode, metricsStatus)
		fmt.Fprintf(os.Stderr, "%s Press Ctrl+C to stop, send SIGHUP to reload\n", dim("▸"))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if _, err := core.ReloadConfig(cfg, *configPath, rt.retention, logger); err != nil {
				logger.Error().Err(err).Msg("config reload failed")
			}
			continue
		}
		if !*quiet {
			fmt.Fprintf(os.Stderr, "\n%s Received %s, shutting down...\n", dim("▸"), sig)
		}
		break
	}
	signal.Stop(sigCh)

	rt.shutdown()
	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s tailguard stopped.\n", green("✓"))
	}
}
