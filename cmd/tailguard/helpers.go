package main

// ---------------------------------------------------------------------------
// helpers.go: TTY detection, color, error helpers, config loading
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
	"strings"

	"github.com/1sec-project/tailguard/internal/core"
)

const defaultConfigPath = "configs/default.yaml"

// ---------------------------------------------------------------------------
// TTY / color helpers
// ---------------------------------------------------------------------------

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return isTTY(os.Stderr)
}

func ansi(code, s string) string {
	if !colorEnabled() {
		return s
	}
	return code + s + "\033[0m"
}

func red(s string) string    { return ansi("\033[91m", s) }
func yellow(s string) string { return ansi("\033[93m", s) }
func green(s string) string  { return ansi("\033[32m", s) }
func dim(s string) string    { return ansi("\033[90m", s) }
func bold(s string) string   { return ansi("\033[1m", s) }

// severityColor paints a severity label for table output.
func severityColor(sev string) string {
	switch strings.ToLower(sev) {
	case "critical":
		return red(bold(sev))
	case "high":
		return red(sev)
	case "medium":
		return yellow(sev)
	default:
		return dim(sev)
	}
}

// ---------------------------------------------------------------------------
// Error / warn helpers (always to stderr)
// ---------------------------------------------------------------------------

func errorf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, red("error: ")+format+"\n", args...)
	os.Exit(1)
}

func warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, yellow("warn: ")+format+"\n", args...)
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// envConfig returns the config path, preferring flag > env > default.
func envConfig(flagVal string) string {
	if flagVal != "" && flagVal != defaultConfigPath {
		return flagVal
	}
	if e := os.Getenv("TAILGUARD_CONFIG"); e != "" {
		return e
	}
	return flagVal
}

// mustLoadConfig loads and validates the config, exiting on failure.
func mustLoadConfig(path string) *core.Config {
	cfg, err := core.LoadConfig(path)
	if err != nil {
		errorf("loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Fprintf(os.Stderr, "%s %s\n", red("✗"), line)
		}
		errorf("config validation failed")
	}
	return cfg
}

// ---------------------------------------------------------------------------
// Suggest: typo correction for unknown commands
// ---------------------------------------------------------------------------

var commands = []string{"up", "alerts", "stats", "encrypt", "keygen", "scan", "purge", "version", "help"}

func suggest(input string) string {
	input = strings.ToLower(input)
	if input == "" {
		return ""
	}
	for _, c := range commands {
		if strings.HasPrefix(c, input) || strings.HasPrefix(input, c) {
			return c
		}
	}
	for _, c := range commands {
		if len(c) != len(input) {
			continue
		}
		diff := 0
		for i := range c {
			if c[i] != input[i] {
				diff++
			}
		}
		if diff <= 1 {
			return c
		}
	}
	return ""
}
