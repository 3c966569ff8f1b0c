package main

// ---------------------------------------------------------------------------
// main.go: command dispatcher for the tailguard CLI
//
// Command implementations live in cmd_*.go. Shared helpers are in
// helpers.go, wire.go and output.go.
// ---------------------------------------------------------------------------

import (
	"fmt"
	"io"
	"os"
)

var (
	version   = "0.3.0"
	commit    = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	subcmd := os.Args[1]
	args := os.Args[2:]

	switch subcmd {
	case "--version", "-V", "version":
		printVersion(os.Stdout)
		return
	case "--help", "-h", "help":
		printUsage(os.Stdout)
		return
	}

	switch subcmd {
	case "up":
		cmdUp(args)
	case "alerts":
		cmdAlerts(args)
	case "stats":
		cmdStats(args)
	case "encrypt":
		cmdEncrypt(args)
	case "keygen":
		cmdKeygen(args)
	case "scan":
		cmdScan(args)
	case "purge":
		cmdPurge(args)
	default:
		fmt.Fprintf(os.Stderr, red("error: ")+"unknown command %q\n\n", subcmd)
		if s := suggest(subcmd); s != "" {
			fmt.Fprintf(os.Stderr, "       Did you mean %s?\n\n", bold(s))
		}
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "tailguard %s (%s, built %s)\n", version, commit, buildDate)
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s: intrusion detection over an encrypted access-log store

Usage:
  tailguard <command> [flags]

Commands:
  up        Run the detection engine until interrupted
  alerts    List recent alerts from the alert store
  stats     Show attack statistics (by type, top sources, timeline, geo)
  encrypt   Encrypt lines from stdin into the store
  keygen    Generate a new at-rest key
  scan      Classify one line without persisting anything
  purge     Delete alerts and counters older than the retention window
  version   Print version information

Environment:
  TAILGUARD_CONFIG          config file path
  TAILGUARD_KEY             base64 at-rest key
  TAILGUARD_STORE           encrypted store path
  TAILGUARD_ABUSEIPDB_KEY   AbuseIPDB API key

Run 'tailguard <command> -h' for command flags.
`, bold("tailguard"))
}
