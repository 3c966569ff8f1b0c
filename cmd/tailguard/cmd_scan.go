package main

// ---------------------------------------------------------------------------
// cmd_scan.go: classify lines offline, nothing is persisted
// ---------------------------------------------------------------------------

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/1sec-project/tailguard/internal/alert"
	"github.com/1sec-project/tailguard/internal/anomaly"
	"github.com/1sec-project/tailguard/internal/detect"
	"github.com/1sec-project/tailguard/internal/normalize"
	"github.com/rs/zerolog"
)

type scanResult struct {
	Line       string   `json:"line"`
	Normalized string   `json:"normalized"`
	Matched    bool     `json:"matched"`
	AttackType string   `json:"attack_type,omitempty"`
	Severity   string   `json:"severity,omitempty"`
	Detector   string   `json:"detector,omitempty"`
	Evidence   []string `json:"evidence,omitempty"`
	Scored     bool     `json:"scored"`
	Score      float64  `json:"score"`
	Anomalous  bool     `json:"anomalous"`
}

func cmdScan(args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	format := fs.String("format", "table", "Output format: table, json")
	jsonOut := fs.Bool("json", false, "Shorthand for --format json")
	fs.Parse(args)

	if *jsonOut {
		*format = "json"
	}
	cfg := mustLoadConfig(envConfig(*configPath))
	chain, scorer, err := newDetection(cfg, nil, zerolog.Nop(), nil)
	if err != nil {
		errorf("%v", err)
	}

	var lines []string
	if fs.NArg() > 0 {
		lines = []string{strings.Join(fs.Args(), " ")}
	} else {
		lines, err = readLines(os.Stdin)
		if err != nil {
			errorf("%v", err)
		}
	}

	ctx := context.Background()
	results := make([]scanResult, 0, len(lines))
	for _, line := range lines {
		results = append(results, scanLine(ctx, chain, scorer, line))
	}

	if parseFormat(*format) == FormatJSON {
		writeJSON(os.Stdout, results)
		return
	}
	tbl := NewTable(os.Stdout, "RESULT", "SEVERITY", "DETECTOR", "SCORE", "LINE")
	for _, r := range results {
		verdict := green("clean")
		switch {
		case r.Matched:
			verdict = red(r.AttackType)
		case r.Anomalous:
			verdict = yellow(string(detect.AttackAnomaly))
		}
		score := dim("n/a")
		if r.Scored {
			score = strconv.FormatFloat(r.Score, 'f', 3, 64)
		}
		tbl.AddRow(verdict, r.Severity, r.Detector, score, truncate(r.Line, 60))
	}
	tbl.Render()
}

// scanLine runs the same normalize, score and classify steps the engine
// does for one line.
func scanLine(ctx context.Context, chain *detect.Chain, scorer *anomaly.Scorer, line string) scanResult {
	norm := normalize.Text(line)
	in := detect.NewInput(line, norm)
	r := scanResult{Line: line, Normalized: norm}
	if scorer.Enabled() {
		r.Anomalous, r.Score = scorer.ScoreLine(line)
		r.Scored = true
		in.Score, in.Scored = r.Score, true
	}
	res := chain.Run(ctx, in)
	if res.Matched {
		r.Matched = true
		r.AttackType = string(res.AttackType)
		r.Detector = res.Detector
		r.Evidence = res.Evidence
		r.Severity = alert.Classify(res.AttackType, res.Evidence).String()
	} else if r.Anomalous {
		r.Severity = alert.Classify(detect.AttackAnomaly, nil).String()
	}
	return r
}

func readLines(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	var lines []string
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			lines = append(lines, sc.Text())
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	return lines, nil
}
