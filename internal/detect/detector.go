// Package detect implements the signature detector chain: a fixed, ordered
// list of independent matchers evaluated against one access line, where the
// first detector that matches owns the line.
package detect

import (
	"context"
	"errors"
	"time"
)

// AttackType names the class of attack a detector reports. The string value
// is what gets persisted and aggregated in statistics.
type AttackType string

const (
	AttackSQLi       AttackType = "SQL Injection"
	AttackXSS        AttackType = "XSS"
	AttackCRLF       AttackType = "CRLF Injection"
	AttackCommand    AttackType = "OS Command Injection"
	AttackTraversal  AttackType = "Path Traversal"
	AttackNoSQL      AttackType = "NoSQL Injection"
	AttackCSRF       AttackType = "CSRF"
	AttackUpload     AttackType = "Malicious Upload"
	AttackScanner    AttackType = "Scanner"
	AttackBruteForce AttackType = "Brute Force"
	AttackReputation AttackType = "Malicious IP"
	AttackAnomaly    AttackType = "ML Anomaly"
)

// ErrDetectorFault wraps a panic recovered from a detector.
var ErrDetectorFault = errors.New("detector fault")

// Result is the outcome of one detector invocation. The zero value means
// "no match" and carries no evidence.
type Result struct {
	Matched    bool
	Evidence   []string
	AttackType AttackType
	Detector   string
}

// NoMatch is the explicit no-match result.
var NoMatch = Result{}

func match(detector string, t AttackType, evidence []string) Result {
	if len(evidence) == 0 {
		return NoMatch
	}
	return Result{Matched: true, Evidence: evidence, AttackType: t, Detector: detector}
}

// Input is everything a detector may look at for one line.
type Input struct {
	Raw        string
	Normalized string
	Request    Request

	// Score is the anomaly score computed for this line before the chain
	// runs. Scored is false when the scorer is disabled.
	Score  float64
	Scored bool
}

// NewInput parses raw and pairs it with its normalized form.
func NewInput(raw, normalized string) Input {
	return Input{Raw: raw, Normalized: normalized, Request: ParseRequest(raw)}
}

// Detector is a single signature matcher.
type Detector interface {
	Name() string
	Detect(ctx context.Context, in Input) (Result, error)
}

// Sweeper is implemented by detectors holding per-source state that must be
// pruned periodically.
type Sweeper interface {
	Sweep(now time.Time) int
}
