package detect

import (
	"context"
	"strings"
)

// ScannerDetector fingerprints automated tooling: known user-agent
// substrings, probing verbs and requests for well-known sensitive paths.
type ScannerDetector struct {
	agents  []string
	methods map[string]struct{}
	paths   []string
}

func NewScannerDetector(cfg ScannerConfig) *ScannerDetector {
	d := &ScannerDetector{methods: make(map[string]struct{}, len(cfg.Methods))}
	for _, a := range cfg.UserAgents {
		d.agents = append(d.agents, strings.ToLower(a))
	}
	for _, m := range cfg.Methods {
		d.methods[strings.ToUpper(m)] = struct{}{}
	}
	for _, p := range cfg.SensitivePaths {
		d.paths = append(d.paths, strings.ToLower(p))
	}
	return d
}

func (d *ScannerDetector) Name() string { return "scanner" }

func (d *ScannerDetector) Detect(_ context.Context, in Input) (Result, error) {
	var evidence []string
	if _, ok := d.methods[in.Request.Method]; ok {
		evidence = append(evidence, "suspicious_method:"+strings.ToLower(in.Request.Method))
	}
	for _, a := range d.agents {
		if strings.Contains(in.Normalized, a) {
			evidence = append(evidence, "scanner_signature:"+strings.TrimSuffix(a, "/"))
		}
	}
	path := strings.ToLower(in.Request.Path)
	if path == "" {
		path = in.Normalized
	}
	for _, p := range d.paths {
		if hasPathPrefix(path, p) {
			evidence = append(evidence, "sensitive_path:"+p)
		}
	}
	return match(d.Name(), AttackScanner, evidence), nil
}

// hasPathPrefix reports whether path contains p as a whole segment prefix,
// so "/admin" matches "/admin" and "/admin/x" but not "/administrators".
func hasPathPrefix(path, p string) bool {
	idx := strings.Index(path, p)
	for idx >= 0 {
		end := idx + len(p)
		if strings.HasSuffix(p, "/") || end == len(path) || strings.ContainsRune("/?#. ", rune(path[end])) {
			return true
		}
		next := strings.Index(path[end:], p)
		if next < 0 {
			break
		}
		idx = end + next
	}
	return false
}
