package detect

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	stateChangingRe = regexp.MustCompile(`(?:^|[\s"])(post|put|delete)\s+(\S+)`)
	refererRe       = regexp.MustCompile(`referer[=:]\s*"?([^"\s]+)"?`)
)

// CSRFDetector flags state-changing requests that arrive without an
// anti-forgery token, without a referrer, or from a foreign origin.
type CSRFDetector struct {
	expected map[string]struct{}
}

func NewCSRFDetector(cfg CSRFConfig) *CSRFDetector {
	d := &CSRFDetector{expected: make(map[string]struct{}, len(cfg.ExpectedHosts))}
	for _, h := range cfg.ExpectedHosts {
		d.expected[strings.ToLower(h)] = struct{}{}
	}
	return d
}

func (d *CSRFDetector) Name() string { return "csrf" }

func (d *CSRFDetector) Detect(_ context.Context, in Input) (Result, error) {
	text := in.Normalized
	m := stateChangingRe.FindStringSubmatch(text)
	if m == nil {
		return NoMatch, nil
	}
	method, endpoint := m[1], m[2]

	if strings.Contains(text, "csrf_token=missing") || strings.Contains(text, "csrf=absent") {
		return match(d.Name(), AttackCSRF, []string{fmt.Sprintf("missing_token:%s:%s", method, endpoint)}), nil
	}
	if strings.Contains(text, `referer="-"`) || strings.Contains(text, "referer=absent") {
		return match(d.Name(), AttackCSRF, []string{fmt.Sprintf("missing_referer:%s:%s", method, endpoint)}), nil
	}
	if r := refererRe.FindStringSubmatch(text); r != nil && r[1] != "-" {
		host := refererHost(r[1])
		if _, ok := d.expected[host]; !ok {
			return match(d.Name(), AttackCSRF, []string{"external_referer:" + host}), nil
		}
	}
	return NoMatch, nil
}

func refererHost(ref string) string {
	if !strings.Contains(ref, "://") {
		ref = "http://" + ref
	}
	u, err := url.Parse(ref)
	if err != nil || u.Hostname() == "" {
		return ref
	}
	return strings.ToLower(u.Hostname())
}
