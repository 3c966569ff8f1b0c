package detect

import (
	"net/netip"
	"regexp"
	"strings"
)

// Request holds the fields of an access line in the form
//
//	TIMESTAMP  SOURCE_IP  METHOD PATH[ body:JSON]  STATUS  DURATIONms
//
// Any field may be empty when the line does not follow that shape.
type Request struct {
	Timestamp string
	SourceIP  string
	Method    string
	Target    string // path including query string
	Path      string // path without query string
	Body      string
	Status    string
	Duration  string
}

var (
	accessLineRe = regexp.MustCompile(`^(\S+)\s{2,}(\S+)\s{2,}([A-Za-z]+)\s+(.*?)\s{2,}(\d{3})\s{2,}(\d+(?:\.\d+)?ms)\s*$`)
	methodPathRe = regexp.MustCompile(`\b(GET|POST|PUT|DELETE|PATCH|OPTIONS|HEAD|TRACE|TRACK|CONNECT|DEBUG|PROPFIND)\s+(\S+)`)
)

// ParseRequest extracts the structured fields from raw. Lines that do not
// match the access-line shape still get a best-effort method, path and
// source address.
func ParseRequest(raw string) Request {
	line := strings.TrimSpace(raw)
	if m := accessLineRe.FindStringSubmatch(line); m != nil {
		req := Request{
			Timestamp: m[1],
			Method:    strings.ToUpper(m[3]),
			Status:    m[5],
			Duration:  m[6],
		}
		if ip, ok := parseIP(m[2]); ok {
			req.SourceIP = ip
		}
		target := m[4]
		if i := strings.Index(target, " body:"); i >= 0 {
			req.Body = strings.TrimSpace(target[i+len(" body:"):])
			target = target[:i]
		}
		req.Target = strings.TrimSpace(target)
		req.Path = stripQuery(req.Target)
		return req
	}

	var req Request
	req.SourceIP = SourceIP(line)
	if m := methodPathRe.FindStringSubmatch(line); m != nil {
		req.Method = m[1]
		req.Target = m[2]
		req.Path = stripQuery(m[2])
	}
	return req
}

// SourceIP returns the first address among the leading tokens of line, or
// "unknown" when none parses.
func SourceIP(line string) string {
	fields := strings.Fields(line)
	if len(fields) > 3 {
		fields = fields[:3]
	}
	for _, f := range fields {
		if ip, ok := parseIP(f); ok {
			return ip
		}
	}
	return "unknown"
}

func parseIP(tok string) (string, bool) {
	if ap, err := netip.ParseAddrPort(tok); err == nil {
		return ap.Addr().Unmap().String(), true
	}
	tok = strings.Trim(tok, "[]()<>,;\"'")
	if tok == "" {
		return "", false
	}
	addr, err := netip.ParseAddr(tok)
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}

func stripQuery(target string) string {
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		return target[:i]
	}
	return target
}
