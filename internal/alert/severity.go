package alert

import (
	"strings"

	"github.com/1sec-project/tailguard/internal/detect"
)

// Severity represents the severity level of an alert.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseSeverity is the inverse of String. Unknown names map to medium.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

var criticalKeywords = []string{
	"drop_table",
	"drop_database",
	"xp_cmdshell",
	"reverse_shell",
	"shell_exec",
}

var highKeywords = []string{
	"union_select",
	"insert_into",
	"delete_from",
	"file_access",
	"information_schema",
	"etc_passwd",
	"etc_shadow",
}

var typeSeverity = map[detect.AttackType]Severity{
	detect.AttackSQLi:       SeverityHigh,
	detect.AttackXSS:        SeverityHigh,
	detect.AttackCRLF:       SeverityMedium,
	detect.AttackCommand:    SeverityCritical,
	detect.AttackTraversal:  SeverityHigh,
	detect.AttackNoSQL:      SeverityHigh,
	detect.AttackCSRF:       SeverityMedium,
	detect.AttackUpload:     SeverityHigh,
	detect.AttackScanner:    SeverityLow,
	detect.AttackBruteForce: SeverityHigh,
	detect.AttackReputation: SeverityMedium,
	detect.AttackAnomaly:    SeverityMedium,
}

// Classify derives the severity of an alert. A critical keyword in the
// evidence wins, then a high keyword, then the attack type's default;
// whichever is most severe is kept. Unknown types default to medium.
func Classify(t detect.AttackType, evidence []string) Severity {
	sev, ok := typeSeverity[t]
	if !ok {
		sev = SeverityMedium
	}
	text := strings.ToLower(strings.Join(evidence, " "))
	for _, kw := range criticalKeywords {
		if strings.Contains(text, kw) {
			return SeverityCritical
		}
	}
	for _, kw := range highKeywords {
		if strings.Contains(text, kw) && sev < SeverityHigh {
			return SeverityHigh
		}
	}
	return sev
}
