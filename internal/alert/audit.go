package alert

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const auditHeader = "---- ALERT LOG ----\n"

// AuditLog is the human-readable append-only alert trail, one line per
// alert.
type AuditLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenAuditLog opens path for appending and writes the header if the file
// is new or empty.
func OpenAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat audit log: %w", err)
	}
	if info.Size() == 0 {
		if _, err := f.WriteString(auditHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing audit header: %w", err)
		}
	}
	return &AuditLog{file: f}, nil
}

// Append writes one entry. Newlines in the pattern or line are flattened so
// every alert stays on one line.
func (a *AuditLog) Append(ts time.Time, attackType string, sev Severity, pattern, line string) error {
	entry := fmt.Sprintf("[%s] %s detected | Severity: %s | Pattern: %s | Line: %s\n",
		ts.UTC().Format("2006-01-02 15:04:05"), attackType, sev, flatten(pattern), flatten(line))

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.file.WriteString(entry); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

var flattener = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

func flatten(s string) string {
	return strings.TrimSpace(flattener.Replace(s))
}
