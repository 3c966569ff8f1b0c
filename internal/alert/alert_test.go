package alert

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/1sec-project/tailguard/internal/detect"
	"github.com/1sec-project/tailguard/internal/intel"
	"github.com/1sec-project/tailguard/internal/store"
	"github.com/rs/zerolog"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

type memStore struct {
	rows []store.NewAlert
	err  error
}

func (s *memStore) InsertAlert(_ context.Context, a store.NewAlert) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.rows = append(s.rows, a)
	return int64(len(s.rows)), nil
}

type stubGeo struct {
	loc   intel.Location
	err   error
	calls int
}

func (g *stubGeo) Locate(context.Context, string) (intel.Location, error) {
	g.calls++
	return g.loc, g.err
}

var fixedNow = time.Date(2026, 5, 1, 8, 15, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

// ─── Severity ────────────────────────────────────────────────────────────────

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		typ      detect.AttackType
		evidence []string
		want     Severity
	}{
		{"critical keyword", detect.AttackSQLi, []string{"sqli_or_true", "sqli_drop_table"}, SeverityCritical},
		{"high keyword raises low type", detect.AttackScanner, []string{"traversal_etc_passwd"}, SeverityHigh},
		{"type default", detect.AttackCRLF, []string{"crlf_line_break"}, SeverityMedium},
		{"type default wins over high keyword", detect.AttackCommand, []string{"union_select"}, SeverityCritical},
		{"scanner low", detect.AttackScanner, []string{"scanner_signature:sqlmap"}, SeverityLow},
		{"reverse shell", detect.AttackCommand, []string{"cmdi_reverse_shell"}, SeverityCritical},
		{"unknown type", detect.AttackType("Other"), nil, SeverityMedium},
		{"ml anomaly", detect.AttackAnomaly, []string{"anomaly_score:0.91"}, SeverityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.typ, tt.evidence); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSeverity_StringRoundTrip(t *testing.T) {
	for _, s := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		if got := ParseSeverity(s.String()); got != s {
			t.Errorf("ParseSeverity(%q) = %v", s.String(), got)
		}
	}
	if ParseSeverity("bogus") != SeverityMedium {
		t.Error("unknown severity should parse as medium")
	}
}

// ─── Manager ─────────────────────────────────────────────────────────────────

func TestLogAlert_PersistsRow(t *testing.T) {
	st := &memStore{}
	geo := &stubGeo{loc: intel.Location{Country: "Testland", City: "Exampleville", Latitude: 1.5, Longitude: 2.5, HasCoords: true}}
	m := NewManager(st, zerolog.Nop(), nil, WithGeolocator(geo), WithClock(clock))

	line := "2026-05-01T08:15:00Z  203.0.113.50  GET /search?q=1' union select null--  200  4ms\n"
	id, err := m.LogAlert(context.Background(), detect.AttackSQLi, []string{"sqli_union_select", "sqli_comment"}, line, nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 || len(st.rows) != 1 {
		t.Fatalf("id = %d, rows = %d", id, len(st.rows))
	}
	row := st.rows[0]
	if row.AttackType != "SQL Injection" || row.Severity != "high" {
		t.Errorf("type/severity = %q/%q", row.AttackType, row.Severity)
	}
	if row.Pattern != "sqli_union_select, sqli_comment" {
		t.Errorf("pattern = %q", row.Pattern)
	}
	if row.SourceIP != "203.0.113.50" {
		t.Errorf("source ip = %q", row.SourceIP)
	}
	if row.Latitude == nil || *row.Latitude != 1.5 || *row.Country != "Testland" {
		t.Errorf("geo not attached: %+v", row)
	}
	if strings.HasSuffix(row.LogLine, "\n") {
		t.Error("log line not trimmed")
	}
	if !row.Time.Equal(fixedNow) || row.MLScore != nil || row.Confidence != 1 {
		t.Errorf("row = %+v", row)
	}
}

func TestLogAlert_GeoFallbacks(t *testing.T) {
	tests := []struct {
		name        string
		line        string
		geo         *stubGeo
		wantCountry string
		wantCalls   int
	}{
		{"private", "ts  192.168.1.9  GET /  200  1ms", &stubGeo{}, "Local", 0},
		{"loopback v6", "ts  ::1  GET /  200  1ms", &stubGeo{}, "Local", 0},
		{"no address", "garbage line", &stubGeo{}, "Unknown", 0},
		{"lookup error", "ts  198.51.100.7  GET /  200  1ms", &stubGeo{err: intel.ErrLookup}, "Unknown", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &memStore{}
			m := NewManager(st, zerolog.Nop(), nil, WithGeolocator(tt.geo))
			if _, err := m.LogAlert(context.Background(), detect.AttackXSS, []string{"xss_script_tag"}, tt.line, nil, 1); err != nil {
				t.Fatal(err)
			}
			row := st.rows[0]
			if *row.Country != tt.wantCountry {
				t.Errorf("country = %q, want %q", *row.Country, tt.wantCountry)
			}
			if row.Latitude != nil {
				t.Error("coordinates stored for fallback location")
			}
			if tt.geo.calls != tt.wantCalls {
				t.Errorf("geo calls = %d, want %d", tt.geo.calls, tt.wantCalls)
			}
		})
	}
}

func TestLogAlert_StoreFailure(t *testing.T) {
	st := &memStore{err: store.ErrPersistence}
	m := NewManager(st, zerolog.Nop(), nil)
	_, err := m.LogAlert(context.Background(), detect.AttackXSS, nil, "ts  8.8.8.8  GET /  200  1ms", nil, 1)
	if !errors.Is(err, store.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
}

func TestRaise_MLScoreAndConfidence(t *testing.T) {
	st := &memStore{}
	m := NewManager(st, zerolog.Nop(), nil)
	score := 0.93
	a, err := m.Raise(context.Background(), detect.AttackAnomaly, []string{"anomaly_score:0.930"}, "ts  10.0.0.1  GET /x  200  1ms", &score, 1.7)
	if err != nil {
		t.Fatal(err)
	}
	if a.MLScore == nil || *a.MLScore != 0.93 {
		t.Errorf("MLScore = %v", a.MLScore)
	}
	if a.Confidence != 1 {
		t.Errorf("confidence not clamped: %v", a.Confidence)
	}
	if a.Severity != SeverityMedium {
		t.Errorf("severity = %v", a.Severity)
	}
}

// ─── Audit Log ───────────────────────────────────────────────────────────────

func TestAuditLog_HeaderAndEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "alerts.log")
	audit, err := OpenAuditLog(path)
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(&memStore{}, zerolog.Nop(), nil, WithAudit(audit), WithClock(clock))
	line := "ts  8.8.8.8  GET /a%0d%0aSet-Cookie:x  200  1ms"
	if _, err := m.LogAlert(context.Background(), detect.AttackCRLF, []string{"crlf_encoded"}, line, nil, 1); err != nil {
		t.Fatal(err)
	}
	audit.Close()

	// Reopening must not repeat the header.
	audit, err = OpenAuditLog(path)
	if err != nil {
		t.Fatal(err)
	}
	audit.Append(fixedNow, "XSS", SeverityHigh, "a\nb", "line\r\nsplit")
	audit.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("audit lines = %q", lines)
	}
	if lines[0] != "---- ALERT LOG ----" {
		t.Errorf("header = %q", lines[0])
	}
	want := "[2026-05-01 08:15:00] CRLF Injection detected | Severity: medium | Pattern: crlf_encoded | Line: " + line
	if lines[1] != want {
		t.Errorf("entry = %q\nwant    %q", lines[1], want)
	}
	if !strings.Contains(lines[2], "Pattern: a b | Line: line split") {
		t.Errorf("newlines not flattened: %q", lines[2])
	}
}
