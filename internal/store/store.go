// Package store persists alerts and per-day attack counters in SQLite.
// Each alert insert and its counter increment share one transaction, so
// for every (date, attack_type) the counter equals the number of alerts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrPersistence wraps every failed write.
var ErrPersistence = errors.New("persisting alert")

// ErrNotFound is returned by Alert for an unknown id.
var ErrNotFound = errors.New("alert not found")

// TimeLayout is the stored timestamp format, always UTC.
const TimeLayout = "2006-01-02 15:04:05"

const dateLayout = "2006-01-02"

type Store struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Store)

// WithClock replaces time.Now for cutoff computations, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// SQLite has one writer; a single connection also keeps id assignment
	// and counter upserts strictly serialized.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS alerts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  timestamp TEXT NOT NULL,
  attack_type TEXT NOT NULL,
  severity TEXT DEFAULT 'medium',
  pattern TEXT,
  source_ip TEXT,
  country TEXT,
  city TEXT,
  latitude REAL,
  longitude REAL,
  log_line TEXT,
  ml_score REAL,
  confidence REAL DEFAULT 1.0
);
CREATE TABLE IF NOT EXISTS statistics (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  date TEXT NOT NULL,
  attack_type TEXT NOT NULL,
  count INTEGER DEFAULT 1,
  UNIQUE(date, attack_type)
);
CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp);
CREATE INDEX IF NOT EXISTS idx_alerts_type ON alerts(attack_type);
CREATE INDEX IF NOT EXISTS idx_alerts_source_ip ON alerts(source_ip);
`)
	return err
}

// NewAlert is the data needed to persist an alert. A zero Time means now.
type NewAlert struct {
	Time       time.Time
	AttackType string
	Severity   string
	Pattern    string
	SourceIP   string
	Country    *string
	City       *string
	Latitude   *float64
	Longitude  *float64
	LogLine    string
	MLScore    *float64
	Confidence float64
}

// Alert is a persisted alert row. Geo fields and MLScore are nil when
// unknown.
type Alert struct {
	ID         int64    `json:"id"`
	Timestamp  string   `json:"timestamp"`
	AttackType string   `json:"attack_type"`
	Severity   string   `json:"severity"`
	Pattern    string   `json:"pattern"`
	SourceIP   string   `json:"source_ip"`
	Country    *string  `json:"country"`
	City       *string  `json:"city"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	LogLine    string   `json:"log_line"`
	MLScore    *float64 `json:"ml_score"`
	Confidence float64  `json:"confidence"`
}

// InsertAlert stores a and increments the counter for its date and type in
// the same transaction, returning the new id.
func (s *Store) InsertAlert(ctx context.Context, a NewAlert) (int64, error) {
	if strings.TrimSpace(a.AttackType) == "" {
		return 0, fmt.Errorf("%w: attack_type is empty", ErrPersistence)
	}
	ts := a.Time
	if ts.IsZero() {
		ts = s.now()
	}
	ts = ts.UTC()
	if a.Severity == "" {
		a.Severity = "medium"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
INSERT INTO alerts (timestamp, attack_type, severity, pattern, source_ip,
                    country, city, latitude, longitude, log_line, ml_score, confidence)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.Format(TimeLayout), a.AttackType, a.Severity, a.Pattern, a.SourceIP,
		a.Country, a.City, a.Latitude, a.Longitude, a.LogLine, a.MLScore, a.Confidence,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: insert: %v", ErrPersistence, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: last insert id: %v", ErrPersistence, err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO statistics (date, attack_type, count) VALUES (?, ?, 1)
ON CONFLICT(date, attack_type) DO UPDATE SET count = count + 1`,
		ts.Format(dateLayout), a.AttackType,
	); err != nil {
		return 0, fmt.Errorf("%w: upsert statistics: %v", ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	return id, nil
}

const alertColumns = `id, timestamp, attack_type, severity, pattern, source_ip,
country, city, latitude, longitude, log_line, ml_score, confidence`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(r rowScanner) (Alert, error) {
	var (
		a                 Alert
		severity, pattern sql.NullString
		sourceIP, logLine sql.NullString
		country, city     sql.NullString
		lat, lon, ml      sql.NullFloat64
		confidence        sql.NullFloat64
	)
	if err := r.Scan(&a.ID, &a.Timestamp, &a.AttackType, &severity, &pattern, &sourceIP,
		&country, &city, &lat, &lon, &logLine, &ml, &confidence); err != nil {
		return Alert{}, err
	}
	a.Severity = severity.String
	a.Pattern = pattern.String
	a.SourceIP = sourceIP.String
	a.LogLine = logLine.String
	a.Confidence = 1
	if confidence.Valid {
		a.Confidence = confidence.Float64
	}
	if country.Valid {
		a.Country = &country.String
	}
	if city.Valid {
		a.City = &city.String
	}
	if lat.Valid {
		a.Latitude = &lat.Float64
	}
	if lon.Valid {
		a.Longitude = &lon.Float64
	}
	if ml.Valid {
		a.MLScore = &ml.Float64
	}
	return a, nil
}

// RecentAlerts returns up to limit alerts, newest first, optionally
// restricted to one attack type.
func (s *Store) RecentAlerts(ctx context.Context, limit int, attackType string) ([]Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + alertColumns + ` FROM alerts`
	args := []any{}
	if attackType != "" {
		q += ` WHERE attack_type = ?`
		args = append(args, attackType)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recent alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Alert returns one alert by id.
func (s *Store) Alert(ctx context.Context, id int64) (Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Alert{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return Alert{}, fmt.Errorf("querying alert %d: %w", id, err)
	}
	return a, nil
}

// AlertCount returns the total number of stored alerts.
func (s *Store) AlertCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting alerts: %w", err)
	}
	return n, nil
}
