package store

import (
	"context"
	"fmt"
	"time"
)

// Attacker is one row of the top-attackers ranking.
type Attacker struct {
	SourceIP string  `json:"source_ip"`
	Count    int64   `json:"count"`
	Country  *string `json:"country"`
	City     *string `json:"city"`
	LastSeen string  `json:"last_seen"`
}

// TimelineBucket counts alerts of one type within one hour.
type TimelineBucket struct {
	Hour       string `json:"hour"`
	AttackType string `json:"attack_type"`
	Count      int64  `json:"count"`
}

// GeoPoint aggregates alerts sharing a geolocation.
type GeoPoint struct {
	Country   string  `json:"country"`
	City      string  `json:"city"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Count     int64   `json:"count"`
}

// CounterMismatch reports a (date, attack_type) whose counter disagrees
// with the number of stored alerts.
type CounterMismatch struct {
	Date       string `json:"date"`
	AttackType string `json:"attack_type"`
	Counter    int64  `json:"counter"`
	Alerts     int64  `json:"alerts"`
}

// PurgeResult counts rows removed by PurgeOlderThan.
type PurgeResult struct {
	Alerts   int64 `json:"alerts"`
	Counters int64 `json:"counters"`
}

func (s *Store) cutoffDate(days int) string {
	return s.now().UTC().AddDate(0, 0, -days).Format(dateLayout)
}

// StatsByType sums the daily counters of the last days days (today
// included) per attack type.
func (s *Store) StatsByType(ctx context.Context, days int) (map[string]int64, error) {
	if days <= 0 {
		days = 7
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT attack_type, SUM(count) FROM statistics
WHERE date > ?
GROUP BY attack_type`, s.cutoffDate(days))
	if err != nil {
		return nil, fmt.Errorf("querying statistics: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			t string
			n int64
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scanning statistics: %w", err)
		}
		out[t] = n
	}
	return out, rows.Err()
}

// TopAttackers ranks source addresses by alert count.
func (s *Store) TopAttackers(ctx context.Context, limit int) ([]Attacker, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT source_ip, COUNT(*) AS n, MAX(country), MAX(city), MAX(timestamp)
FROM alerts
GROUP BY source_ip
ORDER BY n DESC, source_ip ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying top attackers: %w", err)
	}
	defer rows.Close()

	var out []Attacker
	for rows.Next() {
		var a Attacker
		if err := rows.Scan(&a.SourceIP, &a.Count, &a.Country, &a.City, &a.LastSeen); err != nil {
			return nil, fmt.Errorf("scanning attacker: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AttackTimeline buckets alerts of the last hours hours by hour and type,
// oldest bucket first.
func (s *Store) AttackTimeline(ctx context.Context, hours int) ([]TimelineBucket, error) {
	if hours <= 0 {
		hours = 24
	}
	since := s.now().UTC().Add(-time.Duration(hours) * time.Hour).Format(TimeLayout)
	rows, err := s.db.QueryContext(ctx, `
SELECT substr(timestamp, 1, 13) || ':00:00' AS hour, attack_type, COUNT(*)
FROM alerts
WHERE timestamp >= ?
GROUP BY hour, attack_type
ORDER BY hour ASC, attack_type ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("querying timeline: %w", err)
	}
	defer rows.Close()

	var out []TimelineBucket
	for rows.Next() {
		var b TimelineBucket
		if err := rows.Scan(&b.Hour, &b.AttackType, &b.Count); err != nil {
			return nil, fmt.Errorf("scanning timeline: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GeoAggregate groups geolocated alerts by place.
func (s *Store) GeoAggregate(ctx context.Context) ([]GeoPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT COALESCE(country, ''), COALESCE(city, ''), latitude, longitude, COUNT(*) AS n
FROM alerts
WHERE latitude IS NOT NULL AND longitude IS NOT NULL
GROUP BY country, city, latitude, longitude
ORDER BY n DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying geo aggregate: %w", err)
	}
	defer rows.Close()

	var out []GeoPoint
	for rows.Next() {
		var p GeoPoint
		if err := rows.Scan(&p.Country, &p.City, &p.Latitude, &p.Longitude, &p.Count); err != nil {
			return nil, fmt.Errorf("scanning geo point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PurgeOlderThan removes alerts and counters dated before today minus days.
// Both tables are cut on the same date boundary in one transaction, so the
// surviving counters still match the surviving alerts.
func (s *Store) PurgeOlderThan(ctx context.Context, days int) (PurgeResult, error) {
	if days < 1 {
		return PurgeResult{}, fmt.Errorf("retention must be at least one day, got %d", days)
	}
	cutoff := s.cutoffDate(days)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("%w: begin purge: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	var res PurgeResult
	r, err := tx.ExecContext(ctx, `DELETE FROM alerts WHERE substr(timestamp, 1, 10) < ?`, cutoff)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("%w: purging alerts: %v", ErrPersistence, err)
	}
	res.Alerts, _ = r.RowsAffected()

	r, err = tx.ExecContext(ctx, `DELETE FROM statistics WHERE date < ?`, cutoff)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("%w: purging statistics: %v", ErrPersistence, err)
	}
	res.Counters, _ = r.RowsAffected()

	if err := tx.Commit(); err != nil {
		return PurgeResult{}, fmt.Errorf("%w: commit purge: %v", ErrPersistence, err)
	}
	return res, nil
}

// CounterMismatches lists every (date, attack_type) where the counter and
// the alert rows disagree, including alerts with no counter row at all.
func (s *Store) CounterMismatches(ctx context.Context) ([]CounterMismatch, error) {
	rows, err := s.db.QueryContext(ctx, `
WITH actual AS (
  SELECT substr(timestamp, 1, 10) AS date, attack_type, COUNT(*) AS n
  FROM alerts GROUP BY date, attack_type
)
SELECT s.date, s.attack_type, s.count, COALESCE(a.n, 0)
FROM statistics s
LEFT JOIN actual a ON a.date = s.date AND a.attack_type = s.attack_type
WHERE s.count != COALESCE(a.n, 0)
UNION ALL
SELECT a.date, a.attack_type, 0, a.n
FROM actual a
LEFT JOIN statistics s ON s.date = a.date AND s.attack_type = a.attack_type
WHERE s.id IS NULL
ORDER BY 1, 2`)
	if err != nil {
		return nil, fmt.Errorf("checking counters: %w", err)
	}
	defer rows.Close()

	var out []CounterMismatch
	for rows.Next() {
		var m CounterMismatch
		if err := rows.Scan(&m.Date, &m.AttackType, &m.Counter, &m.Alerts); err != nil {
			return nil, fmt.Errorf("scanning counter mismatch: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
