// Package alert turns detections into persisted alerts: it classifies
// severity, attaches geolocation, stores the row and its daily counter, and
// appends the audit trail.
package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/1sec-project/tailguard/internal/detect"
	"github.com/1sec-project/tailguard/internal/intel"
	"github.com/1sec-project/tailguard/internal/metrics"
	"github.com/1sec-project/tailguard/internal/store"
	"github.com/rs/zerolog"
)

// Store is the persistence the manager needs.
type Store interface {
	InsertAlert(ctx context.Context, a store.NewAlert) (int64, error)
}

// Alert describes an alert that was just persisted.
type Alert struct {
	ID         int64             `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	AttackType detect.AttackType `json:"attack_type"`
	Severity   Severity          `json:"severity"`
	Pattern    string            `json:"pattern"`
	SourceIP   string            `json:"source_ip"`
	Location   intel.Location    `json:"location"`
	MLScore    *float64          `json:"ml_score,omitempty"`
	Confidence float64           `json:"confidence"`
}

type Manager struct {
	store   Store
	geo     intel.Geolocator
	audit   *AuditLog
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Manager)

// WithAudit appends every alert to a.
func WithAudit(a *AuditLog) Option {
	return func(m *Manager) { m.audit = a }
}

// WithGeolocator enables geolocation of public sources.
func WithGeolocator(g intel.Geolocator) Option {
	return func(m *Manager) { m.geo = g }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(s Store, logger zerolog.Logger, m *metrics.Metrics, opts ...Option) *Manager {
	mgr := &Manager{
		store:   s,
		logger:  logger.With().Str("component", "alert").Logger(),
		metrics: m,
		now:     time.Now,
	}
	for _, o := range opts {
		o(mgr)
	}
	return mgr
}

// LogAlert persists one alert and returns its id. mlScore is nil for
// signature alerts.
func (m *Manager) LogAlert(ctx context.Context, attackType detect.AttackType, evidence []string, line string, mlScore *float64, confidence float64) (int64, error) {
	a, err := m.Raise(ctx, attackType, evidence, line, mlScore, confidence)
	return a.ID, err
}

// Raise is LogAlert returning the full alert.
func (m *Manager) Raise(ctx context.Context, attackType detect.AttackType, evidence []string, line string, mlScore *float64, confidence float64) (Alert, error) {
	line = strings.TrimSpace(line)
	a := Alert{
		Timestamp:  m.now().UTC(),
		AttackType: attackType,
		Severity:   Classify(attackType, evidence),
		Pattern:    strings.Join(evidence, ", "),
		SourceIP:   detect.SourceIP(line),
		MLScore:    mlScore,
		Confidence: clamp01(confidence),
	}
	a.Location = m.locate(ctx, a.SourceIP)

	row := store.NewAlert{
		Time:       a.Timestamp,
		AttackType: string(a.AttackType),
		Severity:   a.Severity.String(),
		Pattern:    a.Pattern,
		SourceIP:   a.SourceIP,
		Country:    &a.Location.Country,
		City:       &a.Location.City,
		LogLine:    line,
		MLScore:    mlScore,
		Confidence: a.Confidence,
	}
	if a.Location.HasCoords {
		row.Latitude = &a.Location.Latitude
		row.Longitude = &a.Location.Longitude
	}

	id, err := m.store.InsertAlert(ctx, row)
	if err != nil {
		return Alert{}, fmt.Errorf("logging %s alert: %w", attackType, err)
	}
	a.ID = id
	m.metrics.AlertRaised(string(attackType), a.Severity.String())

	if m.audit != nil {
		if err := m.audit.Append(a.Timestamp, string(attackType), a.Severity, a.Pattern, line); err != nil {
			m.logger.Warn().Err(err).Int64("alert_id", id).Msg("audit append failed")
		}
	}

	m.logger.Info().
		Int64("alert_id", id).
		Str("attack_type", string(attackType)).
		Str("severity", a.Severity.String()).
		Str("source_ip", a.SourceIP).
		Str("pattern", a.Pattern).
		Msg("alert raised")
	return a, nil
}

func (m *Manager) locate(ctx context.Context, ip string) intel.Location {
	if ip == "" || ip == "unknown" {
		return intel.UnknownLocation
	}
	if intel.IsLocal(ip) {
		return intel.LocalLocation
	}
	if m.geo == nil {
		return intel.UnknownLocation
	}
	loc, err := m.geo.Locate(ctx, ip)
	if err != nil {
		m.logger.Debug().Err(err).Str("ip", ip).Msg("geolocation failed")
		return intel.UnknownLocation
	}
	return loc
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
