package detect

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

const (
	reputationTTL        = time.Hour
	reputationFailureTTL = 5 * time.Minute
	reputationCacheSize  = 4096
)

var ipv4Re = regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`)

// ReputationSource returns an abuse confidence score in 0..100 for ip.
type ReputationSource interface {
	Check(ctx context.Context, ip string) (int, error)
}

// ReputationDetector flags sources with a bad external reputation. Lookups
// are only issued for lines the anomaly scorer did not already rate as
// benign; results are cached, failures briefly as a score of zero.
type ReputationDetector struct {
	source    ReputationSource
	threshold int
	gate      float64
	scores    *expirable.LRU[string, int]
	failures  *expirable.LRU[string, struct{}]
	logger    zerolog.Logger
}

func NewReputationDetector(cfg ReputationConfig, source ReputationSource, logger zerolog.Logger) *ReputationDetector {
	return &ReputationDetector{
		source:    source,
		threshold: cfg.Threshold,
		gate:      cfg.ScoreGate,
		scores:    expirable.NewLRU[string, int](reputationCacheSize, nil, reputationTTL),
		failures:  expirable.NewLRU[string, struct{}](reputationCacheSize, nil, reputationFailureTTL),
		logger:    logger.With().Str("component", "reputation").Logger(),
	}
}

func (d *ReputationDetector) Name() string { return "reputation" }

func (d *ReputationDetector) Detect(ctx context.Context, in Input) (Result, error) {
	if d.source == nil {
		return NoMatch, nil
	}
	ip, ok := firstPublicIPv4(in.Raw)
	if !ok {
		return NoMatch, nil
	}

	score, cached := d.scores.Get(ip)
	if !cached {
		if _, failed := d.failures.Get(ip); failed {
			return NoMatch, nil
		}
		// Without a score there is no local evidence the line is suspicious.
		if !in.Scored || in.Score < d.gate {
			return NoMatch, nil
		}
		var err error
		score, err = d.source.Check(ctx, ip)
		if err != nil {
			d.failures.Add(ip, struct{}{})
			d.logger.Debug().Err(err).Str("ip", ip).Msg("reputation lookup failed")
			return NoMatch, nil
		}
		d.scores.Add(ip, score)
	}

	if score < d.threshold {
		return NoMatch, nil
	}
	return match(d.Name(), AttackReputation, []string{fmt.Sprintf("abuseipdb_score:%d", score)}), nil
}

func firstPublicIPv4(line string) (string, bool) {
	m := ipv4Re.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	addr, err := netip.ParseAddr(m[1])
	if err != nil {
		return "", false
	}
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsUnspecified() || addr.IsLinkLocalUnicast() {
		return "", false
	}
	return addr.String(), true
}
