package intel

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/1sec-project/tailguard/internal/metrics"
	"github.com/rs/zerolog"
)

type abuseIPDBResponse struct {
	Data struct {
		AbuseConfidenceScore int `json:"abuseConfidenceScore"`
	} `json:"data"`
}

// AbuseIPDBClient queries the AbuseIPDB v2 check endpoint. Caching lives in
// the reputation detector.
type AbuseIPDBClient struct {
	cfg    ReputationConfig
	client *client
}

func NewAbuseIPDBClient(cfg ReputationConfig, bc BreakerConfig, hc *http.Client, logger zerolog.Logger, m *metrics.Metrics) (*AbuseIPDBClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("abuseipdb api key is empty")
	}
	return &AbuseIPDBClient{
		cfg:    cfg,
		client: newClient("abuseipdb", cfg.Timeout, cfg.MinInterval, bc, hc, logger, m),
	}, nil
}

func (a *AbuseIPDBClient) Check(ctx context.Context, ip string) (int, error) {
	addr, err := validIP(ip)
	if err != nil {
		return 0, err
	}
	if IsLocal(addr) {
		a.client.metrics.Lookup("abuseipdb", "skipped")
		return 0, nil
	}

	q := url.Values{}
	q.Set("ipAddress", addr)
	q.Set("maxAgeInDays", strconv.Itoa(a.cfg.MaxAgeDays))
	header := http.Header{}
	header.Set("Key", a.cfg.APIKey)

	var resp abuseIPDBResponse
	if err := a.client.get(ctx, a.cfg.Endpoint+"?"+q.Encode(), header, &resp); err != nil {
		return 0, err
	}
	a.client.metrics.Lookup("abuseipdb", "miss")

	score := resp.Data.AbuseConfidenceScore
	switch {
	case score < 0:
		score = 0
	case score > 100:
		score = 100
	}
	return score, nil
}
