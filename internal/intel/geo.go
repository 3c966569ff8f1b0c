package intel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/1sec-project/tailguard/internal/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

type ipAPIResponse struct {
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Country string  `json:"country"`
	City    string  `json:"city"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// GeoClient resolves public addresses through ip-api.com. Successful
// answers are cached; local addresses resolve to LocalLocation without a
// request.
type GeoClient struct {
	endpoint string
	client   *client
	cache    *expirable.LRU[string, Location]
}

func NewGeoClient(cfg GeoConfig, bc BreakerConfig, hc *http.Client, logger zerolog.Logger, m *metrics.Metrics) *GeoClient {
	endpoint := cfg.Endpoint
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	return &GeoClient{
		endpoint: endpoint,
		client:   newClient("geo", cfg.Timeout, cfg.MinInterval, bc, hc, logger, m),
		cache:    expirable.NewLRU[string, Location](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

func (g *GeoClient) Locate(ctx context.Context, ip string) (Location, error) {
	if IsLocal(ip) {
		g.client.metrics.Lookup("geo", "skipped")
		return LocalLocation, nil
	}
	addr, err := validIP(ip)
	if err != nil {
		g.client.metrics.Lookup("geo", "skipped")
		return UnknownLocation, err
	}
	if loc, ok := g.cache.Get(addr); ok {
		g.client.metrics.Lookup("geo", "hit")
		return loc, nil
	}

	var resp ipAPIResponse
	if err := g.client.get(ctx, g.endpoint+url.PathEscape(addr), nil, &resp); err != nil {
		return UnknownLocation, err
	}
	if resp.Status != "success" {
		g.client.metrics.Lookup("geo", "error")
		return UnknownLocation, fmt.Errorf("%w: geo: %s", ErrLookup, resp.Message)
	}
	g.client.metrics.Lookup("geo", "miss")

	loc := Location{
		Country:   orUnknown(resp.Country),
		City:      orUnknown(resp.City),
		Latitude:  resp.Lat,
		Longitude: resp.Lon,
		HasCoords: true,
	}
	g.cache.Add(addr, loc)
	return loc, nil
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return CountryUnknown
	}
	return s
}
