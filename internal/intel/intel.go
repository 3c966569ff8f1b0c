// Package intel holds the external lookup collaborators: IP geolocation
// (ip-api.com) and IP reputation (AbuseIPDB). Both are rate limited, guarded
// by a circuit breaker and bounded by a per-request timeout. Callers treat
// any error as "unknown" and carry on.
package intel

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// ErrLookup wraps every failed lookup, including rejections by the
// circuit breaker or the rate limiter.
var ErrLookup = errors.New("intel lookup failed")

const (
	CountryLocal   = "Local"
	CountryUnknown = "Unknown"
)

// Location is the geographic context attached to an alert. HasCoords is
// false for local and unknown sources.
type Location struct {
	Country   string  `json:"country"`
	City      string  `json:"city"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	HasCoords bool    `json:"has_coords"`
}

var (
	LocalLocation   = Location{Country: CountryLocal, City: CountryLocal}
	UnknownLocation = Location{Country: CountryUnknown, City: CountryUnknown}
)

// Geolocator resolves an address to a Location.
type Geolocator interface {
	Locate(ctx context.Context, ip string) (Location, error)
}

// Reputation returns an abuse confidence score in 0..100.
type Reputation interface {
	Check(ctx context.Context, ip string) (int, error)
}

// IsLocal reports whether ip is loopback, private, link-local or
// unspecified. Such addresses are never sent to an external service.
func IsLocal(ip string) bool {
	if strings.EqualFold(ip, "localhost") {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified()
}

func validIP(ip string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("%w: invalid address %q", ErrLookup, ip)
	}
	return addr.Unmap().String(), nil
}

type Config struct {
	Geo        GeoConfig        `yaml:"geo"`
	Reputation ReputationConfig `yaml:"reputation"`
	Breaker    BreakerConfig    `yaml:"breaker"`
}

type GeoConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Endpoint    string        `yaml:"endpoint"`
	Timeout     time.Duration `yaml:"timeout"`
	MinInterval time.Duration `yaml:"min_interval"`
	CacheSize   int           `yaml:"cache_size"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type ReputationConfig struct {
	APIKey      string        `yaml:"api_key"`
	Endpoint    string        `yaml:"endpoint"`
	Timeout     time.Duration `yaml:"timeout"`
	MinInterval time.Duration `yaml:"min_interval"`
	MaxAgeDays  int           `yaml:"max_age_days"`
}

// BreakerConfig trips a breaker once MinRequests have been seen in the
// current interval and the failure ratio reaches FailureRatio.
type BreakerConfig struct {
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
	Interval     time.Duration `yaml:"interval"`
	OpenTimeout  time.Duration `yaml:"open_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Geo: GeoConfig{
			Enabled:     true,
			Endpoint:    "http://ip-api.com/json/",
			Timeout:     3 * time.Second,
			MinInterval: 1500 * time.Millisecond,
			CacheSize:   4096,
			CacheTTL:    24 * time.Hour,
		},
		Reputation: ReputationConfig{
			Endpoint:    "https://api.abuseipdb.com/api/v2/check",
			Timeout:     5 * time.Second,
			MinInterval: time.Second,
			MaxAgeDays:  90,
		},
		Breaker: BreakerConfig{
			MinRequests:  5,
			FailureRatio: 0.6,
			Interval:     time.Minute,
			OpenTimeout:  time.Minute,
		},
	}
}

func (c Config) Validate() error {
	if c.Geo.Enabled && c.Geo.Endpoint == "" {
		return errors.New("intel.geo.endpoint is required when geo is enabled")
	}
	if c.Geo.Timeout <= 0 || c.Reputation.Timeout <= 0 {
		return errors.New("intel timeouts must be > 0")
	}
	if c.Geo.MinInterval < 0 || c.Reputation.MinInterval < 0 {
		return errors.New("intel min_interval must be >= 0")
	}
	if c.Geo.CacheSize < 1 {
		return errors.New("intel.geo.cache_size must be >= 1")
	}
	if c.Reputation.APIKey != "" && c.Reputation.Endpoint == "" {
		return errors.New("intel.reputation.endpoint is required with an api key")
	}
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		return fmt.Errorf("intel.breaker.failure_ratio must be in (0,1], got %v", c.Breaker.FailureRatio)
	}
	if c.Breaker.OpenTimeout <= 0 {
		return errors.New("intel.breaker.open_timeout must be > 0")
	}
	return nil
}
