package intel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Geo.MinInterval = 0
	cfg.Reputation.MinInterval = 0
	cfg.Geo.Timeout = 2 * time.Second
	cfg.Reputation.Timeout = 2 * time.Second
	cfg.Breaker.MinRequests = 2
	cfg.Breaker.FailureRatio = 0.5
	return cfg
}

func newGeo(t *testing.T, h http.HandlerFunc) (*GeoClient, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.Geo.Endpoint = srv.URL + "/json"
	return NewGeoClient(cfg.Geo, cfg.Breaker, srv.Client(), zerolog.Nop(), nil), &hits
}

// ─── IsLocal ─────────────────────────────────────────────────────────────────

func TestIsLocal(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"10.1.2.3", true},
		{"172.16.0.9", true},
		{"192.168.1.1", true},
		{"169.254.10.10", true},
		{"0.0.0.0", true},
		{"localhost", true},
		{"::ffff:192.168.0.1", true},
		{"172.32.0.1", false},
		{"8.8.8.8", false},
		{"2001:4860::8888", false},
		{"unknown", false},
	}
	for _, tt := range tests {
		if got := IsLocal(tt.ip); got != tt.want {
			t.Errorf("IsLocal(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

// ─── Geo ─────────────────────────────────────────────────────────────────────

func TestGeo_LocateAndCache(t *testing.T) {
	g, hits := newGeo(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/json/203.0.113.5") {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"status":"success","country":"Testland","city":"Exampleville","lat":48.5,"lon":2.25}`))
	})
	ctx := context.Background()

	loc, err := g.Locate(ctx, "203.0.113.5")
	if err != nil {
		t.Fatal(err)
	}
	want := Location{Country: "Testland", City: "Exampleville", Latitude: 48.5, Longitude: 2.25, HasCoords: true}
	if loc != want {
		t.Errorf("Locate() = %+v, want %+v", loc, want)
	}
	if _, err := g.Locate(ctx, "203.0.113.5"); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(hits); n != 1 {
		t.Errorf("server hits = %d, want 1 (cached)", n)
	}
}

func TestGeo_LocalNeverQueried(t *testing.T) {
	g, hits := newGeo(t, func(w http.ResponseWriter, r *http.Request) {})
	loc, err := g.Locate(context.Background(), "192.168.1.20")
	if err != nil {
		t.Fatal(err)
	}
	if loc != LocalLocation {
		t.Errorf("Locate(private) = %+v", loc)
	}
	if atomic.LoadInt32(hits) != 0 {
		t.Error("private address sent to geo service")
	}
}

func TestGeo_FailuresReturnUnknown(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		ip      string
	}{
		{"fail status", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":"fail","message":"reserved range"}`))
		}, "203.0.113.5"},
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}, "203.0.113.5"},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{`))
		}, "203.0.113.5"},
		{"invalid ip", func(w http.ResponseWriter, r *http.Request) {}, "not-an-ip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newGeo(t, tt.handler)
			loc, err := g.Locate(context.Background(), tt.ip)
			if !errors.Is(err, ErrLookup) {
				t.Errorf("err = %v, want ErrLookup", err)
			}
			if loc != UnknownLocation {
				t.Errorf("loc = %+v, want UnknownLocation", loc)
			}
		})
	}
}

func TestGeo_Timeout(t *testing.T) {
	g, _ := newGeo(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	g.client.timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := g.Locate(context.Background(), "203.0.113.5")
	if !errors.Is(err, ErrLookup) {
		t.Fatalf("err = %v, want ErrLookup", err)
	}
	if time.Since(start) > time.Second {
		t.Error("lookup not bounded by timeout")
	}
}

func TestGeo_BreakerOpensOnServerErrors(t *testing.T) {
	g, hits := newGeo(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		g.Locate(ctx, "203.0.113.5")
	}
	before := atomic.LoadInt32(hits)
	_, err := g.Locate(ctx, "203.0.113.5")
	if !errors.Is(err, ErrLookup) {
		t.Fatalf("err = %v, want ErrLookup", err)
	}
	if atomic.LoadInt32(hits) != before {
		t.Error("open breaker still forwarded the request")
	}
}

func TestGeo_ClientErrorsDoNotTripBreaker(t *testing.T) {
	g, hits := newGeo(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		g.Locate(ctx, "203.0.113.5")
	}
	if n := atomic.LoadInt32(hits); n != 4 {
		t.Errorf("server hits = %d, want 4", n)
	}
}

// ─── AbuseIPDB ───────────────────────────────────────────────────────────────

func TestAbuseIPDB_Check(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Key") != "secret" {
			t.Errorf("Key header = %q", r.Header.Get("Key"))
		}
		if r.URL.Query().Get("ipAddress") != "198.51.100.23" || r.URL.Query().Get("maxAgeInDays") != "90" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		w.Write([]byte(`{"data":{"ipAddress":"198.51.100.23","abuseConfidenceScore":87}}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Reputation.APIKey = "secret"
	cfg.Reputation.Endpoint = srv.URL + "/api/v2/check"
	c, err := NewAbuseIPDBClient(cfg.Reputation, cfg.Breaker, srv.Client(), zerolog.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	score, err := c.Check(context.Background(), "198.51.100.23")
	if err != nil {
		t.Fatal(err)
	}
	if score != 87 {
		t.Errorf("score = %d, want 87", score)
	}
}

func TestAbuseIPDB_RequiresKey(t *testing.T) {
	cfg := testConfig()
	if _, err := NewAbuseIPDBClient(cfg.Reputation, cfg.Breaker, nil, zerolog.Nop(), nil); err == nil {
		t.Error("client created without api key")
	}
}

func TestAbuseIPDB_QuotaExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Reputation.APIKey = "k"
	cfg.Reputation.Endpoint = srv.URL
	c, _ := NewAbuseIPDBClient(cfg.Reputation, cfg.Breaker, srv.Client(), zerolog.Nop(), nil)
	if _, err := c.Check(context.Background(), "198.51.100.23"); !errors.Is(err, ErrLookup) {
		t.Errorf("err = %v, want ErrLookup", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	cfg := DefaultConfig()
	cfg.Breaker.FailureRatio = 2
	if err := cfg.Validate(); err == nil {
		t.Error("failure_ratio 2 accepted")
	}
}
