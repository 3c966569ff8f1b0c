package intel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/1sec-project/tailguard/internal/metrics"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// maxBody caps how much of a response is decoded.
const maxBody = 1 << 20

// client is the shared HTTP plumbing of the lookup collaborators: one rate
// limiter, one breaker and a per-request timeout.
type client struct {
	name    string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	timeout time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func newClient(name string, timeout, minInterval time.Duration, bc BreakerConfig, hc *http.Client, logger zerolog.Logger, m *metrics.Metrics) *client {
	if hc == nil {
		hc = &http.Client{}
	}
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	c := &client{
		name:    name,
		http:    hc,
		limiter: rate.NewLimiter(limit, 1),
		timeout: timeout,
		logger:  logger.With().Str("component", name).Logger(),
		metrics: m,
	}
	c.breaker = newBreaker[[]byte](name, bc, c.logger, m)
	return c
}

// statusError is a non-2xx response. 4xx answers are the caller's fault and
// do not count against the breaker.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.code) }

// get performs a rate-limited, breaker-guarded GET and decodes the JSON
// body into out.
func (c *client) get(ctx context.Context, url string, header http.Header, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		c.metrics.Lookup(c.name, "rejected")
		return fmt.Errorf("%w: %s rate limited: %v", ErrLookup, c.name, err)
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.fetch(ctx, url, header)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.metrics.Lookup(c.name, "rejected")
		} else {
			c.metrics.Lookup(c.name, "error")
		}
		return fmt.Errorf("%w: %s: %v", ErrLookup, c.name, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.metrics.Lookup(c.name, "error")
		return fmt.Errorf("%w: decoding %s response: %v", ErrLookup, c.name, err)
	}
	return nil
}

func (c *client) fetch(ctx context.Context, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil, &statusError{code: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return body, nil
}
