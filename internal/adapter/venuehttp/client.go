// internal/adapter/venuehttp/client.go

// Package venuehttp is the REST plumbing shared by venue historical
// adapters: a throttled, circuit-broken HTTP GET with metrics and tracing.
package venuehttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/metrics"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
)

var tracer = otel.Tracer("ohlcv/adapter/venuehttp")

// maxErrorBody caps how much of a failed response is kept in StatusError.
const maxErrorBody = 512

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// BreakerConfig tunes the per-venue circuit breaker.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker. Zero → 5.
	ConsecutiveFailures uint32 `mapstructure:"consecutive_failures"`
	// OpenTimeout is how long the breaker stays open. Zero → 30s.
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
	// HalfOpenRequests may probe while half-open. Zero → 1.
	HalfOpenRequests uint32 `mapstructure:"half_open_requests"`
}

// Config describes one venue REST endpoint.
type Config struct {
	Venue     string
	BaseURL   string
	Timeout   time.Duration     // per request; zero → 10s
	RateLimit float64           // requests per second; zero → unlimited
	RateBurst int               // zero → 1
	Headers   map[string]string // static headers, e.g. Authorization
	Breaker   BreakerConfig
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker.ConsecutiveFailures = 5
	}
	if c.Breaker.OpenTimeout <= 0 {
		c.Breaker.OpenTimeout = 30 * time.Second
	}
	if c.Breaker.HalfOpenRequests == 0 {
		c.Breaker.HalfOpenRequests = 1
	}
}

func (c Config) validate() error {
	if c.Venue == "" {
		return fmt.Errorf("venuehttp: venue is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("venuehttp: %s: invalid base url %q", c.Venue, c.BaseURL)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("venuehttp: %s: rate limit must be ≥ 0", c.Venue)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// StatusError is a non-2xx venue response.
type StatusError struct {
	Venue      string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Venue, e.StatusCode, e.Body)
}

// Temporary reports whether the venue is overloaded or failing rather than
// rejecting the request itself.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// Client issues GET requests against one venue.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	log     *logger.Logger
}

// New builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, log *logger.Logger) (*Client, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	base, _ := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	log = log.Named("venuehttp").With(zap.String("venue", cfg.Venue))

	br := cfg.Breaker
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        cfg.Venue,
		MaxRequests: br.HalfOpenRequests,
		Timeout:     br.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= br.ConsecutiveFailures
		},
		IsSuccessful: isSuccessfulForBreaker,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("venue circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		cfg:     cfg,
		base:    base,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, cfg.RateBurst),
		breaker: cb,
		log:     log,
	}, nil
}

// isSuccessfulForBreaker counts only venue-health failures against the
// breaker; a rejected request (bad symbol, auth) does not trip it.
func isSuccessfulForBreaker(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Temporary()
	}
	return false
}

// Get performs GET base+path?query and returns the body of a 2xx response.
// Transport errors are returned as produced by net/http, non-2xx responses
// as *StatusError and an open breaker as gobreaker.ErrOpenState.
func (c *Client) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "venue.GET", trace.WithAttributes(
		attribute.String("venue", c.cfg.Venue),
		attribute.String("path", path),
	))
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}

	start := time.Now()
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, path, query)
	})
	metrics.VenueLatency.WithLabelValues(c.cfg.Venue).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.VenueRequests.WithLabelValues(c.cfg.Venue, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.WithContext(ctx).Warn("venue request failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	metrics.VenueRequests.WithLabelValues(c.cfg.Venue, "ok").Inc()
	return body, nil
}

// GetJSON is Get followed by JSON decoding into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.Get(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		metrics.ParseErrors.WithLabelValues(c.cfg.Venue).Inc()
		return fmt.Errorf("%s: decode %s: %w", c.cfg.Venue, path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &StatusError{Venue: c.cfg.Venue, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// -----------------------------------------------------------------------------
// Numeric helpers
// -----------------------------------------------------------------------------

// ParseFloat converts a venue decimal string ("40100.12000000") to float64.
// Parsing goes through an exact decimal so exponent and trailing-zero forms
// are accepted uniformly.
func ParseFloat(s string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	f, _ := d.Float64()
	return f, nil
}

// ParseInt parses a decimal integer string such as an OKX millisecond timestamp.
func ParseInt(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}
