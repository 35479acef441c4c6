// Package client provides the rate-limited Graph HTTP client shared by every
// fetch worker. It attaches the bearer token, honours the throttle gate and
// retries transient failures with exponential backoff.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/graph-export/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for Graph client operations.
var (
	graphRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_export_requests_total",
		Help: "Total Graph requests by status",
	}, []string{"status"})

	graphRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graph_export_request_duration_seconds",
		Help:    "Graph request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	graphErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graph_export_errors_total",
		Help: "Total failed Graph attempts by class",
	}, []string{"class"})
)

// TokenSource supplies bearer tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)

	// Expired reports whether the most recently issued token has passed
	// its expiry.
	Expired() bool
}

// Client is the Graph fetch client. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	throttle   *ratelimit.Tracker
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// User-Agent header sent with every request.
	UserAgent string

	// Timeout bounds a single attempt.
	Timeout time.Duration

	// Retry controls backoff between attempts.
	Retry RetryConfig
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		UserAgent: "graph-export/1.0",
		Timeout:   60 * time.Second,
		Retry:     DefaultRetryConfig(),
	}
}

// New creates a client. A nil throttle gets an in-process tracker.
func New(cfg Config, tokens TokenSource, throttle *ratelimit.Tracker, logger zerolog.Logger) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if cfg.Retry.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0 (got %d)", cfg.Retry.MaxRetries)
	}

	logger = logger.With().Str("component", "graph-client").Logger()
	if throttle == nil {
		throttle = ratelimit.NewTracker(nil, logger)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		tokens:   tokens,
		throttle: throttle,
		config:   cfg,
		logger:   logger,
	}, nil
}

// Get fetches url and returns the final status and body.
//
// 2xx, 404, 402 and 403 are returned on the first attempt. 401 is returned
// unless the held token had expired, in which case the token is refreshed
// and the request retried. Every other status and every transport failure is
// retried until the budget is spent, after which the error wraps
// ErrRetryExhausted and, for HTTP failures, an *APIError with the body.
func (c *Client) Get(ctx context.Context, url string) (int, []byte, error) {
	var status int
	var body []byte

	err := retryWithBackoff(ctx, c.config.Retry, c.logger, func(attempt int) (ErrorClass, error) {
		status, body = 0, nil

		if err := c.throttle.Wait(ctx); err != nil {
			return ErrorClassThrottle, err
		}

		token, err := c.tokens.Token(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Token acquisition failed")
			graphErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			return ErrorClassNetwork, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.config.UserAgent)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		graphRequestDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			c.logger.Warn().Err(err).Str("url", url).Int("attempt", attempt+1).Msg("Graph request failed")
			graphErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			graphRequestsTotal.WithLabelValues("network_error").Inc()
			return ErrorClassNetwork, err
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			graphErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			return ErrorClassNetwork, fmt.Errorf("read response body: %w", err)
		}
		status, body = resp.StatusCode, data
		graphRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()

		if err := c.throttle.UpdateFromResponse(ctx, status, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to record throttle state")
		}

		switch {
		case status >= 200 && status < 300:
			return "", nil
		case passThrough(status):
			return "", nil
		case status == http.StatusUnauthorized:
			if !c.tokens.Expired() {
				return "", nil
			}
			graphErrorsTotal.WithLabelValues(string(ErrorClassAuthExpired)).Inc()
			c.logger.Info().Str("url", url).Msg("Token expired - refreshing and retrying")
			return ErrorClassAuthExpired, &APIError{
				StatusCode: status,
				ErrorClass: ErrorClassAuthExpired,
				Method:     http.MethodGet,
				URL:        url,
				Body:       data,
			}
		}

		class := ClassifyStatus(status)
		graphErrorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().
			Str("url", url).
			Int("status", status).
			Str("error_class", string(class)).
			Int("attempt", attempt+1).
			Msg("Graph request error")

		return class, &APIError{
			StatusCode: status,
			ErrorClass: class,
			Method:     http.MethodGet,
			URL:        url,
			Body:       data,
		}
	})
	if err != nil {
		return status, body, err
	}
	return status, body, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
