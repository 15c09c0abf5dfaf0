// Package client provides the authenticated Planet API HTTP client with
// retries, rate-limit cooldowns, and an optional Redis response cache.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/planet-client/pkg/cache"
	"github.com/Sternrassler/planet-client/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for Planet client operations.
var (
	planetRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planet_requests_total",
		Help: "Total Planet API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	planetRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "planet_request_duration_seconds",
		Help:    "Planet API request duration in seconds by endpoint",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	planetErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planet_errors_total",
		Help: "Total Planet API errors by class",
	}, []string{"class"})
)

const (
	// DefaultBaseURL is the Basemaps API root.
	DefaultBaseURL = "https://api.planet.com/basemaps/v1"

	// DefaultUserAgent is sent when Config.UserAgent is empty.
	DefaultUserAgent = "planet-client-go/1.0"

	maxErrorBody = 4 << 10
)

// ErrorClass represents a classification of HTTP errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// Config holds the client configuration.
type Config struct {
	// APIKey authenticates every request (HTTP Basic, empty password).
	APIKey string

	// BaseURL is joined with relative endpoints by URL.
	BaseURL string

	// UserAgent header sent with every request.
	UserAgent string

	// Redis enables the response cache and shares throttle state
	// between processes. Optional.
	Redis *redis.Client

	// Timeout bounds the wait for response headers. Bodies are not
	// limited so large downloads can stream.
	Timeout time.Duration

	// MaxRetries and InitialBackoff configure retries of 429 responses.
	MaxRetries     int
	InitialBackoff time.Duration

	// MaxThrottleWait is the longest Retry-After cooldown a request will
	// wait out before failing with ratelimit.ErrThrottled. Zero waits
	// indefinitely.
	MaxThrottleWait time.Duration
}

// DefaultConfig returns the default configuration for apiKey.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:          apiKey,
		BaseURL:         DefaultBaseURL,
		UserAgent:       DefaultUserAgent,
		Timeout:         60 * time.Second,
		MaxRetries:      5,
		InitialBackoff:  200 * time.Millisecond,
		MaxThrottleWait: 2 * time.Minute,
	}
}

// Client is the Planet API client.
type Client struct {
	httpClient  *http.Client
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	config      Config
	account     string
	retryPolicy RetryPolicy
	logger      zerolog.Logger
}

// New creates a new Planet client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	logger := log.With().Str("component", "planet-client").Logger()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.Timeout

	account := cache.AccountFingerprint(cfg.APIKey)
	c := &Client{
		httpClient:  &http.Client{Transport: transport},
		rateLimiter: ratelimit.NewTracker(cfg.Redis, account, cfg.MaxThrottleWait, logger),
		config:      cfg,
		account:     account,
		logger:      logger,
	}
	if cfg.Redis != nil {
		c.cache = cache.NewManager(cfg.Redis)
	}
	c.retryPolicy = c.defaultPolicy

	return c, nil
}

// defaultPolicy applies the configured 429 retry budget on top of the
// per-class defaults.
func (c *Client) defaultPolicy(class ErrorClass) RetryConfig {
	rc := RetryConfigForErrorClass(class)
	if class == ErrorClassRateLimit {
		rc.MaxAttempts = c.config.MaxRetries + 1
		if c.config.InitialBackoff > 0 {
			rc.InitialBackoff = c.config.InitialBackoff
		}
	}
	return rc
}

// Do performs an HTTP request with authentication, throttling, retries and,
// for GET requests with Redis configured, response caching.
//
// Status codes >= 400 that are not retried are returned to the caller as a
// normal response. Non-idempotent methods such as POST are retried only on
// 429 or a failed dial. Retry exhaustion returns an error wrapping both
// ErrRetryExhausted and the last *APIError.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.do(req, c.cache != nil && req.Method == http.MethodGet)
}

// Stream is Do without the cache; the body is left unread for streaming.
func (c *Client) Stream(req *http.Request) (*http.Response, error) {
	return c.do(req, false)
}

func (c *Client) do(req *http.Request, useCache bool) (*http.Response, error) {
	ctx := req.Context()
	endpoint := endpointLabel(req.URL.Path)

	startTime := time.Now()
	defer func() {
		planetRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	req.SetBasicAuth(c.config.APIKey, "")
	req.Header.Set("User-Agent", c.config.UserAgent)

	// Step 1: cache lookup. Fresh entries never reach the network.
	var cacheKey cache.CacheKey
	var cachedEntry *cache.CacheEntry
	if useCache {
		cacheKey = cache.KeyForURL(req.URL, c.account)
		entry, err := c.cache.Get(ctx, cacheKey)
		switch {
		case err == nil && !entry.IsExpired():
			planetRequestsTotal.WithLabelValues(endpoint, "cache_hit").Inc()
			c.logger.Debug().Str("endpoint", endpoint).Msg("Serving fresh cache entry")
			return cache.EntryToResponse(entry, req, "hit"), nil
		case err == nil:
			cachedEntry = entry
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache get error")
		}

		if cache.ShouldMakeConditionalRequest(cachedEntry) {
			cache.AddConditionalHeaders(req, cachedEntry)
			cache.ConditionalRequestsSent.Inc()
			c.logger.Debug().
				Str("endpoint", endpoint).
				Str("etag", cachedEntry.ETag).
				Msg("Making conditional request")
		}
	}

	// Step 2: send with throttle gate and retries.
	var resp *http.Response
	var errClass ErrorClass
	retry := false
	attempts := 0

	retryErr := retryWithBackoff(ctx, c.retryPolicy, func() error {
		attempts++
		errClass = ""
		retry = false

		if err := c.rateLimiter.Acquire(ctx); err != nil {
			return err
		}

		if attempts > 1 && req.Body != nil && req.Body != http.NoBody {
			if req.GetBody == nil {
				return fmt.Errorf("cannot retry %s %s: request body is not rewindable", req.Method, redactURL(req.URL))
			}
			body, err := req.GetBody()
			if err != nil {
				return fmt.Errorf("rewind request body: %w", err)
			}
			req.Body = body
		}

		var reqErr error
		resp, reqErr = c.httpClient.Do(req)
		if reqErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errClass = ErrorClassNetwork
			planetErrorsTotal.WithLabelValues(string(errClass)).Inc()
			planetRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			c.logger.Warn().Err(reqErr).Str("endpoint", endpoint).Msg("HTTP request failed")
			retry = replayable(req.Method, errClass, reqErr)
			return &APIError{ErrorClass: errClass, URL: redactURL(req.URL), Err: reqErr}
		}

		if err := c.rateLimiter.Observe(ctx, resp.StatusCode, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to record rate limit state")
		}

		planetRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode < 400 {
			return nil
		}

		errClass = classifyStatus(resp.StatusCode)
		planetErrorsTotal.WithLabelValues(string(errClass)).Inc()
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("Planet API request error")

		if !shouldRetry(errClass) || !replayable(req.Method, errClass, nil) {
			return nil
		}
		retry = true
		return errorFromResponse(resp)
	}, func(error) ErrorClass {
		if !retry {
			return ""
		}
		return errClass
	})

	if retryErr != nil {
		c.logger.Error().Err(retryErr).Str("endpoint", endpoint).Msg("Planet API request failed")
		return nil, retryErr
	}

	// Step 3: revalidated cache entry.
	if resp.StatusCode == http.StatusNotModified && cachedEntry != nil {
		resp.Body.Close()
		cache.NotModifiedResponses.Inc()
		c.logger.Debug().Str("endpoint", endpoint).Msg("304 Not Modified - using cache")
		if err := c.cache.Refresh(ctx, cacheKey, cachedEntry, cache.ParseExpires(resp.Header)); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to refresh cache entry")
		}
		return cache.EntryToResponse(cachedEntry, req, "revalidated"), nil
	}

	// Step 4: store successful metadata responses.
	if useCache && resp.StatusCode == http.StatusOK {
		entry, err := cache.ResponseToEntry(resp)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if err := c.cache.Set(ctx, cacheKey, entry); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache response")
		} else {
			c.logger.Debug().
				Str("endpoint", endpoint).
				Dur("ttl", entry.TTL()).
				Msg("Cached response")
		}
		resp.Header.Set(cache.HeaderCache, "miss")
	}

	return resp, nil
}

// replayable reports whether a failed attempt may be sent again. Idempotent
// methods always may. Other methods are replayed only after a 429 or when the
// connection was never established.
func replayable(method string, class ErrorClass, err error) bool {
	switch method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	if class == ErrorClassRateLimit {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// classifyStatus maps an HTTP status to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	case status >= 400:
		return ErrorClassClient
	default:
		return ""
	}
}

// errorFromResponse consumes and closes resp, returning it as an *APIError.
func errorFromResponse(resp *http.Response) *APIError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		ErrorClass: classifyStatus(resp.StatusCode),
		Message:    errorMessage(body, resp.Status),
	}
	if resp.Request != nil {
		apiErr.URL = redactURL(resp.Request.URL)
	}
	return apiErr
}

// errorMessage extracts the "message" field Planet puts in error bodies,
// falling back to the raw body and then to the status line.
func errorMessage(body []byte, status string) string {
	var payload struct {
		Message string `json:"message"`
		General []struct {
			Message string `json:"message"`
		} `json:"general"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if len(payload.General) > 0 && payload.General[0].Message != "" {
			return payload.General[0].Message
		}
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		return status
	}
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return text
}

// GetJSON performs a GET request and returns the response body. params are
// merged into the URL's query. Any status >= 400 is returned as *APIError.
func (c *Client) GetJSON(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	return c.getJSON(ctx, rawURL, params, c.cache != nil)
}

// GetUncached is GetJSON without the cache, for resources whose state
// changes between polls.
func (c *Client) GetUncached(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	return c.getJSON(ctx, rawURL, params, false)
}

func (c *Client) getJSON(ctx context.Context, rawURL string, params url.Values, useCache bool) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			q[k] = vs
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req, useCache)
	if err != nil {
		return nil, err
	}
	return readBody(resp)
}

// PostJSON encodes body as JSON, posts it and returns the response body.
// Any status >= 400 is returned as *APIError.
func (c *Client) PostJSON(ctx context.Context, rawURL string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	return readBody(resp)
}

func readBody(resp *http.Response) ([]byte, error) {
	if resp.StatusCode >= 400 {
		return nil, errorFromResponse(resp)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

// FetchPage fetches one page of a paginated collection.
func (c *Client) FetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	return c.GetJSON(ctx, pageURL, nil)
}

// Open starts a streaming GET of rawURL. The caller must close the body.
// Any status >= 400 is returned as *APIError.
func (c *Client) Open(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.Stream(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, errorFromResponse(resp)
	}
	return resp, nil
}

// URL joins the configured base URL and endpoint. Absolute URLs are
// returned unchanged.
func (c *Client) URL(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return strings.TrimRight(c.config.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// APIKey returns the configured API key.
func (c *Client) APIKey() string {
	return c.config.APIKey
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetRetryPolicy replaces the retry policy. A nil policy restores the
// per-class defaults.
func (c *Client) SetRetryPolicy(policy RetryPolicy) {
	if policy == nil {
		policy = c.defaultPolicy
	}
	c.retryPolicy = policy
}

// Cache returns the cache manager, or nil without Redis.
func (c *Client) Cache() *cache.Manager {
	return c.cache
}

// endpointLabel collapses id-like path segments so metric labels stay
// bounded.
func endpointLabel(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segs {
		if looksLikeID(s) {
			segs[i] = "{id}"
		}
	}
	return "/" + strings.Join(segs, "/")
}

func looksLikeID(s string) bool {
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits > 0 && (len(s) >= 8 || strings.Contains(s, "-"))
}

// redactURL renders u without credentials.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	cp := *u
	cp.User = nil
	if q := cp.Query(); q.Has("api_key") {
		q.Del("api_key")
		cp.RawQuery = q.Encode()
	}
	return cp.String()
}
