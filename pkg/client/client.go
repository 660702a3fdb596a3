// Package client implements the paginated search of the ISTEX document API
// with retries, rate limiting and caching of count requests.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/Sternrassler/istex-harvester/pkg/cache"
	"github.com/Sternrassler/istex-harvester/pkg/logging"
	"github.com/Sternrassler/istex-harvester/pkg/ratelimit"
	"github.com/Sternrassler/istex-harvester/pkg/retry"
	"github.com/Sternrassler/istex-harvester/pkg/scroll"
)

// Prometheus metrics for search requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "istex_requests_total",
		Help: "Total search requests by kind and status",
	}, []string{"kind", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "istex_request_duration_seconds",
		Help:    "Search request duration in seconds by kind",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "istex_errors_total",
		Help: "Total search request errors by class",
	}, []string{"class"})
)

// Request kinds used as metric labels.
const (
	kindCount  = "count"
	kindStart  = "scroll_start"
	kindScroll = "scroll_next"
)

// DefaultBaseURL is the search endpoint of the public API.
const DefaultBaseURL = "https://api.istex.fr/document/"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4096

// Config holds the client configuration.
type Config struct {
	// BaseURL is the search endpoint.
	BaseURL string

	// UserAgent is sent with every request.
	UserAgent string

	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	// MaxRedirects is the number of redirects followed per request.
	MaxRedirects int

	// DefaultOperator is the operator joining query terms ("OR" or "AND").
	DefaultOperator string

	// Strict rejects responses carrying unknown fields.
	Strict bool

	// Retry is the backoff policy of a single request.
	Retry retry.Policy

	// RateLimit holds the rate limit thresholds.
	RateLimit ratelimit.Config

	// Redis enables the count cache and shares the rate limit state. Optional.
	Redis *redis.Client

	// Logger overrides the default component logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns a default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:         DefaultBaseURL,
		UserAgent:       "istex-harvester/1.0",
		Timeout:         60 * time.Second,
		MaxRedirects:    10,
		DefaultOperator: "OR",
		Retry:           retry.DefaultPolicy(),
		RateLimit:       ratelimit.DefaultConfig(),
	}
}

// Client fetches search pages. It implements scroll.Fetcher and is safe for
// concurrent use.
type Client struct {
	httpClient  *http.Client
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	config      Config
	logger      zerolog.Logger
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.MaxRedirects < 0 {
		return nil, fmt.Errorf("max_redirects must be >= 0 (got %d)", cfg.MaxRedirects)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}

	logger := logging.NewLogger("istex-client")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	c := &Client{
		rateLimiter: ratelimit.NewTracker(cfg.Redis, cfg.RateLimit, logger),
		config:      cfg,
		logger:      logger,
	}
	if cfg.Redis != nil {
		c.cache = cache.NewManager(cfg.Redis)
	}
	c.SetHTTPClient(&http.Client{Timeout: cfg.Timeout})
	return c, nil
}

// SetHTTPClient replaces the HTTP client, keeping the redirect limit.
func (c *Client) SetHTTPClient(httpClient *http.Client) {
	maxRedirects := c.config.MaxRedirects
	httpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) > maxRedirects {
			return fmt.Errorf("%w (%d)", ErrTooManyRedirects, maxRedirects)
		}
		return nil
	}
	c.httpClient = httpClient
}

// RateLimiter returns the rate limit tracker.
func (c *Client) RateLimiter() *ratelimit.Tracker {
	return c.rateLimiter
}

// Close releases the resources of the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SearchURL returns the URL of the first request for q.
func (c *Client) SearchURL(q scroll.Query) string {
	params := url.Values{}
	params.Set("q", q.Text)
	params.Set("size", strconv.Itoa(q.Size))
	if q.Output != "" {
		params.Set("output", q.Output)
	}
	if q.Facets != "" {
		params.Set("facet", q.Facets)
	}
	if c.config.DefaultOperator != "" {
		params.Set("defaultOperator", c.config.DefaultOperator)
	}
	if q.Size > 0 {
		keepAlive := q.KeepAlive
		if keepAlive == "" {
			keepAlive = scroll.DefaultKeepAlive
		}
		params.Set("scroll", keepAlive)
	}
	return c.config.BaseURL + "?" + params.Encode()
}

// searchResponse is the body of a search response.
type searchResponse struct {
	Total               *int              `json:"total"`
	Hits                []json.RawMessage `json:"hits"`
	NextScrollURI       string            `json:"nextScrollURI"`
	NoMoreScrollResults *bool             `json:"noMoreScrollResults"`
	Scroll              string            `json:"scroll"`
	ScrollID            string            `json:"scrollId"`
	Aggregations        json.RawMessage   `json:"aggregations"`
	Error               json.RawMessage   `json:"_error"`
}

// Fetch implements scroll.Fetcher. An empty cursor starts a new search for
// q; otherwise the cursor is the nextScrollURI of the previous page.
func (c *Client) Fetch(ctx context.Context, q scroll.Query, cursor string) (*scroll.Page, error) {
	target, kind := cursor, kindScroll
	if cursor == "" {
		target, kind = c.SearchURL(q), kindStart
		if q.Size == 0 {
			kind = kindCount
		}
	}

	body, err := c.get(ctx, target, kind)
	if err != nil {
		return nil, err
	}

	page, err := c.decode(body)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassService)).Inc()
		c.logger.Error().Err(err).Str("query", q.Text).Str("kind", kind).Msg("Unusable search response")
		return nil, err
	}
	return page, nil
}

func (c *Client) decode(body []byte) (*scroll.Page, error) {
	var resp searchResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	if c.config.Strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	if len(resp.Error) > 0 && string(resp.Error) != "null" {
		return nil, &FetchError{
			StatusCode: http.StatusOK,
			Class:      ErrorClassService,
			Message:    string(resp.Error),
		}
	}
	if resp.Total == nil {
		return nil, fmt.Errorf("%w: total missing", ErrInvalidResponse)
	}

	page := &scroll.Page{
		Items:         make([]scroll.Item, 0, len(resp.Hits)),
		Next:          resp.NextScrollURI,
		Total:         *resp.Total,
		Aggregations:  resp.Aggregations,
		ScrollID:      resp.ScrollID,
		KeepAlive:     resp.Scroll,
		NoMoreResults: resp.NoMoreScrollResults,
	}
	for _, hit := range resp.Hits {
		page.Items = append(page.Items, scroll.Item{
			ID:  gjson.GetBytes(hit, "id").String(),
			Raw: hit,
		})
	}
	return page, nil
}

// get performs a GET with rate limiting and retries and returns the body.
// Count requests are served from the cache when possible.
func (c *Client) get(ctx context.Context, target, kind string) ([]byte, error) {
	var (
		key    *cache.Key
		cached *cache.Entry
	)
	if kind == kindCount && c.cache != nil {
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("parse url: %w", err)
		}
		if k, ok := cache.CountKey(u); ok {
			key = &k
			cached, err = c.cache.Get(ctx, k)
			if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
				c.logger.Warn().Err(err).Str("kind", kind).Msg("Cache get error")
			}
		}
	}

	var body []byte
	err := retry.Do(ctx, c.config.Retry, "search_"+kind, func(err error) bool {
		return IsRetryable(err) && ctx.Err() == nil
	}, func() error {
		var err error
		body, err = c.do(ctx, target, kind, key, cached)
		return err
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// do performs one request. key is set for cacheable count requests.
func (c *Client) do(ctx context.Context, target, kind string, key *cache.Key, cached *cache.Entry) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if cache.Revalidate(req, cached) {
		c.logger.Debug().Str("etag", cached.ETag).Int("total", cached.Total).Msg("Revalidating cached count")
	}

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(kind, "network_error").Inc()
		c.logger.Warn().Err(err).Str("kind", kind).Msg("Search request failed")

		class := ErrorClassNetwork
		if errors.Is(err, ErrTooManyRedirects) {
			class = ErrorClassClient
		}
		return nil, &FetchError{Class: class, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	status := strconv.Itoa(resp.StatusCode)
	if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
	}

	switch {
	case resp.StatusCode == http.StatusNotModified && cached != nil:
		requestsTotal.WithLabelValues(kind, status).Inc()
		entry, err := c.cache.Refresh(ctx, *key, cache.ParseExpires(resp.Header))
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to refresh cached count")
			return cached.Body, nil
		}
		c.logger.Debug().Int("total", entry.Total).Int("revalidations", entry.Revalidations).Msg("304 Not Modified - using cached count")
		return entry.Body, nil

	case resp.StatusCode >= 300:
		class := classify(resp.StatusCode)
		if class == "" {
			class = ErrorClassServer
		}
		errorsTotal.WithLabelValues(string(class)).Inc()
		requestsTotal.WithLabelValues(kind, status).Inc()

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		message := gjson.GetBytes(raw, "_error").String()
		if message == "" {
			message = resp.Status
		}

		c.logger.Warn().
			Str("kind", kind).
			Int("status_code", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Search request error")

		return nil, &FetchError{StatusCode: resp.StatusCode, Class: class, Message: message}
	}

	requestsTotal.WithLabelValues(kind, status).Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{StatusCode: resp.StatusCode, Class: ErrorClassNetwork, Message: "read body", Err: err}
	}

	if key != nil {
		entry := cache.NewEntry(body, resp.Header)
		if err := c.cache.Set(ctx, *key, entry); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache count response")
		} else {
			c.logger.Debug().Int("total", entry.Total).Dur("ttl", entry.TTL()).Msg("Cached count response")
		}
	}
	return body, nil
}
