// Package httpx provides the pooled HTTP client API-backed connectors
// share: tuned transport, optional HTTP/2, token-bucket rate limiting
// and per-request identifiers.
package httpx

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/moorhq/moor/pkg/logger"
)

// Config tunes the shared transport and client behavior.
type Config struct {
	// Connection pool settings.
	MaxIdleConns        int           `json:"maxIdleConns"`
	MaxIdleConnsPerHost int           `json:"maxIdleConnsPerHost"`
	MaxConnsPerHost     int           `json:"maxConnsPerHost"`
	IdleConnTimeout     time.Duration `json:"idleConnTimeout"`

	// Timeouts.
	DialTimeout           time.Duration `json:"dialTimeout"`
	TLSHandshakeTimeout   time.Duration `json:"tlsHandshakeTimeout"`
	ResponseHeaderTimeout time.Duration `json:"responseHeaderTimeout"`
	RequestTimeout        time.Duration `json:"requestTimeout"`
	KeepAlive             time.Duration `json:"keepAlive"`

	EnableHTTP2        bool   `json:"enableHttp2"`
	InsecureSkipVerify bool   `json:"insecureSkipVerify"`
	UserAgent          string `json:"userAgent"`

	// RateLimit is requests per second; 0 disables client-side limiting.
	RateLimit float64 `json:"rateLimit"`
	RateBurst int     `json:"rateBurst"`
}

// DefaultConfig returns settings sized for API connectors.
func DefaultConfig() *Config {
	return &Config{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       64,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		RequestTimeout:        30 * time.Second,
		KeepAlive:             30 * time.Second,
		EnableHTTP2:           true,
		UserAgent:             "moor/1.0",
		RateLimit:             0,
		RateBurst:             10,
	}
}

// Stats is a point-in-time view of the client's request counters.
type Stats struct {
	TotalRequests  int64   `json:"totalRequests"`
	FailedRequests int64   `json:"failedRequests"`
	SuccessRate    float64 `json:"successRate"`
}

// Client wraps net/http with connection pooling, optional HTTP/2 and
// rate limiting. It is safe for concurrent use.
type Client struct {
	cfg        *Config
	logger     *zap.Logger
	httpClient *http.Client
	transport  *http.Transport
	limiter    *RateLimiter

	totalRequests  int64
	failedRequests int64
}

// New builds a client from cfg, falling back to DefaultConfig when nil.
func New(cfg *Config, log *zap.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logger.Get()
	}

	c := &Client{
		cfg:    cfg,
		logger: log.With(zap.String("component", "http_client")),
	}

	c.transport = &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		},
	}

	if cfg.EnableHTTP2 {
		if err := http2.ConfigureTransport(c.transport); err != nil {
			c.logger.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}

	c.httpClient = &http.Client{
		Transport: c.transport,
		Timeout:   cfg.RequestTimeout,
	}

	if cfg.RateLimit > 0 {
		c.limiter = NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}

	return c
}

// Get performs an HTTP GET request.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url, nil, headers)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post performs an HTTP POST request.
func (c *Client) Post(ctx context.Context, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodPost, url, body, headers)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Put performs an HTTP PUT request.
func (c *Client) Put(ctx context.Context, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodPut, url, body, headers)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Patch performs an HTTP PATCH request.
func (c *Client) Patch(ctx context.Context, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodPatch, url, body, headers)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Delete performs an HTTP DELETE request.
func (c *Client) Delete(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodDelete, url, nil, headers)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Do runs the request through the rate limiter and counters. Transport
// failures come back unclassified; callers own the classification.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			atomic.AddInt64(&c.failedRequests, 1)
			return nil, err
		}
	}

	atomic.AddInt64(&c.totalRequests, 1)
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		atomic.AddInt64(&c.failedRequests, 1)
		c.logger.Debug("request failed",
			zap.String("method", req.Method),
			zap.String("host", req.URL.Host),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, err
	}

	c.logger.Debug("request complete",
		zap.String("method", req.Method),
		zap.String("host", req.URL.Host),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))
	return resp, nil
}

// newRequest builds a request carrying identity and default headers.
func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if req.Header.Get("X-Request-ID") == "" {
		if id, ok := ctx.Value(logger.RequestIDKey).(string); ok && id != "" {
			req.Header.Set("X-Request-ID", id)
		} else {
			req.Header.Set("X-Request-ID", uuid.NewString())
		}
	}

	return req, nil
}

// RateLimiter returns the client's limiter, or nil when limiting is off.
func (c *Client) RateLimiter() *RateLimiter {
	return c.limiter
}

// Stats returns current request counters.
func (c *Client) Stats() Stats {
	total := atomic.LoadInt64(&c.totalRequests)
	failed := atomic.LoadInt64(&c.failedRequests)

	s := Stats{TotalRequests: total, FailedRequests: failed}
	if total > 0 {
		s.SuccessRate = float64(total-failed) / float64(total)
	}
	return s
}

// Close releases idle connections. The client remains usable.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}
