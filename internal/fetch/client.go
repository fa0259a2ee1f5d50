// Package fetch downloads untrusted remote content through rotating proxy
// pools with bounded retries, size ceilings, and per-endpoint health
// tracking.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pixvault/pixvault/internal/metrics"
	"github.com/pixvault/pixvault/internal/proxy"
)

// ErrFetchFailed is the single opaque failure surfaced after every
// attempt has been exhausted. Callers never see partial state.
var ErrFetchFailed = errors.New("fetch failed")

// ErrTooLarge marks a response that exceeded the configured byte ceiling,
// whether declared up front or discovered while streaming.
var ErrTooLarge = errors.New("response too large")

// errNoProxyAvailable marks an attempt that found every pool member
// blacklisted with direct fallback disabled.
var errNoProxyAvailable = errors.New("no selectable proxy")

// Config controls Client behavior.
type Config struct {
	// MaxBytes is the hard ceiling on a downloaded body.
	MaxBytes int64
	// Timeout bounds each individual attempt, wall-clock.
	Timeout time.Duration
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// FallbackDirect permits a direct connection when a pool has no
	// selectable proxy.
	FallbackDirect bool
	UserAgent      string
	// PerHostRPS throttles outbound requests per upstream host;
	// non-positive disables throttling.
	PerHostRPS float64
}

// Client performs resilient, size-bounded downloads. It is safe for
// concurrent use and is constructed once by the composition root; the
// per-egress HTTP clients underneath are built lazily on first use.
type Client struct {
	cfg      Config
	registry *proxy.Registry
	health   *proxy.HealthTable
	limiter  *HostLimiter
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
	closed  bool

	// newTransport builds the transport for one egress; tests swap it out.
	newTransport func(proxyURL *url.URL) http.RoundTripper
}

// NewClient constructs a Client. The registry and health table are shared
// process-wide; the Client takes references, not ownership.
func NewClient(cfg Config, registry *proxy.Registry, health *proxy.HealthTable, logger *zap.Logger) *Client {
	return &Client{
		cfg:          cfg,
		registry:     registry,
		health:       health,
		limiter:      NewHostLimiter(cfg.PerHostRPS),
		logger:       logger,
		clients:      make(map[string]*http.Client),
		newTransport: defaultTransport,
	}
}

// defaultTransport builds a tuned transport routing through proxyURL,
// or directly when proxyURL is nil.
func defaultTransport(proxyURL *url.URL) http.RoundTripper {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	t := &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if proxyURL != nil {
		t.Proxy = http.ProxyURL(proxyURL)
	}
	return t
}

// Fetch downloads rawURL, optionally through the named proxy pool, and
// returns the body bytes. It retries with a fresh proxy selection on
// network errors, non-2xx statuses, and size aborts; once the retry
// budget is spent it reports a single ErrFetchFailed.
func (c *Client) Fetch(ctx context.Context, rawURL, poolName string) ([]byte, error) {
	var pool *proxy.Pool
	if poolName != "" {
		p, ok := c.registry.Pool(poolName)
		if !ok {
			c.logger.Warn("unknown proxy pool, connecting directly", zap.String("pool", poolName))
		} else {
			pool = p
		}
	}

	attempts := c.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
		}

		endpoint, err := c.selectEgress(pool)
		if err != nil {
			lastErr = err
			metrics.ObserveFetchAttempt(poolName, "no_proxy", 0)
			continue
		}

		data, err := c.attempt(ctx, rawURL, endpoint)
		if err == nil {
			if endpoint != "" {
				c.health.ReportSuccess(endpoint)
			}
			metrics.ObserveFetchAttempt(poolName, "success", len(data))
			return data, nil
		}

		lastErr = err
		if endpoint != "" && c.health.ReportFailure(endpoint) {
			metrics.ObserveProxyBlacklisted(poolName)
			c.logger.Warn("proxy blacklisted",
				zap.String("pool", poolName),
				zap.String("proxy", endpoint),
			)
		}
		metrics.ObserveFetchAttempt(poolName, "failure", 0)
		c.logger.Debug("fetch attempt failed",
			zap.String("url", rawURL),
			zap.String("proxy", endpoint),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	c.logger.Error("fetch failed after all attempts",
		zap.String("url", rawURL),
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)
	return nil, fmt.Errorf("%w: %w", ErrFetchFailed, lastErr)
}

// selectEgress picks the next proxy endpoint, or "" for a direct
// connection. It fails only when the pool has no selectable member and
// direct fallback is off.
func (c *Client) selectEgress(pool *proxy.Pool) (string, error) {
	if pool == nil {
		return "", nil
	}
	if endpoint, ok := pool.Select(c.health); ok {
		return endpoint, nil
	}
	if c.cfg.FallbackDirect {
		return "", nil
	}
	return "", fmt.Errorf("%w in pool %q", errNoProxyAvailable, pool.Name())
}

// attempt performs one streamed GET through the chosen egress.
func (c *Client) attempt(ctx context.Context, rawURL, endpoint string) ([]byte, error) {
	httpClient, err := c.clientFor(endpoint)
	if err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	if err := c.limiter.Wait(attemptCtx, req.URL.Hostname()); err != nil {
		return nil, err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	// Declared length is an early reject only; the streamed count below is
	// authoritative even when the header is missing or lies.
	if resp.ContentLength > c.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrTooLarge, resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > c.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrTooLarge, c.cfg.MaxBytes)
	}
	return data, nil
}

// clientFor returns the HTTP client for one egress, building it on first
// use. The key "" is the direct connection.
func (c *Client) clientFor(endpoint string) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("fetch client is closed")
	}
	if client, ok := c.clients[endpoint]; ok {
		return client, nil
	}

	var proxyURL *url.URL
	if endpoint != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse proxy endpoint %q: %w", endpoint, err)
		}
		proxyURL = u
	}
	client := &http.Client{
		Transport: c.newTransport(proxyURL),
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			return nil
		},
	}
	c.clients[endpoint] = client
	return client, nil
}

// Close releases idle connections on every constructed client. It is
// idempotent; Fetch calls after Close fail.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, client := range c.clients {
		client.CloseIdleConnections()
	}
}
