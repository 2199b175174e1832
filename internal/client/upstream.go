// Package client provides the shared outbound HTTP client for upstream origins.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"hls-stream-proxy/internal/config"
	"hls-stream-proxy/internal/metrics"
	"hls-stream-proxy/internal/model"
	"hls-stream-proxy/internal/stream"
)

// ErrUpstreamTimeout is returned when an attempt gets no response headers in time.
var ErrUpstreamTimeout = errors.New("upstream request timed out")

// UpstreamClient sends requests to arbitrary origins over one pooled transport.
// It is created once at startup and shared by all requests; nothing mutates it
// after construction.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and HTTP/2.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*UpstreamClient, error) {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if cfg.Upstream.BlockPrivateNetworks {
		// Checked on the address actually dialed, after name resolution.
		dialer.Control = stream.DialControl
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DialContext:           dialer.DialContext,
	}

	h2, err := http2.ConfigureTransports(transport)
	if err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}
	// Ping idle HTTP/2 connections so a dead origin is noticed before the
	// next request lands on it.
	h2.ReadIdleTimeout = 30 * time.Second
	h2.PingTimeout = 15 * time.Second

	return &UpstreamClient{
		// No client-wide timeout: media bodies stream for as long as the
		// caller reads. Each attempt bounds only the wait for headers.
		httpClient: &http.Client{
			Transport: transport,
			// A redirect is the final upstream status, never a further fetch.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}, nil
}

// Fetch performs a single upstream attempt. timeout bounds the time until
// response headers arrive; once they have, the body stays readable until
// the caller closes it or ctx is canceled. A missed deadline is reported as
// ErrUpstreamTimeout, any other failure as a wrapped transport error.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Fetch(ctx context.Context, method, rawURL string, header http.Header, timeout time.Duration) (*model.StreamResponse, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(timeout, func() { cancel(ErrUpstreamTimeout) })

	req, err := http.NewRequestWithContext(ctx, method, rawURL, http.NoBody)
	if err != nil {
		timer.Stop()
		cancel(nil)
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	c.logger.Debug("upstream request",
		"method", method,
		"host", req.URL.Host,
		"timeout", timeout,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via StreamResponse
	stopped := timer.Stop()
	duration := time.Since(start).Seconds()

	label := metrics.NormalizeMethod(method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(label).Observe(duration)
	}

	if err != nil {
		timedOut := errors.Is(context.Cause(ctx), ErrUpstreamTimeout)
		cancel(nil)
		if timedOut {
			return nil, fmt.Errorf("%w after %s", ErrUpstreamTimeout, timeout)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if !stopped {
		// Headers arrived as the deadline fired; the body is already canceled.
		_ = resp.Body.Close()
		cancel(nil)
		return nil, fmt.Errorf("%w after %s", ErrUpstreamTimeout, timeout)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(label, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.StreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: func() { cancel(nil) }},
	}, nil
}

// cancelOnClose releases the attempt context when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel func()
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
