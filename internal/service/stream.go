// Package service implements the stream proxy pipeline: upstream fetch with
// the 403 retry, playlist detection and rewriting, and response policy.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"hls-stream-proxy/internal/client"
	"hls-stream-proxy/internal/config"
	"hls-stream-proxy/internal/metrics"
	"hls-stream-proxy/internal/model"
	"hls-stream-proxy/internal/playlist"
	"hls-stream-proxy/internal/policy"
	"hls-stream-proxy/internal/stream"
)

// ErrRewrite is returned when a playlist cannot be read or rewritten.
var ErrRewrite = errors.New("failed to rewrite m3u8")

// UpstreamStatusError is returned when the final upstream status is neither 2xx nor 206.
type UpstreamStatusError struct {
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// userAgent is sent upstream in place of the caller's; some origins reject
// anything that does not look like a browser.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// maxPlaylistBytes caps how much of a playlist body is buffered for rewriting.
const maxPlaylistBytes = 16 << 20

// hopByHopHeaders are upstream response headers that must not be relayed.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// fetchState is a step of the upstream fetch. A request starts in
// stateFirstAttempt and moves to stateRetryWithoutCredentials only on a 403.
type fetchState int

const (
	stateFirstAttempt fetchState = iota
	stateRetryWithoutCredentials
	stateDone
)

func (s fetchState) String() string {
	switch s {
	case stateFirstAttempt:
		return "first_attempt"
	case stateRetryWithoutCredentials:
		return "retry_without_credentials"
	default:
		return "done"
	}
}

// StreamService fetches stream targets and prepares the caller response.
type StreamService struct {
	client  *client.UpstreamClient
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	guard   *stream.TargetGuard
}

// NewStreamService creates a StreamService. The metrics parameter is optional.
func NewStreamService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *StreamService {
	s := &StreamService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "stream_service"),
		metrics: m,
	}
	if cfg.Upstream.BlockPrivateNetworks {
		s.guard = stream.NewTargetGuard(nil)
	}
	return s
}

// Serve fetches the target and returns the response to relay to the caller:
// a rewritten playlist or the upstream body untouched, with CORS and cache
// headers applied. The caller is responsible for closing the response body.
func (s *StreamService) Serve(ctx context.Context, sr *model.StreamRequest) (*model.StreamResponse, error) {
	if s.guard != nil {
		if err := s.guard.Check(ctx, sr.Target.Hostname()); err != nil {
			return nil, err
		}
	}

	resp, err := s.Fetch(ctx, sr)
	if err != nil {
		return nil, err
	}

	removeHopByHop(resp.Header)

	if is2xx(resp.StatusCode) && playlist.IsPlaylist(resp.Header.Get("Content-Type"), sr.RawURL) {
		return s.rewritePlaylist(resp, sr)
	}

	policy.ApplyCORS(resp.Header)
	policy.ApplyCache(resp.Header, sr.RawURL)
	return resp, nil
}

// Fetch requests the target upstream. A 403 on the first attempt triggers
// exactly one retry with Origin and Referer removed; every other header,
// Range included, is sent again unchanged. The final response must be 2xx
// or 206, otherwise an *UpstreamStatusError is returned.
func (s *StreamService) Fetch(ctx context.Context, sr *model.StreamRequest) (*model.StreamResponse, error) {
	header := upstreamHeader(sr)

	var resp *model.StreamResponse
	state := stateFirstAttempt
	for state != stateDone {
		timeout := s.cfg.Upstream.FirstAttemptTimeout()
		if state == stateRetryWithoutCredentials {
			timeout = s.cfg.Upstream.RetryTimeout()
		}

		r, err := s.client.Fetch(ctx, sr.Method, sr.RawURL, header.Clone(), timeout)
		if err != nil {
			s.logger.Warn("upstream request failed",
				"state", state.String(),
				"host", sr.Target.Host,
				"err", err,
			)
			return nil, err
		}

		if state == stateFirstAttempt && r.StatusCode == http.StatusForbidden {
			s.logger.Debug("403 with Referer/Origin, retrying without them", "host", sr.Target.Host)
			discard(r.Body)
			header.Del("Origin")
			header.Del("Referer")
			if s.metrics != nil {
				s.metrics.UpstreamRetries.Inc()
			}
			state = stateRetryWithoutCredentials
			continue
		}

		resp = r
		state = stateDone
	}

	if !is2xx(resp.StatusCode) {
		discard(resp.Body)
		return nil, &UpstreamStatusError{StatusCode: resp.StatusCode}
	}
	return resp, nil
}

func (s *StreamService) rewritePlaylist(resp *model.StreamResponse, sr *model.StreamRequest) (*model.StreamResponse, error) {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes+1))
	if err != nil {
		s.recordRewrite("error")
		return nil, fmt.Errorf("%w: read body: %w", ErrRewrite, err)
	}
	if len(body) > maxPlaylistBytes {
		s.recordRewrite("error")
		return nil, fmt.Errorf("%w: playlist exceeds %d bytes", ErrRewrite, maxPlaylistBytes)
	}

	rewritten, err := playlist.Rewrite(string(body), sr.RawURL, sr.ProxyOrigin, sr.ProxyPath)
	if err != nil {
		s.recordRewrite("error")
		return nil, fmt.Errorf("%w: %w", ErrRewrite, err)
	}
	s.recordRewrite("ok")

	header := resp.Header.Clone()
	header.Del("Content-Length")
	header.Set("Content-Type", playlist.ContentType)
	header.Set("Cache-Control", policy.PlaylistCacheControl)
	policy.ApplyCORS(header)

	return &model.StreamResponse{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(rewritten)),
	}, nil
}

func (s *StreamService) recordRewrite(result string) {
	if s.metrics != nil {
		s.metrics.PlaylistRewrites.WithLabelValues(result).Inc()
	}
}

// upstreamHeader builds the outbound header set: a browser User-Agent,
// Origin and Referer pointing at the target's own origin, and the caller's
// Range if any.
func upstreamHeader(sr *model.StreamRequest) http.Header {
	origin := targetOrigin(sr.Target)
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Origin", origin)
	h.Set("Referer", origin+"/")
	if sr.Range != "" {
		h.Set("Range", sr.Range)
	}
	return h
}

// targetOrigin serializes the origin of u, omitting the scheme's default port.
func targetOrigin(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if p := u.Port(); p != "" && !isDefaultPort(u.Scheme, p) {
		host += ":" + p
	}
	return u.Scheme + "://" + host
}

func isDefaultPort(scheme, port string) bool {
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return (scheme == "http" && n == 80) || (scheme == "https" && n == 443)
}

func is2xx(code int) bool {
	return code >= 200 && code < 300
}

func removeHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

// discard drains a little of body so the connection can be reused, then closes it.
func discard(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}
