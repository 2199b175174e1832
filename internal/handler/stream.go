// Package handler exposes the proxy over HTTP.
package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"hls-stream-proxy/internal/client"
	"hls-stream-proxy/internal/policy"
	"hls-stream-proxy/internal/service"
	"hls-stream-proxy/internal/stream"
)

// StreamHandler proxies /stream and /api/proxy/stream requests.
type StreamHandler struct {
	service *service.StreamService
	logger  *slog.Logger
}

// NewStreamHandler creates a StreamHandler.
func NewStreamHandler(svc *service.StreamService, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		service: svc,
		logger:  logger.With("component", "stream_handler"),
	}
}

// Handle validates the request, fetches the target through the service and
// streams the result back. OPTIONS is answered locally without a fetch.
func (h *StreamHandler) Handle(c echo.Context) error {
	req := c.Request()

	if req.Method == http.MethodOptions {
		policy.ApplyCORS(c.Response().Header())
		return c.NoContent(http.StatusNoContent)
	}

	sr, err := stream.Validate(req.Method, c.QueryParam("url"))
	if err != nil {
		return h.mapError(c, err)
	}
	sr.Range = req.Header.Get("Range")
	sr.ProxyOrigin = stream.ProxyOrigin(req.Header, req.Host)
	sr.ProxyPath = stream.ProxyPath(req.URL.Path)

	resp, err := h.service.Serve(req.Context(), sr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Replace rather than append so upstream values never duplicate ours.
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = vals
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Headers are already sent, so a failed copy (usually the client going
	// away mid-segment) can only be logged.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Debug("streaming response body",
			"err", err,
			"host", sr.Target.Host,
		)
	}

	return nil
}

func (h *StreamHandler) mapError(c echo.Context, err error) error {
	policy.ApplyCORS(c.Response().Header())

	var ve *stream.ValidationError
	if errors.As(err, &ve) {
		return c.JSON(ve.Status, errorBody(ve.Message))
	}

	h.logger.Error("stream error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, stream.ErrBlockedTarget) {
		return c.JSON(http.StatusForbidden, errorBody(stream.ErrBlockedTarget.Error()))
	}

	if errors.Is(err, client.ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, errorBody("upstream request timed out"))
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, errorBody("client disconnected"))
	}

	var se *service.UpstreamStatusError
	if errors.As(err, &se) {
		return c.JSON(http.StatusBadGateway, errorBody(se.Error()))
	}

	if errors.Is(err, service.ErrRewrite) {
		return c.JSON(http.StatusBadGateway, errorBody(err.Error()))
	}

	var dnsErr *net.DNSError
	var urlErr *url.Error
	if errors.As(err, &dnsErr) || errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, errorBody("upstream request failed: "+err.Error()))
	}

	return c.JSON(http.StatusInternalServerError, errorBody("internal error"))
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
