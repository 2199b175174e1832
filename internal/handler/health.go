package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"hls-stream-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Health answers liveness probes with an empty 204.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":                "ok",
		"version":               string(h.version),
		"listen":                h.cfg.Server.Addr(),
		"timeout_seconds":       h.cfg.Upstream.TimeoutSeconds,
		"retry_timeout_seconds": h.cfg.Upstream.RetryTimeoutSeconds,
	})
}
