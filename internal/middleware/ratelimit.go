package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"hls-stream-proxy/internal/policy"
)

// RateLimiter returns a per-IP token bucket limiter allowing rps requests per
// second. Rejections are CORS-decorated so browser players can read them.
// Health probes are never limited. Clients are keyed by c.RealIP, so the Echo
// instance's IPExtractor decides whether forwarding headers are trusted.
func RateLimiter(rps float64) echo.MiddlewareFunc {
	return echomw.RateLimiterWithConfig(rateLimiterConfig(rps))
}

func rateLimiterConfig(rps float64) echomw.RateLimiterConfig {
	return echomw.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Request().URL.Path == "/health"
		},
		Store: echomw.NewRateLimiterMemoryStore(rate.Limit(rps)),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, _ error) error {
			policy.ApplyCORS(c.Response().Header())
			return c.JSON(http.StatusForbidden, map[string]string{"error": "unable to identify client"})
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			policy.ApplyCORS(c.Response().Header())
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
		},
	}
}
