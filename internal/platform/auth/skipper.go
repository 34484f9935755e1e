package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPaths lists URL paths that bypass authentication and clinic
// resolution. These are infrastructure endpoints (health checks, metrics)
// that must be accessible without credentials.
var publicPaths = map[string]bool{
	"/":          true,
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// AuthSkipper returns true for requests whose path should skip authentication.
// Webhook endpoints are included: vendors cannot send bearer tokens, so those
// routes authenticate with per-vendor signatures instead.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Request().URL.Path)
}

// IsPublicPath reports whether the given path is a public infrastructure or
// webhook endpoint that should bypass auth and clinic middleware.
func IsPublicPath(path string) bool {
	if publicPaths[path] {
		return true
	}
	return strings.HasPrefix(path, "/webhooks/")
}
