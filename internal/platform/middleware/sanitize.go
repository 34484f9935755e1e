package middleware

import (
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// maxHeaderValueSize caps any single header value at 8KB.
const maxHeaderValueSize = 8192

var (
	// sqlPatterns only warns. The repos use parameterized queries
	// throughout, so a match here is recon noise worth logging, not a
	// reason to reject.
	sqlPatterns = regexp.MustCompile(`(?i)('+\s*;\s*DROP\b|UNION\s+SELECT\b|'\s+OR\s+1\s*=\s*1|1\s*=\s*1)`)

	// scriptPatterns blocks. Markup has no business in a query string.
	scriptPatterns = regexp.MustCompile(`(?i)(<script|javascript\s*:|on\w+\s*=)`)
)

// Sanitize rejects requests carrying path traversal, null bytes, header
// injection, or script fragments before they reach a handler.
func Sanitize() echo.MiddlewareFunc {
	return SanitizeWithLogger(zerolog.Nop())
}

// SanitizeWithLogger is Sanitize with a destination for the non-blocking
// SQL pattern warnings.
func SanitizeWithLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			if reason := pathViolation(req.URL.Path, req.URL.RawPath); reason != "" {
				return echo.NewHTTPError(http.StatusBadRequest, reason)
			}
			if reason := headerViolation(req.Header); reason != "" {
				return echo.NewHTTPError(http.StatusBadRequest, reason)
			}

			for key, values := range req.URL.Query() {
				if containsNullByte(key) || scriptPatterns.MatchString(key) {
					return echo.NewHTTPError(http.StatusBadRequest, "invalid query parameter name")
				}
				for _, v := range values {
					if containsNullByte(v) {
						return echo.NewHTTPError(http.StatusBadRequest, "null byte injection detected in query parameter")
					}
					if scriptPatterns.MatchString(v) {
						return echo.NewHTTPError(http.StatusBadRequest, "script injection detected in query parameter")
					}
					if sqlPatterns.MatchString(v) {
						logger.Warn().
							Str("param", key).
							Str("path", req.URL.Path).
							Str("remote_ip", c.RealIP()).
							Msg("potential SQL injection pattern in query parameter")
					}
				}
			}

			return next(c)
		}
	}
}

func pathViolation(path, rawPath string) string {
	if rawPath == "" {
		rawPath = path
	}
	if containsPathTraversal(path) || containsPathTraversal(rawPath) {
		return "path traversal detected"
	}
	if containsNullByte(path) || containsNullByte(rawPath) {
		return "null byte injection detected"
	}
	return ""
}

func headerViolation(h http.Header) string {
	for name, values := range h {
		for _, v := range values {
			if len(v) > maxHeaderValueSize {
				return "header value exceeds maximum size: " + name
			}
			if strings.ContainsAny(v, "\r\n") {
				return "header injection detected: " + name
			}
		}
	}
	return ""
}

// containsPathTraversal matches ".." raw, percent-encoded, and
// double-encoded.
func containsPathTraversal(s string) bool {
	if strings.Contains(s, "..") {
		return true
	}
	lower := strings.ToLower(s)
	return strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%252e")
}

// containsNullByte matches NUL raw and percent-encoded.
func containsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00') || strings.Contains(strings.ToLower(s), "%00")
}

// SanitizeString strips null bytes and control characters (keeping \n, \r,
// \t) and trims surrounding whitespace. Handlers apply it to free-text
// fields like clinical notes before persisting.
func SanitizeString(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if r == '\x00' {
			continue
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
