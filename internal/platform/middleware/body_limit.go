package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// BodyLimit caps request body size, returning 413 past the cap. Webhook
// routes get their own limit: vendor payloads carry call transcripts and
// event batches that run far larger than API writes.
//
// Limits are human-readable: "1M", "512K", "10M"; a bare number is bytes.
func BodyLimit(defaultLimit, webhookLimit string) echo.MiddlewareFunc {
	defaultBytes := parseLimit(defaultLimit)
	webhookBytes := parseLimit(webhookLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if strings.HasPrefix(req.URL.Path, "/webhooks/") {
				limit = webhookBytes
			}

			// Declared length gives an early reject; the capped reader
			// still guards against a lying or absent Content-Length.
			if req.ContentLength > limit {
				return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
					fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", limit))
			}
			req.Body = &cappedBody{inner: req.Body, left: limit}

			return next(c)
		}
	}
}

// cappedBody fails the read that crosses the cap. It reads one byte past
// the limit so an exactly-at-limit body still succeeds.
type cappedBody struct {
	inner   io.ReadCloser
	left    int64
	tripped bool
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.tripped {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}

	if max := b.left + 1; int64(len(p)) > max {
		p = p[:max]
	}
	n, err := b.inner.Read(p)
	b.left -= int64(n)
	if b.left < 0 {
		b.tripped = true
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return n, err
}

func (b *cappedBody) Close() error { return b.inner.Close() }

var limitSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"GB", 1 << 30}, {"G", 1 << 30},
	{"MB", 1 << 20}, {"M", 1 << 20},
	{"KB", 1 << 10}, {"K", 1 << 10},
}

// parseLimit turns "10M"-style strings into bytes, falling back to 1 MB
// on anything unparseable.
func parseLimit(s string) int64 {
	const fallback = 1 << 20

	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return fallback
	}

	var mult int64 = 1
	for _, ls := range limitSuffixes {
		if strings.HasSuffix(s, ls.suffix) {
			mult = ls.mult
			s = strings.TrimSuffix(s, ls.suffix)
			break
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return fallback
	}
	return n * mult
}
