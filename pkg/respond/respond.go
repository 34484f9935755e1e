// Package respond defines the JSON response envelope shared by API handlers
// and webhook endpoints. Errors always render as
//
//	{"success": false, "error": "<code>", "message": "<detail>"}
//
// so that clients and vendor dashboards can branch on a stable code without
// parsing prose.
package respond

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Envelope is the wire shape of every enveloped response.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// OK writes a success envelope with the given payload.
func OK(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, Envelope{Success: true, Data: data})
}

// Fail writes an error envelope. code is a stable machine-readable token
// ("not_found", "invalid_phone"); msg is for humans.
func Fail(c echo.Context, status int, code, msg string) error {
	return c.JSON(status, Envelope{Success: false, Error: code, Message: msg})
}

// FailData writes an error envelope that also carries a payload, for
// failures where the partial result is still useful to the client.
func FailData(c echo.Context, status int, code, msg string, data interface{}) error {
	return c.JSON(status, Envelope{Success: false, Error: code, Message: msg, Data: data})
}

// WebhookAccepted acknowledges a vendor event that was processed.
func WebhookAccepted(c echo.Context) error {
	return c.JSON(http.StatusOK, Envelope{Success: true})
}

// WebhookIgnored acknowledges a vendor event that was received but not
// processed (unknown record, unrecognized type). The status is still 200 —
// returning an error status would only make the vendor retry an event that
// can never succeed — but the body carries success=false and the reason so
// the vendor's delivery log shows what happened.
func WebhookIgnored(c echo.Context, reason string) error {
	return c.JSON(http.StatusOK, Envelope{Success: false, Error: "ignored", Message: reason})
}

// CodeForStatus derives a stable error code from an HTTP status:
// 404 → "not_found", 429 → "too_many_requests".
func CodeForStatus(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "error"
	}
	code := strings.ToLower(text)
	code = strings.ReplaceAll(code, " ", "_")
	code = strings.ReplaceAll(code, "-", "_")
	return code
}

// HTTPErrorHandler returns an echo error handler that renders every error
// through the envelope. echo.HTTPError values keep their status and message;
// anything else becomes a 500 with a generic message so internals never leak
// to clients.
func HTTPErrorHandler(log zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		msg := "internal server error"

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			switch m := he.Message.(type) {
			case string:
				msg = m
			case error:
				msg = m.Error()
			default:
				msg = fmt.Sprintf("%v", m)
			}
		}

		if status >= http.StatusInternalServerError {
			log.Error().
				Err(err).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Int("status", status).
				Msg("request failed")
		}

		if err := Fail(c, status, CodeForStatus(status), msg); err != nil {
			log.Error().Err(err).Msg("write error response")
		}
	}
}
