package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func timedRequest(t *testing.T, timeout time.Duration, path string, h echo.HandlerFunc) error {
	t.Helper()
	e := echo.New()
	method := http.MethodGet
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	return RequestTimeout(timeout)(h)(e.NewContext(req, rec))
}

func TestRequestTimeoutPassesFastHandlers(t *testing.T) {
	called := false
	err := timedRequest(t, 5*time.Second, "/api/v1/patients", func(c echo.Context) error {
		called = true
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected a deadline on the request context")
		}
		return c.NoContent(http.StatusOK)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler never ran")
	}
}

func TestRequestTimeoutReturns504OnExpiry(t *testing.T) {
	err := timedRequest(t, 50*time.Millisecond, "/api/v1/patients", func(c echo.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return c.NoContent(http.StatusOK)
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	})
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	if httpErr.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", httpErr.Code)
	}
}

func TestRequestTimeoutExemptsWebhooks(t *testing.T) {
	// A vendor that sees a 504 retries the delivery, so webhook routes
	// run without the short deadline.
	called := false
	err := timedRequest(t, 50*time.Millisecond, "/webhooks/voice", func(c echo.Context) error {
		called = true
		if deadline, ok := c.Request().Context().Deadline(); ok && time.Until(deadline) < time.Second {
			t.Error("webhook request should not carry the API deadline")
		}
		return c.NoContent(http.StatusOK)
	})
	if err != nil || !called {
		t.Fatalf("webhook handler should run untimed: err=%v called=%v", err, called)
	}
}

func TestRequestTimeoutPropagatesHandlerErrors(t *testing.T) {
	err := timedRequest(t, 5*time.Second, "/api/v1/patients/123", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	})
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected the handler's 404 to pass through, got %v", err)
	}
}
