package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseLimit(t *testing.T) {
	cases := map[string]int64{
		"1M":      1 << 20,
		"10M":     10 << 20,
		"512K":    512 << 10,
		"1G":      1 << 30,
		"2MB":     2 << 20,
		"1024":    1024,
		"":        1 << 20,
		"invalid": 1 << 20,
		"-5M":     1 << 20,
	}
	for in, want := range cases {
		if got := parseLimit(in); got != want {
			t.Errorf("parseLimit(%q) = %d, want %d", in, got, want)
		}
	}
}

func postBody(t *testing.T, mw echo.MiddlewareFunc, path string, body []byte, h echo.HandlerFunc) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	return mw(h)(e.NewContext(req, rec))
}

func want413(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error for oversized body")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", httpErr.Code)
	}
}

func TestBodyLimitPassesSmallBody(t *testing.T) {
	body := []byte(`{"name":"Biscuit","species":"dog"}`)
	err := postBody(t, BodyLimit("1M", "10M"), "/api/v1/patients", body, func(c echo.Context) error {
		b, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		if !strings.Contains(string(b), "Biscuit") {
			t.Error("body was not readable through the cap")
		}
		return c.NoContent(http.StatusCreated)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBodyLimitRejectsByContentLength(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 2048)
	err := postBody(t, BodyLimit("1K", "10M"), "/api/v1/patients", body, func(c echo.Context) error {
		t.Error("handler must not run for an oversized body")
		return nil
	})
	want413(t, err)
}

func TestBodyLimitWebhookRoutesGetOwnCap(t *testing.T) {
	// 2KB payload: over the 1K API cap, under the 10M webhook cap.
	body := bytes.Repeat([]byte("x"), 2048)

	reached := false
	err := postBody(t, BodyLimit("1K", "10M"), "/webhooks/voice", body, func(c echo.Context) error {
		reached = true
		return c.NoContent(http.StatusOK)
	})
	if err != nil || !reached {
		t.Fatalf("webhook payload within its cap rejected: %v", err)
	}

	err = postBody(t, BodyLimit("512", "1K"), "/webhooks/voice", body, func(c echo.Context) error {
		t.Error("handler must not run over the webhook cap")
		return nil
	})
	want413(t, err)
}

func TestBodyLimitSkipsEmptyBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil)
	rec := httptest.NewRecorder()

	err := BodyLimit("1M", "10M")(okHandler)(e.NewContext(req, rec))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBodyLimitTripsMidReadWithoutContentLength(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/patients", bytes.NewReader(bytes.Repeat([]byte("a"), 1024)))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := BodyLimit("512", "10M")(func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	})(c)
	want413(t, err)
}
