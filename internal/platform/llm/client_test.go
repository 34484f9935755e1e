package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestComplete(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("auth = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "Keep the cone on for 10 days."}},
			},
			"usage": map[string]int{"total_tokens": 120},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-4o-mini"}, zerolog.Nop())

	got, err := c.Complete(context.Background(), "You are a vet assistant.", "Summarize: spay surgery, routine.")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "Keep the cone on for 10 days." {
		t.Errorf("completion = %q", got)
	}

	if gotReq.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", gotReq.Model)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" || gotReq.Messages[1].Role != "user" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
	if gotReq.Temperature != defaultTemperature {
		t.Errorf("temperature = %v", gotReq.Temperature)
	}
}

func TestCompleteAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"message": "rate limit exceeded", "type": "rate_limit_error"},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "m"}, zerolog.Nop())

	_, err := c.Complete(context.Background(), "s", "u")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusTooManyRequests || apiErr.Message != "rate limit exceeded" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestCompleteRetriesServerError(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "ok"}},
			},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "m"}, zerolog.Nop())
	c.retryDelay = 0

	got, err := c.Complete(context.Background(), "s", "u")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "ok" {
		t.Errorf("completion = %q", got)
	}
	if hits != 2 {
		t.Errorf("hits = %d, want one retry", hits)
	}
}

func TestCompleteDoesNotRetryClientError(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "m"}, zerolog.Nop())
	c.retryDelay = 0

	_, err := c.Complete(context.Background(), "s", "u")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400 APIError", err)
	}
	if hits != 1 {
		t.Errorf("hits = %d, client errors must not retry", hits)
	}
}

func TestCompleteNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"choices": []interface{}{}})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "m"}, zerolog.Nop())
	if _, err := c.Complete(context.Background(), "s", "u"); err == nil {
		t.Error("empty choices should error")
	}
}

func TestCompleteNotConfigured(t *testing.T) {
	c := New(Config{BaseURL: "http://llm.example"}, zerolog.Nop())
	if _, err := c.Complete(context.Background(), "s", "u"); err == nil {
		t.Error("missing API key should error without calling out")
	}
}

func TestMockSequence(t *testing.T) {
	m := &Mock{Responses: []string{"first", "second"}}

	for i, want := range []string{"first", "second", "second"} {
		got, err := m.Complete(context.Background(), "s", "u")
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if got != want {
			t.Errorf("call %d = %q, want %q", i, got, want)
		}
	}
	if len(m.Prompts) != 3 {
		t.Errorf("recorded prompts = %d", len(m.Prompts))
	}
}
