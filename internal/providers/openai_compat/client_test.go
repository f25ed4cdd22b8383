package openai_compat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"taskhub/internal/providers"
)

func TestBuildPayloadChatCompletions(t *testing.T) {
	c, err := New(Config{ID: "xai", BaseURL: "https://api.x.ai/v1", APIKey: "k", Endpoint: "chat_completions"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	temp := 0.0
	body, endpoint, err := c.buildPayload(providers.ChatRequest{
		Model: "grok-beta",
		Messages: []providers.Message{
			{Role: "system", Content: "You are concise"},
			{Role: "user", Content: "hello"},
		},
		MaxTokens:   123,
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.x.ai/v1/chat/completions" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}

	var payload struct {
		Model       string              `json:"model"`
		Messages    []map[string]string `json:"messages"`
		MaxTokens   int                 `json:"max_tokens"`
		Temperature *float64            `json:"temperature"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Model != "grok-beta" {
		t.Fatalf("expected model grok-beta, got %q", payload.Model)
	}
	if len(payload.Messages) != 2 || payload.Messages[0]["role"] != "system" {
		t.Fatalf("unexpected messages %#v", payload.Messages)
	}
	if payload.MaxTokens != 123 {
		t.Fatalf("expected max_tokens 123, got %d", payload.MaxTokens)
	}
	if payload.Temperature == nil || *payload.Temperature != 0 {
		t.Fatalf("expected an explicit temperature 0 to be sent, got %v", payload.Temperature)
	}
}

func TestBuildPayloadResponsesEndpoint(t *testing.T) {
	c, _ := New(Config{ID: "openai", BaseURL: "https://api.openai.com/v1", APIKey: "k", Endpoint: "responses", Model: "gpt-4.1"})

	body, endpoint, err := c.buildPayload(providers.ChatRequest{Messages: []providers.Message{{Role: "user", Content: "hello"}}})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.openai.com/v1/responses" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}
	var payload map[string]any
	_ = json.Unmarshal(body, &payload)
	if payload["model"] != "gpt-4.1" {
		t.Fatalf("expected configured model fallback, got %#v", payload["model"])
	}
	if _, ok := payload["input"]; !ok {
		t.Fatalf("input missing in responses payload")
	}
	if _, ok := payload["temperature"]; ok {
		t.Fatalf("temperature should be omitted when unset")
	}
}

func TestNewWithoutKeyIsConfigurationError(t *testing.T) {
	_, err := New(Config{ID: "openai"})
	var cfgErr *providers.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestInvokeParsesUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gpt-4o-mini","choices":[{"message":{"content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":5}}`))
	}))
	defer srv.Close()

	c, _ := New(Config{ID: "openai", BaseURL: srv.URL + "/v1", APIKey: "sk-test", HTTPClient: srv.Client()})
	res, err := c.Invoke(context.Background(), providers.ChatRequest{Messages: []providers.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	payload, ok := res.Payload.(providers.ChatPayload)
	if !ok || payload.Text != "hi there" || payload.FinishReason != "stop" {
		t.Fatalf("unexpected payload %#v", res.Payload)
	}
	if res.Usage.InputUnits != 12 || res.Usage.OutputUnits != 5 {
		t.Fatalf("unexpected usage %#v", res.Usage)
	}
}

func TestInvokeRateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("x-ratelimit-reset-requests", "2s")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`))
	}))
	defer srv.Close()

	c, _ := New(Config{ID: "openai", BaseURL: srv.URL, APIKey: "k", HTTPClient: srv.Client()})
	_, err := c.Invoke(context.Background(), providers.ChatRequest{Messages: []providers.Message{{Role: "user", Content: "hi"}}})
	if providers.KindOf(err) != providers.KindRateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}
	if providers.RetryAfterOf(err).Seconds() != 2 {
		t.Fatalf("expected 2s retry hint, got %s", providers.RetryAfterOf(err))
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one vendor call, got %d", calls.Load())
	}
}

func TestInvokeAuthAndVendorErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusUnauthorized)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c, _ := New(Config{ID: "openai", BaseURL: srv.URL, APIKey: "k", HTTPClient: srv.Client()})
	req := providers.ChatRequest{Messages: []providers.Message{{Role: "user", Content: "hi"}}}

	if _, err := c.Invoke(context.Background(), req); providers.KindOf(err) != providers.KindAuth {
		t.Fatalf("expected auth, got %v", err)
	}
	status.Store(http.StatusInternalServerError)
	if _, err := c.Invoke(context.Background(), req); providers.KindOf(err) != providers.KindVendor {
		t.Fatalf("expected vendor, got %v", err)
	}
}

func TestInvokeRejectsOtherCapabilities(t *testing.T) {
	c, _ := New(Config{ID: "openai", APIKey: "k"})
	_, err := c.Invoke(context.Background(), providers.PushRequest{Target: "x"})
	if providers.KindOf(err) != providers.KindInvalidRequest {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}
