package gemini

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taskhub/internal/providers"
)

func TestInvokeTranslatesRequest(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-1.5-flash:generateContent" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "gk" {
			t.Errorf("missing api key header")
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"pong"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":1}}`))
	}))
	defer srv.Close()

	c, err := New(Config{ID: "gemini", BaseURL: srv.URL, APIKey: "gk", Model: "gemini-1.5-flash", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := c.Invoke(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: "sys"},
			{Role: "user", Content: "ping"},
			{Role: "assistant", Content: "earlier"},
		},
		MaxTokens: 64,
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "sys" {
		t.Fatalf("expected systemInstruction, got %#v", got.SystemInstruction)
	}
	if len(got.Contents) != 2 || got.Contents[1].Role != "model" {
		t.Fatalf("expected assistant mapped to model, got %#v", got.Contents)
	}
	if got.GenerationConfig == nil || got.GenerationConfig.MaxOutputTokens != 64 {
		t.Fatalf("expected generation config, got %#v", got.GenerationConfig)
	}
	if res.Payload.(providers.ChatPayload).Text != "pong" {
		t.Fatalf("unexpected payload %#v", res.Payload)
	}
	if res.Usage.InputUnits != 9 || res.Usage.OutputUnits != 1 {
		t.Fatalf("unexpected usage %#v", res.Usage)
	}
}

func TestInvokeResourceExhaustedUsesRetryInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED","details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"37s"}]}}`))
	}))
	defer srv.Close()

	c, _ := New(Config{ID: "gemini", BaseURL: srv.URL, APIKey: "gk", Model: "m", HTTPClient: srv.Client()})
	_, err := c.Invoke(context.Background(), providers.ChatRequest{Messages: []providers.Message{{Role: "user", Content: "hi"}}})
	if providers.KindOf(err) != providers.KindRateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}
	if providers.RetryAfterOf(err) != 37*time.Second {
		t.Fatalf("expected 37s, got %s", providers.RetryAfterOf(err))
	}
}

func TestInvokeWithoutModel(t *testing.T) {
	c, _ := New(Config{ID: "gemini", APIKey: "gk"})
	_, err := c.Invoke(context.Background(), providers.ChatRequest{Messages: []providers.Message{{Role: "user", Content: "hi"}}})
	if providers.KindOf(err) != providers.KindConfiguration {
		t.Fatalf("expected configuration, got %v", err)
	}
}
