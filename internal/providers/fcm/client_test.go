package fcm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"taskhub/internal/providers"
)

func staticTokens() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "ya29.test", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)})
}

func TestInvokeSendsMessage(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/projects/demo/messages:send" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer ya29.test" {
			t.Errorf("unexpected authorization %q", r.Header.Get("Authorization"))
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		_, _ = w.Write([]byte(`{"name":"projects/demo/messages/0:123"}`))
	}))
	defer srv.Close()

	c, err := New(Config{ID: "fcm", BaseURL: srv.URL, ProjectID: "demo", TokenSource: staticTokens(), HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := c.Invoke(context.Background(), providers.PushRequest{
		Title: "Due soon", Body: "Task X", Target: "device-token", Data: map[string]string{"taskId": "7"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got.Message.Token != "device-token" || got.Message.Notification.Title != "Due soon" || got.Message.Data["taskId"] != "7" {
		t.Fatalf("unexpected fcm message %#v", got)
	}
	if res.Payload.(providers.PushPayload).MessageID != "projects/demo/messages/0:123" {
		t.Fatalf("unexpected payload %#v", res.Payload)
	}
	if res.Usage.InputUnits != 1 {
		t.Fatalf("expected one unit per message, got %d", res.Usage.InputUnits)
	}
}

func TestInvokeQuotaExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED","details":[{"@type":"type.googleapis.com/google.firebase.fcm.v1.FcmError","errorCode":"QUOTA_EXCEEDED"}]}}`))
	}))
	defer srv.Close()

	c, _ := New(Config{ID: "fcm", BaseURL: srv.URL, ProjectID: "demo", TokenSource: staticTokens(), HTTPClient: srv.Client()})
	_, err := c.Invoke(context.Background(), providers.PushRequest{Target: "t"})
	if providers.KindOf(err) != providers.KindRateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}
	if providers.RetryAfterOf(err) != time.Minute {
		t.Fatalf("expected 60s, got %s", providers.RetryAfterOf(err))
	}
}

func TestInvokeUnregisteredToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Requested entity was not found.","status":"NOT_FOUND","details":[{"errorCode":"UNREGISTERED"}]}}`))
	}))
	defer srv.Close()

	c, _ := New(Config{ID: "fcm", BaseURL: srv.URL, ProjectID: "demo", TokenSource: staticTokens(), HTTPClient: srv.Client()})
	_, err := c.Invoke(context.Background(), providers.PushRequest{Target: "t"})
	if providers.KindOf(err) != providers.KindVendor {
		t.Fatalf("expected vendor, got %v", err)
	}
	if code, _ := parseError([]byte(`{"error":{"status":"NOT_FOUND","details":[{"errorCode":"UNREGISTERED"}]}}`)); code != "UNREGISTERED" {
		t.Fatalf("expected fcm error code, got %q", code)
	}
}

func TestNewRequiresServiceAccount(t *testing.T) {
	_, err := New(Config{ID: "fcm", ProjectID: "demo"})
	if providers.KindOf(err) != providers.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
