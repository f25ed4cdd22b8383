package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"taskhub/internal/providers"
)

func newPayPal(t *testing.T, orders http.HandlerFunc) (*Client, *atomic.Int32) {
	t.Helper()
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		id, secret, ok := r.BasicAuth()
		if !ok || id != "cid" || secret != "csecret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"Client Authentication failed"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"A21","token_type":"Bearer","expires_in":32400}`))
	})
	mux.HandleFunc("/v2/checkout/orders", orders)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(Config{ID: "paypal", BaseURL: srv.URL, ClientID: "cid", ClientSecret: "csecret", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return c, &tokenCalls
}

func TestInvokeCreatesOrder(t *testing.T) {
	var got orderRequest
	c, tokenCalls := newPayPal(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer A21" {
			t.Errorf("unexpected authorization %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("PayPal-Request-Id") != "idem" {
			t.Errorf("request id not forwarded")
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"5O190127TN364715T","status":"CREATED","links":[{"href":"https://www.paypal.com/checkoutnow?token=5O1","rel":"approve"}]}`))
	})

	req := providers.ChargeRequest{Amount: 2999, Currency: "usd", CustomerRef: "user-1", IdempotencyKey: "idem"}
	res, err := c.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got.Intent != "CAPTURE" || got.PurchaseUnits[0].Amount.Value != "29.99" || got.PurchaseUnits[0].Amount.CurrencyCode != "USD" {
		t.Fatalf("unexpected order request %#v", got)
	}
	payload := res.Payload.(providers.ChargePayload)
	if payload.ChargeID != "5O190127TN364715T" || payload.Status != "created" || payload.ApprovalURL == "" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if res.Usage.InputUnits != 2999 {
		t.Fatalf("expected amount as input units, got %d", res.Usage.InputUnits)
	}

	if _, err := c.Invoke(context.Background(), req); err != nil {
		t.Fatalf("second invoke: %v", err)
	}
	if tokenCalls.Load() != 1 {
		t.Fatalf("expected cached access token, got %d token calls", tokenCalls.Load())
	}
}

func TestInvokeRateLimited(t *testing.T) {
	c, _ := newPayPal(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"name":"RATE_LIMIT_REACHED","message":"Too many requests."}`))
	})
	_, err := c.Invoke(context.Background(), providers.ChargeRequest{Amount: 100, Currency: "usd"})
	if providers.KindOf(err) != providers.KindRateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}
}

func TestInvokeBadCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"Client Authentication failed"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, _ := New(Config{ID: "paypal", BaseURL: srv.URL, ClientID: "x", ClientSecret: "y", HTTPClient: srv.Client()})
	_, err := c.Invoke(context.Background(), providers.ChargeRequest{Amount: 100, Currency: "usd"})
	if providers.KindOf(err) != providers.KindAuth {
		t.Fatalf("expected auth, got %v", err)
	}
}

func TestFormatAmount(t *testing.T) {
	cases := []struct {
		minor    int64
		currency string
		want     string
	}{
		{999, "usd", "9.99"},
		{5, "eur", "0.05"},
		{1200, "JPY", "1200"},
	}
	for _, tc := range cases {
		if got := FormatAmount(tc.minor, tc.currency); got != tc.want {
			t.Fatalf("FormatAmount(%d, %s): expected %s, got %s", tc.minor, tc.currency, tc.want, got)
		}
	}
}

func TestInvokeHonoursCancelledContext(t *testing.T) {
	c, tokenCalls := newPayPal(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("order must not be created without a token")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Invoke(ctx, providers.ChargeRequest{Amount: 100, Currency: "usd"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled from the token exchange, got %v", err)
	}
	if tokenCalls.Load() != 0 {
		t.Fatalf("cancelled request still reached the token endpoint")
	}
}
