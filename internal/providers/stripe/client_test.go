package stripe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"taskhub/internal/providers"
)

func TestInvokeCreatesPaymentIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_intents" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk_test" {
			t.Errorf("missing secret key")
		}
		if r.Header.Get("Idempotency-Key") != "idem-1" {
			t.Errorf("idempotency key not forwarded")
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("amount") != "999" || r.PostForm.Get("currency") != "usd" || r.PostForm.Get("customer") != "cus_123" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		_, _ = w.Write([]byte(`{"id":"pi_1","status":"requires_payment_method","amount":999,"currency":"usd"}`))
	}))
	defer srv.Close()

	c, err := New(Config{ID: "stripe", BaseURL: srv.URL, SecretKey: "sk_test", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := c.Invoke(context.Background(), providers.ChargeRequest{
		Amount: 999, Currency: "USD", CustomerRef: "cus_123", Description: "pro plan", IdempotencyKey: "idem-1",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	payload := res.Payload.(providers.ChargePayload)
	if payload.ChargeID != "pi_1" || payload.Amount != 999 {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if res.Usage.InputUnits != 999 || res.Usage.OutputUnits != 0 {
		t.Fatalf("unexpected usage %#v", res.Usage)
	}
}

func TestEncodeFormKeepsForeignReferenceAsMetadata(t *testing.T) {
	form := encodeForm(providers.ChargeRequest{Amount: 5, Currency: "EUR", CustomerRef: "user-9"})
	if form.Get("customer") != "" || form.Get("metadata[customer_ref]") != "user-9" {
		t.Fatalf("unexpected form %v", form)
	}
	if form.Get("currency") != "eur" {
		t.Fatalf("expected lowercase currency")
	}
}

func TestInvokeErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   providers.ErrorKind
	}{
		{"card declined", http.StatusPaymentRequired, `{"error":{"type":"card_error","code":"card_declined","message":"declined"}}`, providers.KindVendor},
		{"bad key", http.StatusUnauthorized, `{"error":{"type":"invalid_request_error","message":"Invalid API Key"}}`, providers.KindAuth},
		{"throttled", http.StatusTooManyRequests, `{"error":{"type":"invalid_request_error","code":"rate_limit"}}`, providers.KindRateLimited},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c, _ := New(Config{ID: "stripe", BaseURL: srv.URL, SecretKey: "sk", HTTPClient: srv.Client()})
			_, err := c.Invoke(context.Background(), providers.ChargeRequest{Amount: 100, Currency: "usd"})
			if got := providers.KindOf(err); got != tc.want {
				t.Fatalf("expected %q, got %q (%v)", tc.want, got, err)
			}
		})
	}
}

func TestInvokeRejectsEmptyAmount(t *testing.T) {
	c, _ := New(Config{ID: "stripe", SecretKey: "sk"})
	_, err := c.Invoke(context.Background(), providers.ChargeRequest{Currency: "usd"})
	if providers.KindOf(err) != providers.KindInvalidRequest {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}
