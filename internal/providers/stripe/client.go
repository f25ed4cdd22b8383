package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"taskhub/internal/providers"
)

const DefaultBaseURL = "https://api.stripe.com"

type Config struct {
	ID         string
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
}

// Client creates PaymentIntents. Usage reports the charged amount in minor units.
type Client struct {
	cfg Config
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, &providers.ConfigurationError{Provider: cfg.ID, Field: "secret key"}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = providers.NewHTTPClient(0)
	}
	return &Client{cfg: cfg}, nil
}

var _ providers.Adapter = (*Client)(nil)

type paymentIntent struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	NextAction *struct {
		RedirectToURL *struct {
			URL string `json:"url"`
		} `json:"redirect_to_url"`
	} `json:"next_action"`
}

func (c *Client) Invoke(ctx context.Context, r providers.Request) (providers.Result, error) {
	req, ok := r.(providers.ChargeRequest)
	if !ok {
		return providers.Result{}, providers.WrongRequest(c.cfg.ID, r)
	}
	if req.Amount <= 0 || strings.TrimSpace(req.Currency) == "" {
		return providers.Result{}, &providers.InvalidRequestError{Provider: c.cfg.ID, Reason: "amount and currency are required"}
	}

	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	header.Set("Authorization", "Bearer "+c.cfg.SecretKey)
	if req.IdempotencyKey != "" {
		header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/v1/payment_intents"
	body := []byte(encodeForm(req).Encode())
	resp, err := providers.Send(ctx, c.cfg.HTTPClient, c.cfg.ID, http.MethodPost, endpoint, header, body)
	if err != nil {
		return providers.Result{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code, msg := parseError(resp.Body)
		return providers.Result{}, providers.ClassifyStatus(c.cfg.ID, resp.StatusCode, resp.Header, code, msg)
	}

	var pi paymentIntent
	if err := json.Unmarshal(resp.Body, &pi); err != nil || pi.ID == "" {
		return providers.Result{}, &providers.VendorError{Provider: c.cfg.ID, StatusCode: resp.StatusCode, Message: "malformed payment intent", Err: err}
	}
	payload := providers.ChargePayload{
		ChargeID: pi.ID,
		Status:   pi.Status,
		Amount:   pi.Amount,
		Currency: pi.Currency,
	}
	if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil {
		payload.ApprovalURL = pi.NextAction.RedirectToURL.URL
	}
	return providers.Result{
		Payload: payload,
		Usage:   providers.Usage{InputUnits: pi.Amount},
	}, nil
}

// encodeForm maps a charge onto PaymentIntent form fields. Stripe customer ids
// are passed through; any other reference is kept as metadata.
func encodeForm(req providers.ChargeRequest) url.Values {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	if req.Description != "" {
		form.Set("description", req.Description)
	}
	if strings.HasPrefix(req.CustomerRef, "cus_") {
		form.Set("customer", req.CustomerRef)
	} else if req.CustomerRef != "" {
		form.Set("metadata[customer_ref]", req.CustomerRef)
	}
	return form
}

func parseError(body []byte) (code, message string) {
	var resp struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", providers.Truncate(body, 200)
	}
	code = resp.Error.Code
	if code == "" {
		code = resp.Error.Type
	}
	return code, resp.Error.Message
}
