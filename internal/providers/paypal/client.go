package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"taskhub/internal/providers"
)

const (
	DefaultBaseURL = "https://api-m.paypal.com"
	SandboxBaseURL = "https://api-m.sandbox.paypal.com"
)

type Config struct {
	ID           string
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// Client creates Orders v2 checkouts. Access tokens come from the OAuth2 client
// credentials grant and are reused until they expire.
type Client struct {
	cfg    Config
	tokens *providers.TokenCache
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, &providers.ConfigurationError{Provider: cfg.ID, Field: "client id"}
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, &providers.ConfigurationError{Provider: cfg.ID, Field: "client secret"}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = providers.NewHTTPClient(0)
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.BaseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	return &Client{cfg: cfg, tokens: providers.NewTokenCache(cfg.HTTPClient, cc.Token)}, nil
}

var _ providers.Adapter = (*Client)(nil)

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	ReferenceID string `json:"reference_id,omitempty"`
	Description string `json:"description,omitempty"`
	Amount      money  `json:"amount"`
}

type orderRequest struct {
	Intent        string         `json:"intent"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

func (c *Client) Invoke(ctx context.Context, r providers.Request) (providers.Result, error) {
	req, ok := r.(providers.ChargeRequest)
	if !ok {
		return providers.Result{}, providers.WrongRequest(c.cfg.ID, r)
	}
	if req.Amount <= 0 || strings.TrimSpace(req.Currency) == "" {
		return providers.Result{}, &providers.InvalidRequestError{Provider: c.cfg.ID, Reason: "amount and currency are required"}
	}

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return providers.Result{}, c.tokenError(err)
	}

	body, err := json.Marshal(orderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: req.CustomerRef,
			Description: req.Description,
			Amount:      money{CurrencyCode: strings.ToUpper(req.Currency), Value: FormatAmount(req.Amount, req.Currency)},
		}},
	})
	if err != nil {
		return providers.Result{}, fmt.Errorf("marshal order payload: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	header.Set("Prefer", "return=minimal")
	if req.IdempotencyKey != "" {
		header.Set("PayPal-Request-Id", req.IdempotencyKey)
	}

	resp, err := providers.Send(ctx, c.cfg.HTTPClient, c.cfg.ID, http.MethodPost, c.cfg.BaseURL+"/v2/checkout/orders", header, body)
	if err != nil {
		return providers.Result{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code, msg := parseError(resp.Body)
		return providers.Result{}, providers.ClassifyStatus(c.cfg.ID, resp.StatusCode, resp.Header, code, msg)
	}

	var order orderResponse
	if err := json.Unmarshal(resp.Body, &order); err != nil || order.ID == "" {
		return providers.Result{}, &providers.VendorError{Provider: c.cfg.ID, StatusCode: resp.StatusCode, Message: "malformed order", Err: err}
	}
	payload := providers.ChargePayload{
		ChargeID: order.ID,
		Status:   strings.ToLower(order.Status),
		Amount:   req.Amount,
		Currency: strings.ToLower(req.Currency),
	}
	for _, l := range order.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			payload.ApprovalURL = l.Href
			break
		}
	}
	return providers.Result{
		Payload: payload,
		Usage:   providers.Usage{InputUnits: req.Amount},
	}, nil
}

func (c *Client) tokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code, msg := re.ErrorCode, re.ErrorDescription
		if re.Response.StatusCode == http.StatusBadRequest && code == "invalid_client" {
			return &providers.AuthError{Provider: c.cfg.ID, StatusCode: re.Response.StatusCode, Message: msg}
		}
		return providers.ClassifyStatus(c.cfg.ID, re.Response.StatusCode, re.Response.Header, code, msg)
	}
	return &providers.VendorError{Provider: c.cfg.ID, Message: "fetch access token", Err: err}
}

var zeroDecimalCurrencies = map[string]struct{}{
	"HUF": {}, "JPY": {}, "TWD": {},
}

// FormatAmount renders a minor-unit amount as the decimal string PayPal expects.
func FormatAmount(minor int64, currency string) string {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(currency)]; ok {
		return strconv.FormatInt(minor, 10)
	}
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

func parseError(body []byte) (code, message string) {
	var resp struct {
		Name    string `json:"name"`
		Message string `json:"message"`
		Error   string `json:"error"`
		Desc    string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", providers.Truncate(body, 200)
	}
	if resp.Name != "" {
		return resp.Name, resp.Message
	}
	return resp.Error, resp.Desc
}
