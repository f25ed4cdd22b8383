package expo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"taskhub/internal/providers"
)

const DefaultBaseURL = "https://exp.host"

type Config struct {
	ID          string
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
}

// Client sends through the Expo push service. Target is an ExponentPushToken.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = providers.NewHTTPClient(0)
	}
	return &Client{cfg: cfg}
}

var _ providers.Adapter = (*Client)(nil)

type pushMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
	Sound string            `json:"sound,omitempty"`
}

type ticket struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message"`
	Details struct {
		Error string `json:"error"`
	} `json:"details"`
}

type sendResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) Invoke(ctx context.Context, r providers.Request) (providers.Result, error) {
	req, ok := r.(providers.PushRequest)
	if !ok {
		return providers.Result{}, providers.WrongRequest(c.cfg.ID, r)
	}
	if strings.TrimSpace(req.Target) == "" {
		return providers.Result{}, &providers.InvalidRequestError{Provider: c.cfg.ID, Reason: "push token is required"}
	}

	body, err := json.Marshal(pushMessage{To: req.Target, Title: req.Title, Body: req.Body, Data: req.Data, Sound: "default"})
	if err != nil {
		return providers.Result{}, fmt.Errorf("marshal expo message: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")
	if c.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/--/api/v2/push/send"
	resp, err := providers.Send(ctx, c.cfg.HTTPClient, c.cfg.ID, http.MethodPost, endpoint, header, body)
	if err != nil {
		return providers.Result{}, err
	}

	var out sendResponse
	decodeErr := json.Unmarshal(resp.Body, &out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 || len(out.Errors) > 0 {
		code, msg := "", providers.Truncate(resp.Body, 200)
		if decodeErr == nil && len(out.Errors) > 0 {
			code, msg = out.Errors[0].Code, out.Errors[0].Message
		}
		status := resp.StatusCode
		if status >= 200 && status <= 299 {
			status = http.StatusBadGateway
		}
		return providers.Result{}, providers.ClassifyStatus(c.cfg.ID, status, resp.Header, code, msg)
	}
	if decodeErr != nil {
		return providers.Result{}, &providers.VendorError{Provider: c.cfg.ID, StatusCode: resp.StatusCode, Message: "malformed response", Err: decodeErr}
	}

	t, err := firstTicket(out.Data)
	if err != nil {
		return providers.Result{}, &providers.VendorError{Provider: c.cfg.ID, StatusCode: resp.StatusCode, Message: "malformed ticket", Err: err}
	}
	// Expo reports per-message failures inside a 200 response.
	if t.Status == "error" {
		return providers.Result{}, providers.ClassifyStatus(c.cfg.ID, http.StatusBadGateway, resp.Header, t.Details.Error, t.Message)
	}
	return providers.Result{
		Payload: providers.PushPayload{MessageID: t.ID, Status: "accepted"},
		Usage:   providers.Usage{InputUnits: 1},
	}, nil
}

// firstTicket accepts both the single-object and the array form of data.
func firstTicket(raw json.RawMessage) (ticket, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return ticket{}, fmt.Errorf("empty data")
	}
	if raw[0] == '[' {
		var list []ticket
		if err := json.Unmarshal(raw, &list); err != nil {
			return ticket{}, err
		}
		if len(list) == 0 {
			return ticket{}, fmt.Errorf("no tickets")
		}
		return list[0], nil
	}
	var t ticket
	if err := json.Unmarshal(raw, &t); err != nil {
		return ticket{}, err
	}
	return t, nil
}
