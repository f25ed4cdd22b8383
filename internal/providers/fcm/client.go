package fcm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"

	"taskhub/internal/providers"
)

const (
	DefaultBaseURL  = "https://fcm.googleapis.com"
	DefaultTokenURL = "https://oauth2.googleapis.com/token"
	messagingScope  = "https://www.googleapis.com/auth/firebase.messaging"
)

type Config struct {
	ID          string
	BaseURL     string
	ProjectID   string
	ClientEmail string
	PrivateKey  string
	TokenURL    string
	HTTPClient  *http.Client
	// TokenSource replaces the service-account flow when set.
	TokenSource oauth2.TokenSource
}

// Client sends through the FCM HTTP v1 API. Target is the device registration token.
type Client struct {
	cfg    Config
	tokens *providers.TokenCache
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, &providers.ConfigurationError{Provider: cfg.ID, Field: "project id"}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = providers.NewHTTPClient(0)
	}

	fetch := func(context.Context) (*oauth2.Token, error) { return cfg.TokenSource.Token() }
	if cfg.TokenSource == nil {
		if strings.TrimSpace(cfg.ClientEmail) == "" || strings.TrimSpace(cfg.PrivateKey) == "" {
			return nil, &providers.ConfigurationError{Provider: cfg.ID, Field: "service account"}
		}
		jc := &jwt.Config{
			Email:      cfg.ClientEmail,
			PrivateKey: []byte(cfg.PrivateKey),
			Scopes:     []string{messagingScope},
			TokenURL:   cfg.TokenURL,
		}
		fetch = func(ctx context.Context) (*oauth2.Token, error) { return jc.TokenSource(ctx).Token() }
	}
	return &Client{cfg: cfg, tokens: providers.NewTokenCache(cfg.HTTPClient, fetch)}, nil
}

var _ providers.Adapter = (*Client)(nil)

type notification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type message struct {
	Token        string            `json:"token"`
	Notification notification      `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type sendRequest struct {
	Message message `json:"message"`
}

func (c *Client) Invoke(ctx context.Context, r providers.Request) (providers.Result, error) {
	req, ok := r.(providers.PushRequest)
	if !ok {
		return providers.Result{}, providers.WrongRequest(c.cfg.ID, r)
	}
	if strings.TrimSpace(req.Target) == "" {
		return providers.Result{}, &providers.InvalidRequestError{Provider: c.cfg.ID, Reason: "device token is required"}
	}

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return providers.Result{}, c.tokenError(err)
	}

	body, err := json.Marshal(sendRequest{Message: message{
		Token:        req.Target,
		Notification: notification{Title: req.Title, Body: req.Body},
		Data:         req.Data,
	}})
	if err != nil {
		return providers.Result{}, fmt.Errorf("marshal fcm message: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Authorization", "Bearer "+tok.AccessToken)

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/v1/projects/" + url.PathEscape(c.cfg.ProjectID) + "/messages:send"
	resp, err := providers.Send(ctx, c.cfg.HTTPClient, c.cfg.ID, http.MethodPost, endpoint, header, body)
	if err != nil {
		return providers.Result{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code, msg := parseError(resp.Body)
		return providers.Result{}, providers.ClassifyStatus(c.cfg.ID, resp.StatusCode, resp.Header, code, msg)
	}

	var out struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return providers.Result{}, &providers.VendorError{Provider: c.cfg.ID, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}
	return providers.Result{
		Payload: providers.PushPayload{MessageID: out.Name, Status: "sent"},
		Usage:   providers.Usage{InputUnits: 1},
	}, nil
}

func (c *Client) tokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		if re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized {
			return &providers.AuthError{Provider: c.cfg.ID, StatusCode: re.Response.StatusCode, Message: re.ErrorDescription}
		}
		return providers.ClassifyStatus(c.cfg.ID, re.Response.StatusCode, re.Response.Header, re.ErrorCode, re.ErrorDescription)
	}
	return &providers.AuthError{Provider: c.cfg.ID, Message: err.Error()}
}

// parseError prefers the FCM-specific error code from the details over the
// generic RPC status.
func parseError(body []byte) (code, message string) {
	var resp struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
			Details []struct {
				ErrorCode string `json:"errorCode"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", providers.Truncate(body, 200)
	}
	code = resp.Error.Status
	for _, d := range resp.Error.Details {
		if d.ErrorCode != "" {
			code = d.ErrorCode
			break
		}
	}
	return code, resp.Error.Message
}
