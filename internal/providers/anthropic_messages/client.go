package anthropic_messages

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"taskhub/internal/providers"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com"
	DefaultVersion   = "2023-06-01"
	defaultMaxTokens = 1024
	// Anthropic accepts temperatures in [0, 1].
	maxTemperature   = 1.0
)

type Config struct {
	ID         string
	BaseURL    string
	APIKey     string
	Version    string
	Model      string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &providers.ConfigurationError{Provider: cfg.ID, Field: "api key"}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = providers.NewHTTPClient(0)
	}
	return &Client{cfg: cfg}, nil
}

var _ providers.Adapter = (*Client)(nil)

type messageRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messageResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Client) Invoke(ctx context.Context, r providers.Request) (providers.Result, error) {
	req, ok := r.(providers.ChatRequest)
	if !ok {
		return providers.Result{}, providers.WrongRequest(c.cfg.ID, r)
	}
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return providers.Result{}, fmt.Errorf("marshal messages payload: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("x-api-key", c.cfg.APIKey)
	header.Set("anthropic-version", c.cfg.Version)

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/v1/messages"
	resp, err := providers.Send(ctx, c.cfg.HTTPClient, c.cfg.ID, http.MethodPost, endpoint, header, body)
	if err != nil {
		return providers.Result{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code, msg := parseError(resp.Body)
		return providers.Result{}, providers.ClassifyStatus(c.cfg.ID, resp.StatusCode, resp.Header, code, msg)
	}

	var out messageResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return providers.Result{}, &providers.VendorError{Provider: c.cfg.ID, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}
	parts := make([]string, 0, len(out.Content))
	for _, block := range out.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return providers.Result{
		Payload: providers.ChatPayload{Text: strings.Join(parts, ""), Model: out.Model, FinishReason: out.StopReason},
		Usage:   providers.Usage{InputUnits: out.Usage.InputTokens, OutputUnits: out.Usage.OutputTokens},
	}, nil
}

// buildRequest lifts system messages into the top-level system field; the
// Messages API only accepts user and assistant turns.
func (c *Client) buildRequest(req providers.ChatRequest) messageRequest {
	model := req.Model
	if strings.TrimSpace(model) == "" {
		model = c.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	conv := req.ConversationMessages()
	msgs := make([]message, 0, len(conv))
	for _, m := range conv {
		role := m.Role
		if role != "assistant" {
			role = "user"
		}
		msgs = append(msgs, message{Role: role, Content: m.Content})
	}
	out := messageRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    req.SystemPrompt(),
		Messages:  msgs,
	}
	if req.Temperature != nil {
		t := min(*req.Temperature, maxTemperature)
		out.Temperature = &t
	}
	return out
}

func parseError(body []byte) (code, message string) {
	var resp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", providers.Truncate(body, 200)
	}
	return resp.Error.Type, resp.Error.Message
}
