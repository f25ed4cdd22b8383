package openai_compat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"taskhub/internal/providers"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type Config struct {
	ID         string
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	Endpoint   string
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
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = providers.NewHTTPClient(0)
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "chat_completions"
	}
	return &Client{cfg: cfg}, nil
}

var _ providers.Adapter = (*Client)(nil)

func (c *Client) Invoke(ctx context.Context, r providers.Request) (providers.Result, error) {
	req, ok := r.(providers.ChatRequest)
	if !ok {
		return providers.Result{}, providers.WrongRequest(c.cfg.ID, r)
	}
	body, endpointURL, err := c.buildPayload(req)
	if err != nil {
		return providers.Result{}, err
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	for k, v := range c.cfg.Headers {
		header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}

	resp, err := providers.Send(ctx, c.cfg.HTTPClient, c.cfg.ID, http.MethodPost, endpointURL, header, body)
	if err != nil {
		return providers.Result{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code, msg := parseError(resp.Body)
		return providers.Result{}, providers.ClassifyStatus(c.cfg.ID, resp.StatusCode, resp.Header, code, msg)
	}

	var (
		out   completion
		usage providers.Usage
	)
	if isResponsesEndpoint(c.cfg.Endpoint) {
		out, usage, err = parseResponsesAPI(resp.Body)
	} else {
		out, usage, err = parseChatCompletions(resp.Body)
	}
	if err != nil {
		return providers.Result{}, &providers.VendorError{Provider: c.cfg.ID, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}
	if out.Model == "" {
		out.Model = c.model(req)
	}
	return providers.Result{
		Payload: providers.ChatPayload{Text: out.Text, Model: out.Model, FinishReason: out.FinishReason},
		Usage:   usage,
	}, nil
}

func (c *Client) model(req providers.ChatRequest) string {
	if strings.TrimSpace(req.Model) != "" {
		return req.Model
	}
	return c.cfg.Model
}

func (c *Client) buildPayload(req providers.ChatRequest) ([]byte, string, error) {
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return nil, "", err
	}

	messages := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}

	if isResponsesEndpoint(c.cfg.Endpoint) {
		payload := map[string]any{
			"model": c.model(req),
			"input": messages,
		}
		if req.MaxTokens > 0 {
			payload["max_output_tokens"] = req.MaxTokens
		}
		if req.Temperature != nil {
			payload["temperature"] = *req.Temperature
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("marshal responses payload: %w", err)
		}
		return b, endpointURL, nil
	}

	payload := map[string]any{
		"model":    c.model(req),
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) buildEndpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if strings.HasSuffix(base, "/chat/completions") || strings.HasSuffix(base, "/responses") {
		return base, nil
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", &providers.ConfigurationError{Provider: c.cfg.ID, Field: "base url"}
	}
	path := strings.TrimSuffix(u.Path, "/")
	if isResponsesEndpoint(c.cfg.Endpoint) {
		u.Path = path + "/responses"
	} else {
		u.Path = path + "/chat/completions"
	}
	return u.String(), nil
}

type completion struct {
	Text         string
	Model        string
	FinishReason string
}

func parseChatCompletions(body []byte) (completion, providers.Usage, error) {
	var resp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
			Text         string `json:"text"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return completion{}, providers.Usage{}, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return completion{}, providers.Usage{}, fmt.Errorf("empty choices in chat completion response")
	}
	usage := providers.Usage{InputUnits: resp.Usage.PromptTokens, OutputUnits: resp.Usage.CompletionTokens}
	out := completion{Model: resp.Model, FinishReason: resp.Choices[0].FinishReason}
	if resp.Choices[0].Text != "" {
		out.Text = resp.Choices[0].Text
		return out, usage, nil
	}
	out.Text = anyToText(resp.Choices[0].Message.Content)
	return out, usage, nil
}

func parseResponsesAPI(body []byte) (completion, providers.Usage, error) {
	var resp struct {
		Model      string `json:"model"`
		Status     string `json:"status"`
		OutputText string `json:"output_text"`
		Output     []struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return completion{}, providers.Usage{}, fmt.Errorf("decode responses api response: %w", err)
	}
	usage := providers.Usage{InputUnits: resp.Usage.InputTokens, OutputUnits: resp.Usage.OutputTokens}
	out := completion{Model: resp.Model, FinishReason: resp.Status}
	if strings.TrimSpace(resp.OutputText) != "" {
		out.Text = resp.OutputText
		return out, usage, nil
	}
	for _, o := range resp.Output {
		for _, c := range o.Content {
			if strings.TrimSpace(c.Text) != "" {
				out.Text = c.Text
				return out, usage, nil
			}
		}
	}
	return completion{}, providers.Usage{}, fmt.Errorf("missing output text in responses api response")
}

func parseError(body []byte) (code, message string) {
	var resp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", providers.Truncate(body, 200)
	}
	code = resp.Error.Type
	if s, ok := resp.Error.Code.(string); ok && s != "" {
		code = s
	}
	return code, resp.Error.Message
}

func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func isResponsesEndpoint(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "responses" || v == "/v1/responses"
}
