package custom_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"

	"taskhub/internal/providers"
)

type Config struct {
	ID           string
	URL          string
	APIKey       string
	Headers      map[string]string
	BodyTemplate string
	Method       string
	Model        string
	HTTPClient   *http.Client
}

type Client struct {
	cfg Config
	tpl *template.Template
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, &providers.ConfigurationError{Provider: cfg.ID, Field: "url"}
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = providers.NewHTTPClient(0)
	}
	c := &Client{cfg: cfg}
	if strings.TrimSpace(cfg.BodyTemplate) != "" {
		tpl, err := template.New("custom_http_body").Option("missingkey=zero").Funcs(template.FuncMap{
			"json": func(v any) (string, error) {
				b, err := json.Marshal(v)
				return string(b), err
			},
		}).Parse(cfg.BodyTemplate)
		if err != nil {
			return nil, fmt.Errorf("parse body template: %w", err)
		}
		c.tpl = tpl
	}
	return c, nil
}

var _ providers.Adapter = (*Client)(nil)

func (c *Client) Invoke(ctx context.Context, r providers.Request) (providers.Result, error) {
	req, ok := r.(providers.ChatRequest)
	if !ok {
		return providers.Result{}, providers.WrongRequest(c.cfg.ID, r)
	}
	body, err := c.renderBody(req)
	if err != nil {
		return providers.Result{}, &providers.InvalidRequestError{Provider: c.cfg.ID, Reason: err.Error()}
	}

	header := http.Header{}
	if len(c.cfg.Headers) == 0 {
		header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}
	} else {
		for k, v := range c.cfg.Headers {
			header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
		}
	}

	resp, err := providers.Send(ctx, c.cfg.HTTPClient, c.cfg.ID, c.cfg.Method, c.cfg.URL, header, body)
	if err != nil {
		return providers.Result{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return providers.Result{}, providers.ClassifyStatus(c.cfg.ID, resp.StatusCode, resp.Header, "", providers.Truncate(resp.Body, 200))
	}

	text, usage, err := extractText(resp.Body)
	if err != nil {
		return providers.Result{}, &providers.VendorError{Provider: c.cfg.ID, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}
	return providers.Result{
		Payload: providers.ChatPayload{Text: text, Model: c.model(req)},
		Usage:   usage,
	}, nil
}

func (c *Client) model(req providers.ChatRequest) string {
	if strings.TrimSpace(req.Model) != "" {
		return req.Model
	}
	return c.cfg.Model
}

func lastUserMessage(req providers.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

func (c *Client) renderBody(req providers.ChatRequest) ([]byte, error) {
	if c.tpl == nil {
		payload := map[string]any{
			"model":         c.model(req),
			"system_prompt": req.SystemPrompt(),
			"prompt":        lastUserMessage(req),
			"messages":      req.Messages,
			"max_tokens":    req.MaxTokens,
		}
		if req.Temperature != nil {
			payload["temperature"] = *req.Temperature
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal custom payload: %w", err)
		}
		return b, nil
	}

	temperature := 0.0
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	var buf bytes.Buffer
	if err := c.tpl.Execute(&buf, map[string]any{
		"Model":        c.model(req),
		"SystemPrompt": req.SystemPrompt(),
		"UserPrompt":   lastUserMessage(req),
		"Messages":     req.Messages,
		"MaxTokens":    req.MaxTokens,
		"Temperature":  temperature,
		"APIKey":       c.cfg.APIKey,
	}); err != nil {
		return nil, fmt.Errorf("execute body template: %w", err)
	}
	return buf.Bytes(), nil
}

func extractText(body []byte) (string, providers.Usage, error) {
	var simple map[string]any
	if err := json.Unmarshal(body, &simple); err != nil {
		trimmed := strings.TrimSpace(string(body))
		if trimmed != "" {
			return trimmed, providers.Usage{}, nil
		}
		return "", providers.Usage{}, fmt.Errorf("decode custom response: %w", err)
	}
	usage := extractUsage(simple)

	for _, key := range []string{"text", "response", "answer", "output_text"} {
		if v, ok := simple[key].(string); ok && strings.TrimSpace(v) != "" {
			return v, usage, nil
		}
	}

	if choices, ok := simple["choices"].([]any); ok && len(choices) > 0 {
		if c0, ok := choices[0].(map[string]any); ok {
			if msg, ok := c0["message"].(map[string]any); ok {
				if content, ok := msg["content"].(string); ok && strings.TrimSpace(content) != "" {
					return content, usage, nil
				}
			}
			if text, ok := c0["text"].(string); ok && strings.TrimSpace(text) != "" {
				return text, usage, nil
			}
		}
	}

	if out, ok := simple["output"].([]any); ok && len(out) > 0 {
		if o0, ok := out[0].(map[string]any); ok {
			if content, ok := o0["content"].([]any); ok && len(content) > 0 {
				if c0, ok := content[0].(map[string]any); ok {
					if text, ok := c0["text"].(string); ok && strings.TrimSpace(text) != "" {
						return text, usage, nil
					}
				}
			}
		}
	}

	return "", providers.Usage{}, fmt.Errorf("custom response does not contain text field")
}

// extractUsage accepts both prompt/completion and input/output token counters.
func extractUsage(m map[string]any) providers.Usage {
	u, ok := m["usage"].(map[string]any)
	if !ok {
		return providers.Usage{}
	}
	num := func(keys ...string) int64 {
		for _, k := range keys {
			if f, ok := u[k].(float64); ok && f > 0 {
				return int64(f)
			}
		}
		return 0
	}
	return providers.Usage{
		InputUnits:  num("prompt_tokens", "input_tokens"),
		OutputUnits: num("completion_tokens", "output_tokens"),
	}
}
