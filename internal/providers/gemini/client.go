package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"taskhub/internal/providers"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type Config struct {
	ID         string
	BaseURL    string
	APIKey     string
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
	return &Client{cfg: cfg}, nil
}

var _ providers.Adapter = (*Client)(nil)

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

func (c *Client) Invoke(ctx context.Context, r providers.Request) (providers.Result, error) {
	req, ok := r.(providers.ChatRequest)
	if !ok {
		return providers.Result{}, providers.WrongRequest(c.cfg.ID, r)
	}
	model := req.Model
	if strings.TrimSpace(model) == "" {
		model = c.cfg.Model
	}
	if model == "" {
		return providers.Result{}, &providers.ConfigurationError{Provider: c.cfg.ID, Field: "model"}
	}

	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return providers.Result{}, fmt.Errorf("marshal generateContent payload: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("x-goog-api-key", c.cfg.APIKey)

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/models/" + url.PathEscape(model) + ":generateContent"
	resp, err := providers.Send(ctx, c.cfg.HTTPClient, c.cfg.ID, http.MethodPost, endpoint, header, body)
	if err != nil {
		return providers.Result{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return providers.Result{}, c.classify(resp)
	}

	var out generateResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return providers.Result{}, &providers.VendorError{Provider: c.cfg.ID, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}
	if len(out.Candidates) == 0 {
		return providers.Result{}, &providers.VendorError{Provider: c.cfg.ID, StatusCode: resp.StatusCode, Message: "no candidates in response"}
	}
	cand := out.Candidates[0]
	texts := make([]string, 0, len(cand.Content.Parts))
	for _, p := range cand.Content.Parts {
		texts = append(texts, p.Text)
	}
	if out.ModelVersion != "" {
		model = out.ModelVersion
	}
	return providers.Result{
		Payload: providers.ChatPayload{Text: strings.Join(texts, ""), Model: model, FinishReason: cand.FinishReason},
		Usage: providers.Usage{
			InputUnits:  out.UsageMetadata.PromptTokenCount,
			OutputUnits: out.UsageMetadata.CandidatesTokenCount,
		},
	}, nil
}

func buildRequest(req providers.ChatRequest) generateRequest {
	conv := req.ConversationMessages()
	out := generateRequest{Contents: make([]content, 0, len(conv))}
	for _, m := range conv {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		out.Contents = append(out.Contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}
	if sys := req.SystemPrompt(); sys != "" {
		out.SystemInstruction = &content{Parts: []part{{Text: sys}}}
	}
	if req.Temperature != nil || req.MaxTokens > 0 {
		out.GenerationConfig = &generationConfig{Temperature: req.Temperature, MaxOutputTokens: req.MaxTokens}
	}
	return out
}

// classify prefers the RetryInfo delay from the error details over response headers.
func (c *Client) classify(resp providers.HTTPResponse) error {
	var body struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
			Details []struct {
				Type       string `json:"@type"`
				RetryDelay string `json:"retryDelay"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return providers.ClassifyStatus(c.cfg.ID, resp.StatusCode, resp.Header, "", providers.Truncate(resp.Body, 200))
	}
	err := providers.ClassifyStatus(c.cfg.ID, resp.StatusCode, resp.Header, body.Error.Status, body.Error.Message)
	var rlErr *providers.RateLimitedError
	if errors.As(err, &rlErr) {
		for _, d := range body.Error.Details {
			if strings.HasSuffix(d.Type, "google.rpc.RetryInfo") {
				if delay := providers.ParseResetString(d.RetryDelay); delay > 0 {
					rlErr.RetryAfter = delay
				}
			}
		}
	}
	return err
}
