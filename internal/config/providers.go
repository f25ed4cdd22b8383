package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProvidersConfig lists the provider descriptors to register, in order, together
// with the vendor credentials read from the environment.
type ProvidersConfig struct {
	File             string
	Specs            []ProviderSpec
	NullCapabilities []string
	Credentials      Credentials
}

// ProviderSpec is the configured shape of one provider descriptor.
type ProviderSpec struct {
	ID                 string        `yaml:"id"`
	Vendor             string        `yaml:"vendor"`
	Capabilities       []string      `yaml:"capabilities"`
	CostPerUnit        float64       `yaml:"cost_per_unit"`
	RequestLimit       int64         `yaml:"request_limit"`
	RequestLimitWindow time.Duration `yaml:"request_limit_window"`
	Model              string        `yaml:"model"`
	BaseURL            string        `yaml:"base_url"`
}

// Credentials holds vendor secrets. A blank credential disables the vendor.
type Credentials struct {
	OpenAIKey    string
	AnthropicKey string
	GeminiKey    string

	CustomLLMURL          string
	CustomLLMKey          string
	CustomLLMBodyTemplate string

	StripeSecretKey string

	PayPalClientID     string
	PayPalClientSecret string
	PayPalBaseURL      string

	FCMProjectID   string
	FCMClientEmail string
	FCMPrivateKey  string

	ExpoEnabled     bool
	ExpoAccessToken string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	TelegramBotToken string
}

type providersFile struct {
	Providers []ProviderSpec `yaml:"providers"`
}

func loadProvidersConfig() (ProvidersConfig, error) {
	pc := ProvidersConfig{
		File:             mustEnv("PROVIDERS_FILE", ""),
		NullCapabilities: mustList("NULL_PROVIDERS", []string{"chat"}),
		Credentials: Credentials{
			OpenAIKey:             mustEnv("OPENAI_API_KEY", ""),
			AnthropicKey:          mustEnv("ANTHROPIC_API_KEY", ""),
			GeminiKey:             firstNonEmpty(mustEnv("GEMINI_API_KEY", ""), mustEnv("GOOGLE_API_KEY", "")),
			CustomLLMURL:          mustEnv("CUSTOM_LLM_URL", ""),
			CustomLLMKey:          mustEnv("CUSTOM_LLM_API_KEY", ""),
			CustomLLMBodyTemplate: mustEnv("CUSTOM_LLM_BODY_TEMPLATE", ""),
			StripeSecretKey:       mustEnv("STRIPE_SECRET_KEY", ""),
			PayPalClientID:        mustEnv("PAYPAL_CLIENT_ID", ""),
			PayPalClientSecret:    mustEnv("PAYPAL_CLIENT_SECRET", ""),
			PayPalBaseURL:         mustEnv("PAYPAL_BASE_URL", ""),
			FCMProjectID:          mustEnv("FIREBASE_PROJECT_ID", ""),
			FCMClientEmail:        mustEnv("FIREBASE_CLIENT_EMAIL", ""),
			FCMPrivateKey:         strings.ReplaceAll(mustEnv("FIREBASE_PRIVATE_KEY", ""), `\n`, "\n"),
			ExpoEnabled:           mustBool("EXPO_ENABLED", false),
			ExpoAccessToken:       mustEnv("EXPO_ACCESS_TOKEN", ""),
			VAPIDPublicKey:        mustEnv("VAPID_PUBLIC_KEY", ""),
			VAPIDPrivateKey:       mustEnv("VAPID_PRIVATE_KEY", ""),
			VAPIDSubject:          mustEnv("VAPID_SUBJECT", "mailto:ops@taskhub.local"),
			TelegramBotToken:      mustEnv("TELEGRAM_BOT_TOKEN", ""),
		},
	}

	if pc.File == "" {
		pc.Specs = DefaultProviderSpecs()
		return pc, nil
	}
	specs, err := LoadProviderFile(pc.File)
	if err != nil {
		return ProvidersConfig{}, err
	}
	pc.Specs = specs
	return pc, nil
}

// LoadProviderFile reads provider descriptors from a YAML file of the form
// `providers: [{id, vendor, capabilities, cost_per_unit, ...}]`.
func LoadProviderFile(path string) ([]ProviderSpec, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve providers file path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read providers file %q: %w", absPath, err)
	}
	return ParseProviderSpecs(data)
}

func ParseProviderSpecs(data []byte) ([]ProviderSpec, error) {
	var f providersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Providers))
	for i, p := range f.Providers {
		p.ID = strings.TrimSpace(p.ID)
		p.Vendor = strings.ToLower(strings.TrimSpace(p.Vendor))
		if p.ID == "" {
			return nil, fmt.Errorf("providers[%d]: id is required", i)
		}
		if p.Vendor == "" {
			return nil, fmt.Errorf("provider %q: vendor is required", p.ID)
		}
		if len(p.Capabilities) == 0 {
			return nil, fmt.Errorf("provider %q: at least one capability is required", p.ID)
		}
		if p.CostPerUnit < 0 {
			return nil, fmt.Errorf("provider %q: cost_per_unit must not be negative", p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("provider %q declared twice", p.ID)
		}
		seen[p.ID] = struct{}{}
		f.Providers[i] = p
	}
	return f.Providers, nil
}

// DefaultProviderSpecs is the registration order used without PROVIDERS_FILE.
// Chat cost is per 1K tokens; payment cost is the fee per 1K minor units.
func DefaultProviderSpecs() []ProviderSpec {
	return []ProviderSpec{
		{ID: "openai", Vendor: "openai", Capabilities: []string{"chat"}, CostPerUnit: 0.002, Model: "gpt-4o-mini", RequestLimit: 60, RequestLimitWindow: time.Minute},
		{ID: "anthropic", Vendor: "anthropic", Capabilities: []string{"chat"}, CostPerUnit: 0.003, Model: "claude-3-5-haiku-latest", RequestLimit: 50, RequestLimitWindow: time.Minute},
		{ID: "gemini", Vendor: "gemini", Capabilities: []string{"chat"}, CostPerUnit: 0.0005, Model: "gemini-1.5-flash", RequestLimit: 60, RequestLimitWindow: time.Minute},
		{ID: "custom-llm", Vendor: "custom_http", Capabilities: []string{"chat"}},
		{ID: "stripe", Vendor: "stripe", Capabilities: []string{"payment"}, CostPerUnit: 29},
		{ID: "paypal", Vendor: "paypal", Capabilities: []string{"payment"}, CostPerUnit: 34.9},
		{ID: "fcm", Vendor: "fcm", Capabilities: []string{"push"}},
		{ID: "expo", Vendor: "expo", Capabilities: []string{"push"}, RequestLimit: 600, RequestLimitWindow: time.Second},
		{ID: "webpush", Vendor: "webpush", Capabilities: []string{"push"}},
		{ID: "telegram", Vendor: "telegram", Capabilities: []string{"push"}, RequestLimit: 30, RequestLimitWindow: time.Second},
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
