package registry

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"taskhub/internal/config"
	"taskhub/internal/providers"
	"taskhub/internal/providers/anthropic_messages"
	"taskhub/internal/providers/custom_http"
	"taskhub/internal/providers/expo"
	"taskhub/internal/providers/fcm"
	"taskhub/internal/providers/gemini"
	"taskhub/internal/providers/null"
	"taskhub/internal/providers/openai_compat"
	"taskhub/internal/providers/paypal"
	"taskhub/internal/providers/stripe"
	"taskhub/internal/providers/telegram"
	"taskhub/internal/providers/webpush"
)

type Deps struct {
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Constructor builds the adapter for one configured provider. It returns
// *providers.ConfigurationError when the vendor's credentials are absent.
type Constructor func(spec config.ProviderSpec, creds config.Credentials, deps Deps) (providers.Adapter, error)

type vendor struct {
	capabilities []providers.Capability
	build        Constructor
}

var (
	chatOnly    = []providers.Capability{providers.CapabilityChat}
	paymentOnly = []providers.Capability{providers.CapabilityPayment}
	pushOnly    = []providers.Capability{providers.CapabilityPush}

	anyCapability = []providers.Capability{providers.CapabilityChat, providers.CapabilityPayment, providers.CapabilityPush}
)

var vendors = map[string]vendor{
	"openai":        {chatOnly, buildOpenAI},
	"openai_compat": {chatOnly, buildOpenAI},
	"anthropic":     {chatOnly, buildAnthropic},
	"gemini":        {chatOnly, buildGemini},
	"custom_http":   {chatOnly, buildCustomHTTP},
	"stripe":        {paymentOnly, buildStripe},
	"paypal":        {paymentOnly, buildPayPal},
	"fcm":           {pushOnly, buildFCM},
	"expo":          {pushOnly, buildExpo},
	"webpush":       {pushOnly, buildWebPush},
	"telegram":      {pushOnly, buildTelegram},
	"null":          {anyCapability, buildNull},
}

// Vendors lists the vendor names accepted in provider specs.
func Vendors() []string {
	out := make([]string, 0, len(vendors))
	for name := range vendors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build registers every configured provider whose credentials are present, in
// configuration order, then gives each capability named in NullCapabilities a
// null adapter if nothing else serves it.
func Build(cfg config.ProvidersConfig, deps Deps) (*Registry, error) {
	if deps.HTTPClient == nil {
		deps.HTTPClient = providers.NewHTTPClient(0)
	}
	reg := New()

	for _, spec := range cfg.Specs {
		v, ok := vendors[spec.Vendor]
		if !ok {
			return nil, fmt.Errorf("provider %q: unsupported vendor %q", spec.ID, spec.Vendor)
		}
		caps, err := parseCapabilities(spec, v.capabilities)
		if err != nil {
			return nil, err
		}

		adapter, err := v.build(spec, cfg.Credentials, deps)
		if err != nil {
			if providers.KindOf(err) == providers.KindConfiguration {
				deps.Logger.Debug().Str("provider", spec.ID).Err(err).Msg("provider skipped")
				continue
			}
			return nil, fmt.Errorf("build provider %q: %w", spec.ID, err)
		}

		desc := providers.Descriptor{
			ID:                 spec.ID,
			Vendor:             spec.Vendor,
			Capabilities:       caps,
			CostPerUnit:        spec.CostPerUnit,
			RequestLimit:       spec.RequestLimit,
			RequestLimitWindow: spec.RequestLimitWindow,
			Model:              spec.Model,
		}
		if err := reg.Register(desc, adapter); err != nil {
			return nil, err
		}
		deps.Logger.Info().Str("provider", spec.ID).Str("vendor", spec.Vendor).Msg("provider registered")
	}

	for _, name := range cfg.NullCapabilities {
		c, ok := providers.ParseCapability(strings.ToLower(strings.TrimSpace(name)))
		if !ok {
			return nil, fmt.Errorf("NULL_PROVIDERS: unknown capability %q", name)
		}
		if reg.Has(c) {
			continue
		}
		desc := providers.Descriptor{ID: "null-" + string(c), Vendor: "null", Capabilities: []providers.Capability{c}}
		if err := reg.Register(desc, null.New()); err != nil {
			return nil, err
		}
		deps.Logger.Warn().Str("capability", string(c)).Msg("no provider configured, using null adapter")
	}
	return reg, nil
}

func parseCapabilities(spec config.ProviderSpec, supported []providers.Capability) ([]providers.Capability, error) {
	out := make([]providers.Capability, 0, len(spec.Capabilities))
	for _, raw := range spec.Capabilities {
		c, ok := providers.ParseCapability(strings.ToLower(strings.TrimSpace(raw)))
		if !ok {
			return nil, fmt.Errorf("provider %q: unknown capability %q", spec.ID, raw)
		}
		found := false
		for _, s := range supported {
			if s == c {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("provider %q: vendor %s does not support %s", spec.ID, spec.Vendor, c)
		}
		out = append(out, c)
	}
	return out, nil
}

func buildNull(config.ProviderSpec, config.Credentials, Deps) (providers.Adapter, error) {
	return null.New(), nil
}

func buildOpenAI(spec config.ProviderSpec, creds config.Credentials, deps Deps) (providers.Adapter, error) {
	c, err := openai_compat.New(openai_compat.Config{
		ID:         spec.ID,
		BaseURL:    spec.BaseURL,
		APIKey:     creds.OpenAIKey,
		Model:      spec.Model,
		HTTPClient: deps.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func buildAnthropic(spec config.ProviderSpec, creds config.Credentials, deps Deps) (providers.Adapter, error) {
	c, err := anthropic_messages.New(anthropic_messages.Config{
		ID:         spec.ID,
		BaseURL:    spec.BaseURL,
		APIKey:     creds.AnthropicKey,
		Model:      spec.Model,
		HTTPClient: deps.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func buildGemini(spec config.ProviderSpec, creds config.Credentials, deps Deps) (providers.Adapter, error) {
	c, err := gemini.New(gemini.Config{
		ID:         spec.ID,
		BaseURL:    spec.BaseURL,
		APIKey:     creds.GeminiKey,
		Model:      spec.Model,
		HTTPClient: deps.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func buildCustomHTTP(spec config.ProviderSpec, creds config.Credentials, deps Deps) (providers.Adapter, error) {
	target := spec.BaseURL
	if target == "" {
		target = creds.CustomLLMURL
	}
	c, err := custom_http.New(custom_http.Config{
		ID:           spec.ID,
		URL:          target,
		APIKey:       creds.CustomLLMKey,
		BodyTemplate: creds.CustomLLMBodyTemplate,
		Model:        spec.Model,
		HTTPClient:   deps.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func buildStripe(spec config.ProviderSpec, creds config.Credentials, deps Deps) (providers.Adapter, error) {
	c, err := stripe.New(stripe.Config{
		ID:         spec.ID,
		BaseURL:    spec.BaseURL,
		SecretKey:  creds.StripeSecretKey,
		HTTPClient: deps.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func buildPayPal(spec config.ProviderSpec, creds config.Credentials, deps Deps) (providers.Adapter, error) {
	base := spec.BaseURL
	if base == "" {
		base = creds.PayPalBaseURL
	}
	c, err := paypal.New(paypal.Config{
		ID:           spec.ID,
		BaseURL:      base,
		ClientID:     creds.PayPalClientID,
		ClientSecret: creds.PayPalClientSecret,
		HTTPClient:   deps.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func buildFCM(spec config.ProviderSpec, creds config.Credentials, deps Deps) (providers.Adapter, error) {
	c, err := fcm.New(fcm.Config{
		ID:          spec.ID,
		BaseURL:     spec.BaseURL,
		ProjectID:   creds.FCMProjectID,
		ClientEmail: creds.FCMClientEmail,
		PrivateKey:  creds.FCMPrivateKey,
		HTTPClient:  deps.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func buildExpo(spec config.ProviderSpec, creds config.Credentials, deps Deps) (providers.Adapter, error) {
	if !creds.ExpoEnabled && creds.ExpoAccessToken == "" {
		return nil, &providers.ConfigurationError{Provider: spec.ID, Field: "EXPO_ENABLED or access token"}
	}
	return expo.New(expo.Config{
		ID:          spec.ID,
		BaseURL:     spec.BaseURL,
		AccessToken: creds.ExpoAccessToken,
		HTTPClient:  deps.HTTPClient,
	}), nil
}

func buildWebPush(spec config.ProviderSpec, creds config.Credentials, deps Deps) (providers.Adapter, error) {
	c, err := webpush.New(webpush.Config{
		ID:              spec.ID,
		VAPIDPublicKey:  creds.VAPIDPublicKey,
		VAPIDPrivateKey: creds.VAPIDPrivateKey,
		Subject:         creds.VAPIDSubject,
		HTTPClient:      deps.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func buildTelegram(spec config.ProviderSpec, creds config.Credentials, deps Deps) (providers.Adapter, error) {
	c, err := telegram.New(telegram.Config{
		ID:         spec.ID,
		Token:      creds.TelegramBotToken,
		APIURL:     spec.BaseURL,
		HTTPClient: deps.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
