package webpush

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"taskhub/internal/providers"
)

const (
	defaultTTL      = 24 * time.Hour
	vapidExpiry     = 12 * time.Hour
	maxPayloadBytes = 3993
)

type Config struct {
	ID              string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subject         string
	TTL             time.Duration
	HTTPClient      *http.Client
}

// Subscription is the PushSubscription JSON a browser hands to the application.
// It is stored as the device target.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Client delivers RFC 8291 encrypted messages signed with a VAPID key (RFC 8292).
type Client struct {
	cfg       Config
	signKey   *ecdsa.PrivateKey
	publicB64 string
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.VAPIDPrivateKey) == "" || strings.TrimSpace(cfg.VAPIDPublicKey) == "" {
		return nil, &providers.ConfigurationError{Provider: cfg.ID, Field: "vapid keys"}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = providers.NewHTTPClient(0)
	}
	key, err := parseVAPIDKey(cfg.VAPIDPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.ID, err)
	}
	return &Client{cfg: cfg, signKey: key, publicB64: strings.TrimRight(cfg.VAPIDPublicKey, "=")}, nil
}

var _ providers.Adapter = (*Client)(nil)

func (c *Client) Invoke(ctx context.Context, r providers.Request) (providers.Result, error) {
	req, ok := r.(providers.PushRequest)
	if !ok {
		return providers.Result{}, providers.WrongRequest(c.cfg.ID, r)
	}
	var sub Subscription
	if err := json.Unmarshal([]byte(req.Target), &sub); err != nil || sub.Endpoint == "" {
		return providers.Result{}, &providers.InvalidRequestError{Provider: c.cfg.ID, Reason: "target is not a push subscription"}
	}

	message, err := json.Marshal(map[string]any{"title": req.Title, "body": req.Body, "data": req.Data})
	if err != nil {
		return providers.Result{}, fmt.Errorf("marshal web push message: %w", err)
	}
	if len(message) > maxPayloadBytes {
		return providers.Result{}, &providers.InvalidRequestError{Provider: c.cfg.ID, Reason: "message exceeds web push payload limit"}
	}
	body, err := Encrypt(message, sub.Keys.P256dh, sub.Keys.Auth)
	if err != nil {
		return providers.Result{}, &providers.InvalidRequestError{Provider: c.cfg.ID, Reason: err.Error()}
	}
	authz, err := c.vapidAuthorization(sub.Endpoint)
	if err != nil {
		return providers.Result{}, err
	}

	header := http.Header{}
	header.Set("Content-Type", "application/octet-stream")
	header.Set("Content-Encoding", "aes128gcm")
	header.Set("TTL", strconv.Itoa(int(c.cfg.TTL.Seconds())))
	header.Set("Urgency", "normal")
	header.Set("Authorization", authz)

	resp, err := providers.Send(ctx, c.cfg.HTTPClient, c.cfg.ID, http.MethodPost, sub.Endpoint, header, body)
	if err != nil {
		return providers.Result{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return providers.Result{}, providers.ClassifyStatus(c.cfg.ID, resp.StatusCode, resp.Header, "", providers.Truncate(resp.Body, 200))
	}
	return providers.Result{
		Payload: providers.PushPayload{MessageID: resp.Header.Get("Location"), Status: "accepted"},
		Usage:   providers.Usage{InputUnits: 1},
	}, nil
}

func (c *Client) vapidAuthorization(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", &providers.InvalidRequestError{Provider: c.cfg.ID, Reason: "invalid push endpoint"}
	}
	claims := jwt.MapClaims{
		"aud": u.Scheme + "://" + u.Host,
		"exp": time.Now().Add(vapidExpiry).Unix(),
	}
	if c.cfg.Subject != "" {
		claims["sub"] = c.cfg.Subject
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(c.signKey)
	if err != nil {
		return "", &providers.ConfigurationError{Provider: c.cfg.ID, Field: "vapid private key"}
	}
	return "vapid t=" + signed + ", k=" + c.publicB64, nil
}

// parseVAPIDKey decodes the raw 32-byte P-256 scalar in base64url form.
func parseVAPIDKey(b64 string) (*ecdsa.PrivateKey, error) {
	raw, err := decodeB64(b64)
	if err != nil {
		return nil, fmt.Errorf("decode vapid private key: %w", err)
	}
	dh, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse vapid private key: %w", err)
	}
	pub := dh.PublicKey().Bytes()
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(pub[1:33]),
			Y:     new(big.Int).SetBytes(pub[33:65]),
		},
		D: new(big.Int).SetBytes(raw),
	}, nil
}

func decodeB64(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
