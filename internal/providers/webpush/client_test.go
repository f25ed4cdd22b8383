package webpush

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"taskhub/internal/providers"
)

type userAgent struct {
	key  *ecdh.PrivateKey
	auth []byte
}

func newUserAgent(t *testing.T) userAgent {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ua key: %v", err)
	}
	auth := make([]byte, 16)
	_, _ = rand.Read(auth)
	return userAgent{key: key, auth: auth}
}

func (ua userAgent) subscription(endpoint string) string {
	var sub Subscription
	sub.Endpoint = endpoint
	sub.Keys.P256dh = base64.RawURLEncoding.EncodeToString(ua.key.PublicKey().Bytes())
	sub.Keys.Auth = base64.RawURLEncoding.EncodeToString(ua.auth)
	b, _ := json.Marshal(sub)
	return string(b)
}

// decrypt performs the receiving side of the aes128gcm scheme.
func (ua userAgent) decrypt(t *testing.T, body []byte) []byte {
	t.Helper()
	salt := body[:16]
	rs := binary.BigEndian.Uint32(body[16:20])
	idLen := int(body[20])
	asRaw := body[21 : 21+idLen]
	ciphertext := body[21+idLen:]
	if rs != recordSize {
		t.Fatalf("unexpected record size %d", rs)
	}

	asPub, err := ecdh.P256().NewPublicKey(asRaw)
	if err != nil {
		t.Fatalf("parse server key: %v", err)
	}
	shared, err := ua.key.ECDH(asPub)
	if err != nil {
		t.Fatalf("ecdh: %v", err)
	}
	info := append([]byte("WebPush: info\x00"), ua.key.PublicKey().Bytes()...)
	info = append(info, asRaw...)
	ikm := make([]byte, 32)
	_, _ = io.ReadFull(hkdf.New(sha256.New, shared, ua.auth, info), ikm)
	cek := make([]byte, 16)
	_, _ = io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte("Content-Encoding: aes128gcm\x00")), cek)
	nonce := make([]byte, 12)
	_, _ = io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte("Content-Encoding: nonce\x00")), nonce)

	block, _ := aes.NewCipher(cek)
	gcm, _ := cipher.NewGCM(block)
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain[len(plain)-1] != 0x02 {
		t.Fatalf("missing last-record delimiter")
	}
	return plain[:len(plain)-1]
}

func vapidKeys(t *testing.T) (priv, pub string, key *ecdh.PrivateKey) {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate vapid key: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(key.Bytes()),
		base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		key
}

func TestEncryptRoundTrip(t *testing.T) {
	ua := newUserAgent(t)
	p256dh := base64.RawURLEncoding.EncodeToString(ua.key.PublicKey().Bytes())
	auth := base64.RawURLEncoding.EncodeToString(ua.auth)

	body, err := Encrypt([]byte("When I grow up, I want to be a watermelon"), p256dh, auth)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if got := string(ua.decrypt(t, body)); got != "When I grow up, I want to be a watermelon" {
		t.Fatalf("unexpected plaintext %q", got)
	}
}

func TestInvokeDeliversEncryptedMessage(t *testing.T) {
	ua := newUserAgent(t)
	priv, pub, vapid := vapidKeys(t)

	var (
		gotBody   []byte
		gotHeader http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Location", "https://push.example/m/1")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, err := New(Config{ID: "webpush", VAPIDPublicKey: pub, VAPIDPrivateKey: priv, Subject: "mailto:ops@example.com", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := c.Invoke(context.Background(), providers.PushRequest{
		Title:  "Reminder",
		Body:   "Standup in 5",
		Target: ua.subscription(srv.URL + "/push/abc"),
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Payload.(providers.PushPayload).MessageID != "https://push.example/m/1" {
		t.Fatalf("unexpected payload %#v", res.Payload)
	}

	if gotHeader.Get("Content-Encoding") != "aes128gcm" || gotHeader.Get("TTL") == "" {
		t.Fatalf("missing web push headers: %v", gotHeader)
	}
	var msg map[string]any
	if err := json.Unmarshal(ua.decrypt(t, gotBody), &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg["title"] != "Reminder" || msg["body"] != "Standup in 5" {
		t.Fatalf("unexpected message %#v", msg)
	}

	authz := gotHeader.Get("Authorization")
	if !strings.HasPrefix(authz, "vapid t=") || !strings.HasSuffix(authz, ", k="+pub) {
		t.Fatalf("unexpected authorization %q", authz)
	}
	token := strings.TrimSuffix(strings.TrimPrefix(authz, "vapid t="), ", k="+pub)
	signer, err := parseVAPIDKey(priv)
	if err != nil {
		t.Fatalf("parse vapid key: %v", err)
	}
	if string(vapid.PublicKey().Bytes()[1:33]) != string(signer.X.FillBytes(make([]byte, 32))) {
		t.Fatalf("derived public key does not match")
	}
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) { return &signer.PublicKey, nil }, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil || !parsed.Valid {
		t.Fatalf("vapid jwt invalid: %v", err)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if claims["aud"] != srv.URL || claims["sub"] != "mailto:ops@example.com" {
		t.Fatalf("unexpected claims %#v", claims)
	}
}

func TestInvokeGoneSubscription(t *testing.T) {
	ua := newUserAgent(t)
	priv, pub, _ := vapidKeys(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	c, _ := New(Config{ID: "webpush", VAPIDPublicKey: pub, VAPIDPrivateKey: priv, HTTPClient: srv.Client()})
	_, err := c.Invoke(context.Background(), providers.PushRequest{Body: "x", Target: ua.subscription(srv.URL)})
	if providers.KindOf(err) != providers.KindVendor {
		t.Fatalf("expected vendor, got %v", err)
	}
}

func TestInvokeRejectsNonSubscriptionTarget(t *testing.T) {
	priv, pub, _ := vapidKeys(t)
	c, _ := New(Config{ID: "webpush", VAPIDPublicKey: pub, VAPIDPrivateKey: priv})
	_, err := c.Invoke(context.Background(), providers.PushRequest{Target: "ExponentPushToken[x]"})
	if providers.KindOf(err) != providers.KindInvalidRequest {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}

func TestNewWithoutKeys(t *testing.T) {
	_, err := New(Config{ID: "webpush"})
	if providers.KindOf(err) != providers.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
