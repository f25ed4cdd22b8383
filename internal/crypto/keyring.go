package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Envelope is the stored form of a sealed value. AAD binds it to its owner,
// so a ciphertext copied onto another row fails to open.
type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Keyring seals device tokens with the current key and opens them with any
// configured key.
type Keyring struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewKeyring(currentKeyID string, keys map[string][]byte) (*Keyring, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Keyring{currentKeyID: currentKeyID, keys: cp}, nil
}

func (k *Keyring) CurrentKeyID() string {
	return k.currentKeyID
}

func (k *Keyring) Encrypt(plaintext, aad []byte) (Envelope, error) {
	aead, err := newGCM(k.keys[k.currentKeyID])
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, aad)

	return Envelope{
		KeyID:      k.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

func (k *Keyring) Decrypt(env Envelope, aad []byte) ([]byte, error) {
	key, ok := k.keys[env.KeyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", env.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Seal encrypts value bound to owner and returns the JSON envelope.
func (k *Keyring) Seal(value, owner string) (string, error) {
	env, err := k.Encrypt([]byte(value), []byte(owner))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

func (k *Keyring) Open(raw, owner string) (string, error) {
	env, err := parseEnvelope(raw)
	if err != nil {
		return "", err
	}
	pt, err := k.Decrypt(env, []byte(owner))
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// NeedsRotation reports whether raw was sealed under a key other than the current one.
func (k *Keyring) NeedsRotation(raw string) (bool, error) {
	env, err := parseEnvelope(raw)
	if err != nil {
		return false, err
	}
	return env.KeyID != k.currentKeyID, nil
}

// Rotate re-seals raw under the current key.
func (k *Keyring) Rotate(raw, owner string) (string, error) {
	plain, err := k.Open(raw, owner)
	if err != nil {
		return "", err
	}
	return k.Seal(plain, owner)
}

// Fingerprint identifies a device token without storing it in the clear.
// It is stable across key rotation.
func Fingerprint(providerID, token string) string {
	sum := sha256.Sum256([]byte(providerID + "\x00" + token))
	return hex.EncodeToString(sum[:])
}

func parseEnvelope(raw string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
