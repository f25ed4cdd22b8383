package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	keyIDEnv     = "MASTER_KEY_CURRENT_ID"
	singleKeyEnv = "MASTER_KEY_B64"
	keySetEnv    = "MASTER_KEYS_JSON"
	defaultKeyID = "default"
	keyLength    = 32
)

// loadCryptoConfig builds the device-token keyring. Per-id variables
// (MASTER_KEY_<ID>_B64) override entries of MASTER_KEYS_JSON, and
// MASTER_KEY_B64 always lands under the current id.
func loadCryptoConfig() (CryptoConfig, error) {
	encoded, err := collectKeySources()
	if err != nil {
		return CryptoConfig{}, err
	}

	current := strings.TrimSpace(os.Getenv(keyIDEnv))
	if single := strings.TrimSpace(os.Getenv(singleKeyEnv)); single != "" {
		if current == "" {
			current = defaultKeyID
		}
		encoded[current] = single
	}
	if len(encoded) == 0 {
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(encoded))
	for id, value := range encoded {
		key, err := decodeKey(value)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("device token key %q: %w", id, err)
		}
		keys[id] = key
	}

	current, err = pickCurrentKey(current, keys)
	if err != nil {
		return CryptoConfig{}, err
	}
	return CryptoConfig{CurrentKeyID: current, Keys: keys}, nil
}

func collectKeySources() (map[string]string, error) {
	encoded := map[string]string{}
	if raw := strings.TrimSpace(os.Getenv(keySetEnv)); raw != "" {
		var set map[string]string
		if err := json.Unmarshal([]byte(raw), &set); err != nil {
			return nil, fmt.Errorf("%s must be a JSON object of id to base64 key: %w", keySetEnv, err)
		}
		for id, value := range set {
			id, value = strings.TrimSpace(id), strings.TrimSpace(value)
			if id != "" && value != "" {
				encoded[id] = value
			}
		}
	}

	for _, kv := range os.Environ() {
		name, value, _ := strings.Cut(kv, "=")
		id, ok := keyIDFromEnv(name)
		if ok && strings.TrimSpace(value) != "" {
			encoded[id] = strings.TrimSpace(value)
		}
	}
	return encoded, nil
}

// keyIDFromEnv extracts <ID> from MASTER_KEY_<ID>_B64.
func keyIDFromEnv(name string) (string, bool) {
	if name == singleKeyEnv {
		return "", false
	}
	rest, ok := strings.CutPrefix(name, "MASTER_KEY_")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "_B64")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// decodeKey accepts padded or unpadded standard base64.
func decodeKey(value string) ([]byte, error) {
	key, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(value, "="))
	if err != nil {
		return nil, fmt.Errorf("not valid base64: %w", err)
	}
	if len(key) != keyLength {
		return nil, fmt.Errorf("want %d bytes, got %d", keyLength, len(key))
	}
	return key, nil
}

// pickCurrentKey returns the id new envelopes are sealed with. Without an
// explicit id a lone key is current; with several the choice must be named.
func pickCurrentKey(id string, keys map[string][]byte) (string, error) {
	if id != "" {
		if _, ok := keys[id]; !ok {
			return "", fmt.Errorf("%s %q names no configured key", keyIDEnv, id)
		}
		return id, nil
	}
	if len(keys) == 1 {
		for only := range keys {
			return only, nil
		}
	}
	return "", errors.New(keyIDEnv + " is required when several device token keys are configured")
}
