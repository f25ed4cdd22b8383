package crypto

import (
	"encoding/base64"
	"testing"
)

func TestSealOpen(t *testing.T) {
	k, err := NewKeyring("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}

	raw, err := k.Seal("ExponentPushToken[abc]", "user-1")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	out, err := k.Open(raw, "user-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out != "ExponentPushToken[abc]" {
		t.Fatalf("expected original token, got %q", out)
	}
}

func TestOpenRejectsOtherOwner(t *testing.T) {
	k, _ := NewKeyring("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	raw, err := k.Seal("token", "user-1")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := k.Open(raw, "user-2"); err == nil {
		t.Fatalf("expected open with another owner to fail")
	}
}

func TestRotation(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldRing, err := NewKeyring("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old keyring: %v", err)
	}
	legacy, err := oldRing.Seal("legacy", "dev-1")
	if err != nil {
		t.Fatalf("old seal: %v", err)
	}

	ring, err := NewKeyring("new", map[string][]byte{"old": oldKey, "new": newKey})
	if err != nil {
		t.Fatalf("rotated keyring: %v", err)
	}
	if stale, err := ring.NeedsRotation(legacy); err != nil || !stale {
		t.Fatalf("expected legacy envelope to need rotation, got %v (%v)", stale, err)
	}

	rotated, err := ring.Rotate(legacy, "dev-1")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if stale, _ := ring.NeedsRotation(rotated); stale {
		t.Fatalf("rotated envelope should use the current key")
	}
	plain, err := ring.Open(rotated, "dev-1")
	if err != nil || plain != "legacy" {
		t.Fatalf("unexpected plaintext %q (%v)", plain, err)
	}

	if _, err := oldRing.Open(rotated, "dev-1"); err == nil {
		t.Fatalf("old keyring should not know the new key")
	}
}

func TestNewKeyringValidates(t *testing.T) {
	if _, err := NewKeyring("", map[string][]byte{"a": make([]byte, 32)}); err == nil {
		t.Fatalf("expected error for empty current id")
	}
	if _, err := NewKeyring("b", map[string][]byte{"a": make([]byte, 32)}); err == nil {
		t.Fatalf("expected error for unknown current id")
	}
	if _, err := NewKeyring("a", map[string][]byte{"a": make([]byte, 16)}); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("fcm", "tok")
	if a != Fingerprint("fcm", "tok") {
		t.Fatalf("fingerprint must be deterministic")
	}
	if a == Fingerprint("expo", "tok") {
		t.Fatalf("fingerprint must depend on the provider")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %q", a)
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
