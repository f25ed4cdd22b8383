package webpush

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const recordSize = 4096

// Encrypt produces a single aes128gcm record (RFC 8188) keyed per RFC 8291 for
// the subscriber's p256dh key and auth secret.
func Encrypt(plaintext []byte, p256dhB64, authB64 string) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	serverKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return encrypt(plaintext, p256dhB64, authB64, salt, serverKey)
}

func encrypt(plaintext []byte, p256dhB64, authB64 string, salt []byte, serverKey *ecdh.PrivateKey) ([]byte, error) {
	uaRaw, err := decodeB64(p256dhB64)
	if err != nil {
		return nil, fmt.Errorf("decode p256dh: %w", err)
	}
	authSecret, err := decodeB64(authB64)
	if err != nil || len(authSecret) == 0 {
		return nil, fmt.Errorf("decode auth secret")
	}
	uaPub, err := ecdh.P256().NewPublicKey(uaRaw)
	if err != nil {
		return nil, fmt.Errorf("parse p256dh: %w", err)
	}
	shared, err := serverKey.ECDH(uaPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	asPub := serverKey.PublicKey().Bytes()

	keyInfo := append([]byte("WebPush: info\x00"), uaRaw...)
	keyInfo = append(keyInfo, asPub...)
	ikm, err := expand(hkdf.Extract(sha256.New, shared, authSecret), keyInfo, 32)
	if err != nil {
		return nil, err
	}

	prk := hkdf.Extract(sha256.New, ikm, salt)
	cek, err := expand(prk, []byte("Content-Encoding: aes128gcm\x00"), 16)
	if err != nil {
		return nil, err
	}
	nonce, err := expand(prk, []byte("Content-Encoding: nonce\x00"), 12)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	// 0x02 marks the last record.
	record := append(append([]byte(nil), plaintext...), 0x02)
	if len(record)+gcm.Overhead() > recordSize {
		return nil, fmt.Errorf("payload too large for a single record")
	}

	header := make([]byte, 0, 16+4+1+len(asPub))
	header = append(header, salt...)
	header = binary.BigEndian.AppendUint32(header, recordSize)
	header = append(header, byte(len(asPub)))
	header = append(header, asPub...)
	return gcm.Seal(header, nonce, record, nil), nil
}

func expand(prk, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}
