// Package sealer encrypts message content at rest and derives stable pseudonymous ids.
package sealer

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	envelopePrefix  = "v1:"
	sealInfo        = "talkbridge seal v1"
	fingerprintInfo = "talkbridge fingerprint v1"
	minSecretLength = 16
)

var (
	ErrSecretTooShort = errors.New("seal secret must be at least 16 bytes")
	ErrNotSealed      = errors.New("value is not a sealed envelope")
)

// Sealer is an XChaCha20-Poly1305 envelope with a keyed fingerprint.
type Sealer struct {
	aead       aeadCipher
	fpKey []byte
}

type aeadCipher interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// New derives the sealing and fingerprint keys from secret.
func New(secret string) (*Sealer, error) {
	if len(secret) < minSecretLength {
		return nil, ErrSecretTooShort
	}
	sealKey, err := derive(secret, sealInfo, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	fpKey, err := derive(secret, fingerprintInfo, sha256.Size)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(sealKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Sealer{aead: aead, fpKey: fpKey}, nil
}

func derive(secret, info string, size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", info, err)
	}
	return key, nil
}

// Seal encrypts plaintext into a "v1:" envelope.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return envelopePrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open decrypts an envelope produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	body, ok := strings.CutPrefix(sealed, envelopePrefix)
	if !ok {
		return "", ErrNotSealed
	}
	raw, err := base64.RawStdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("failed to decode envelope: %w", err)
	}
	if len(raw) < s.aead.NonceSize()+s.aead.Overhead() {
		return "", ErrNotSealed
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to open envelope: %w", err)
	}
	return string(plain), nil
}

// Fingerprint returns a keyed, order-independent digest of parts. It is used as the pairing id
// so pattern memory never sees participant identifiers.
func (s *Sealer) Fingerprint(parts ...string) string {
	sorted := append([]string(nil), parts...)
	sort.Strings(sorted)
	mac := hmac.New(sha256.New, s.fpKey)
	for _, p := range sorted {
		mac.Write([]byte(p))
		mac.Write([]byte{0})
	}
	return hex.EncodeToString(mac.Sum(nil))[:32]
}
